package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/akademos/registrar-api/internal/models"
)

type accountWriter interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, account *models.Account) error
	EmailExists(ctx context.Context, email string) (bool, error)
}

// AccountService provisions the auxiliary identity record that every student
// receives. Provisioning happens inside the writer's transaction so the
// account and the student commit or roll back together.
type AccountService struct {
	repo       accountWriter
	bcryptCost int
}

// NewAccountService constructs the provisioning service.
func NewAccountService(repo accountWriter, bcryptCost int) *AccountService {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AccountService{repo: repo, bcryptCost: bcryptCost}
}

// ProvisionTx creates the account row in the caller's transaction. When
// password is empty an unguessable initial password is generated; the
// activation token delivered post-commit is the intended first-login path.
func (s *AccountService) ProvisionTx(ctx context.Context, tx *sqlx.Tx, email, password, displayName string) (*models.Account, error) {
	if password == "" {
		var err error
		password, err = randomPassword()
		if err != nil {
			return nil, err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash account password: %w", err)
	}
	account := &models.Account{
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	}
	if err := s.repo.CreateTx(ctx, tx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// EmailExists reports whether an account already claims the email.
func (s *AccountService) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.repo.EmailExists(ctx, email)
}

func randomPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
