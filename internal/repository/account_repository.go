package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/akademos/registrar-api/internal/models"
)

// AccountRepository persists the auxiliary identity records linked to
// students.
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository constructs the repository.
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// CreateTx inserts an account within the caller's transaction so the account
// and the entity linking to it commit or roll back together.
func (r *AccountRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO accounts (id, email, password_hash, display_name, created_at)
        VALUES (:id, :email, :password_hash, :display_name, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// EmailExists probes the unique account email column.
func (r *AccountRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	const query = `SELECT 1 FROM accounts WHERE email = $1 LIMIT 1`
	var one int
	if err := r.db.GetContext(ctx, &one, query, email); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check account email: %w", err)
	}
	return true, nil
}
