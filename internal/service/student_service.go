package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/models"
	"github.com/akademos/registrar-api/pkg/database"
	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

// studentCodeTemplate renders student numbers like CS24007 from the
// (department, admission year) scope.
const studentCodeTemplate = "{dept}{year}{sequence:3}"

// Unique indexes the create transaction can trip over. Only a collision on
// the code index means the allocator lost a race worth restarting for.
const (
	studentEmailConstraint = "students_email_key"
	accountEmailConstraint = "accounts_email_key"
)

type studentRepository interface {
	alloc.CodeSource
	Begin(ctx context.Context) (*sqlx.Tx, error)
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindDetailByID(ctx context.Context, id string) (*models.StudentDetail, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateTx(ctx context.Context, tx *sqlx.Tx, student *models.Student) error
	UpdateClassTx(ctx context.Context, tx *sqlx.Tx, id string, classID *string) error
	DeactivateTx(ctx context.Context, tx *sqlx.Tx, id string) error
}

type departmentReader interface {
	FindByID(ctx context.Context, id string) (*models.Department, error)
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type codeAllocator interface {
	Allocate(ctx context.Context, q sqlx.ExtContext, src alloc.CodeSource, scope alloc.Scope, template string, vars map[string]string) (string, error)
	Validate(ctx context.Context, q sqlx.ExtContext, src alloc.CodeSource, scope alloc.Scope, code string) (string, error)
}

type enrollmentLedger interface {
	Admit(ctx context.Context, q sqlx.ExtContext, classID string) error
	Remove(ctx context.Context, q sqlx.ExtContext, classID string) error
	Transfer(ctx context.Context, q sqlx.ExtContext, fromClassID, toClassID string) error
}

type accountProvisioner interface {
	ProvisionTx(ctx context.Context, tx *sqlx.Tx, email, password, displayName string) (*models.Account, error)
	EmailExists(ctx context.Context, email string) (bool, error)
}

type welcomeDispatcher interface {
	EnqueueWelcome(payload WelcomePayload) error
}

// CreateStudentRequest describes student creation. Code is optional: when
// provided it is validated for uniqueness instead of allocated.
type CreateStudentRequest struct {
	Code          string     `json:"code"`
	FullName      string     `json:"full_name" validate:"required"`
	Gender        string     `json:"gender" validate:"omitempty,oneof=M F"`
	BirthDate     time.Time  `json:"birth_date" validate:"required"`
	Email         string     `json:"email" validate:"required,email"`
	Phone         string     `json:"phone"`
	Address       string     `json:"address"`
	DepartmentID  string     `json:"department_id" validate:"required"`
	AdmissionYear int        `json:"admission_year" validate:"required,gte=2000,lte=2100"`
	ClassID       *string    `json:"class_id"`
	Password      string     `json:"password" validate:"omitempty,min=8"`
}

// TransferStudentRequest describes a class transfer payload.
type TransferStudentRequest struct {
	TargetClassID string `json:"target_class_id" validate:"required"`
}

// CreateStudentResult reports the committed student plus whether the
// post-commit notification degraded.
type CreateStudentResult struct {
	Student  *models.StudentDetail `json:"student"`
	Degraded bool                  `json:"degraded,omitempty"`
}

// StudentService is the transactional writer for students: it composes code
// allocation, the student row, account provisioning and the enrollment ledger
// into one all-or-nothing unit, and defers irreversible side effects until
// after commit.
type StudentService struct {
	repo          studentRepository
	departments   departmentReader
	classes       classReader
	allocator     codeAllocator
	ledger        enrollmentLedger
	accounts      accountProvisioner
	dispatcher    welcomeDispatcher
	cache         *CacheService
	validator     *validator.Validate
	logger        *zap.Logger
	maxTxRestarts int
}

// NewStudentService constructs StudentService.
func NewStudentService(repo studentRepository, departments departmentReader, classes classReader,
	allocator codeAllocator, ledger enrollmentLedger, accounts accountProvisioner, dispatcher welcomeDispatcher,
	cache *CacheService, validate *validator.Validate, logger *zap.Logger, maxTxRestarts int) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTxRestarts <= 0 {
		maxTxRestarts = 3
	}
	return &StudentService{
		repo:          repo,
		departments:   departments,
		classes:       classes,
		allocator:     allocator,
		ledger:        ledger,
		accounts:      accounts,
		dispatcher:    dispatcher,
		cache:         cache,
		validator:     validate,
		logger:        logger,
		maxTxRestarts: maxTxRestarts,
	}
}

// List returns students with pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return students, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a student with joined context.
func (s *StudentService) Get(ctx context.Context, id string) (*models.StudentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return detail, nil
}

// Create registers a student as one transaction: code, row, account and
// ledger admit. The welcome notification is enqueued only after commit; its
// failure degrades the result but never rolls anything back.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*CreateStudentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	department, err := s.departments.FindByID(ctx, req.DepartmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrDependencyMissing,
				fmt.Sprintf("department %s does not exist", req.DepartmentID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load department")
	}

	if taken, err := s.repo.EmailExists(ctx, req.Email); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	} else if taken {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("email %s is already registered", req.Email))
	}

	scope := alloc.Scope{Kind: "student", Key: department.Code, Year: req.AdmissionYear}

	var created *models.Student
	// The allocator probe and the insert are not one atomic step: a concurrent
	// writer can commit the same candidate in between. Restart the whole
	// transaction on that unique violation; each restart re-scans past the
	// winner's code.
	for attempt := 1; ; attempt++ {
		created, err = s.createOnce(ctx, req, scope)
		if err == nil {
			break
		}
		if database.IsUniqueViolation(err) {
			switch database.UniqueConstraint(err) {
			case studentEmailConstraint, accountEmailConstraint:
				// An email race is not an allocation race: restarting would
				// burn every attempt on the same conflict.
				return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status,
					fmt.Sprintf("email %s is already registered", req.Email))
			}
			if req.Code == "" && attempt < s.maxTxRestarts {
				s.logger.Warn("student insert lost allocation race, restarting transaction",
					zap.String("scope", scope.String()), zap.Int("attempt", attempt))
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrUniquenessConflict.Code, appErrors.ErrUniquenessConflict.Status,
				"student identifier already in use")
		}
		return nil, err
	}

	s.invalidateCaches(ctx)

	result := &CreateStudentResult{}
	if s.dispatcher != nil {
		if err := s.dispatcher.EnqueueWelcome(WelcomePayload{
			StudentID:   created.ID,
			StudentCode: created.Code,
			Email:       created.Email,
			DisplayName: created.FullName,
		}); err != nil {
			s.logger.Warn("welcome dispatch failed after commit",
				zap.String("student_id", created.ID), zap.Error(err))
			result.Degraded = true
		}
	}

	detail, err := s.repo.FindDetailByID(ctx, created.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load created student")
	}
	result.Student = detail
	return result, nil
}

func (s *StudentService) createOnce(ctx context.Context, req CreateStudentRequest, scope alloc.Scope) (*models.Student, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var code string
	if req.Code != "" {
		code, err = s.allocator.Validate(ctx, tx, s.repo, scope, req.Code)
	} else {
		code, err = s.allocator.Allocate(ctx, tx, s.repo, scope, studentCodeTemplate, map[string]string{"dept": scope.Key})
	}
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.ProvisionTx(ctx, tx, req.Email, req.Password, req.FullName)
	if err != nil {
		return nil, err
	}

	student := &models.Student{
		Code:          code,
		FullName:      req.FullName,
		Gender:        req.Gender,
		BirthDate:     req.BirthDate,
		Email:         req.Email,
		Phone:         req.Phone,
		Address:       req.Address,
		DepartmentID:  req.DepartmentID,
		AdmissionYear: req.AdmissionYear,
		ClassID:       req.ClassID,
		AccountID:     &account.ID,
		Active:        true,
	}
	if err := s.repo.CreateTx(ctx, tx, student); err != nil {
		return nil, err
	}

	// Capacity is validated before commit and before any irreversible side
	// effect is scheduled.
	if req.ClassID != nil {
		if err := s.ledger.Admit(ctx, tx, *req.ClassID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit student")
	}
	return student, nil
}

// Transfer moves a student between classes, or admits an unassigned student,
// keeping the ledger counters and the student row consistent in one
// transaction.
func (s *StudentService) Transfer(ctx context.Context, id string, req TransferStudentRequest) (*models.StudentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transfer payload")
	}
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPrecondition, "student inactive")
	}
	if student.ClassID != nil && *student.ClassID == req.TargetClassID {
		return nil, appErrors.Clone(appErrors.ErrPrecondition, "already in target class")
	}
	if _, err := s.classes.FindByID(ctx, req.TargetClassID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrDependencyMissing,
				fmt.Sprintf("class %s does not exist", req.TargetClassID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load target class")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if student.ClassID == nil {
		err = s.ledger.Admit(ctx, tx, req.TargetClassID)
	} else {
		err = s.ledger.Transfer(ctx, tx, *student.ClassID, req.TargetClassID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateClassTx(ctx, tx, id, &req.TargetClassID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit transfer")
	}

	s.invalidateCaches(ctx)

	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return detail, nil
}

// Deactivate marks a student inactive and releases their class seat. The
// student row and its code survive; codes are never reused.
func (s *StudentService) Deactivate(ctx context.Context, id string) error {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return appErrors.Clone(appErrors.ErrPrecondition, "student already inactive")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if student.ClassID != nil {
		if err := s.ledger.Remove(ctx, tx, *student.ClassID); err != nil {
			return err
		}
	}
	if err := s.repo.DeactivateTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit deactivation")
	}

	s.invalidateCaches(ctx)
	return nil
}

func (s *StudentService) invalidateCaches(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, "students:")
		s.cache.Invalidate(ctx, "classes:")
	}
}
