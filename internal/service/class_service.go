package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/models"
	"github.com/akademos/registrar-api/pkg/database"
	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

// classCodeTemplate renders class codes like C24005 in a single global
// namespace per academic year.
const classCodeTemplate = "C{year}{sequence:3}"

type classRepository interface {
	alloc.CodeSource
	Begin(ctx context.Context) (*sqlx.Tx, error)
	List(ctx context.Context, filter models.ClassFilter) ([]models.Class, int, error)
	FindByID(ctx context.Context, id string) (*models.Class, error)
	CreateTx(ctx context.Context, tx *sqlx.Tx, class *models.Class) error
	UpdateTx(ctx context.Context, tx *sqlx.Tx, class *models.Class) error
	UpdateCapacityTx(ctx context.Context, tx *sqlx.Tx, id string, maxCapacity *int) (int64, error)
}

// CreateClassRequest describes class creation.
type CreateClassRequest struct {
	Code            string  `json:"code"`
	Name            string  `json:"name" validate:"required"`
	Grade           string  `json:"grade" validate:"required"`
	AcademicYear    int     `json:"academic_year" validate:"required,gte=2000,lte=2100"`
	HomeroomTeacher *string `json:"homeroom_teacher"`
	MaxCapacity     *int    `json:"max_capacity" validate:"omitempty,gte=1"`
}

// UpdateClassRequest describes mutable class attributes. MaxCapacitySet
// distinguishes "leave unchanged" from "set to unbounded".
type UpdateClassRequest struct {
	Name            string  `json:"name" validate:"required"`
	Grade           string  `json:"grade" validate:"required"`
	HomeroomTeacher *string `json:"homeroom_teacher"`
	MaxCapacity     *int    `json:"max_capacity" validate:"omitempty,gte=1"`
	MaxCapacitySet  bool    `json:"max_capacity_set"`
}

// ClassService orchestrates class workflows.
type ClassService struct {
	repo          classRepository
	allocator     codeAllocator
	cache         *CacheService
	validator     *validator.Validate
	logger        *zap.Logger
	maxTxRestarts int
}

// NewClassService constructs ClassService.
func NewClassService(repo classRepository, allocator codeAllocator, cache *CacheService, validate *validator.Validate, logger *zap.Logger, maxTxRestarts int) *ClassService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTxRestarts <= 0 {
		maxTxRestarts = 3
	}
	return &ClassService{repo: repo, allocator: allocator, cache: cache, validator: validate, logger: logger, maxTxRestarts: maxTxRestarts}
}

// List returns classes with pagination metadata.
func (s *ClassService) List(ctx context.Context, filter models.ClassFilter) ([]models.Class, *models.Pagination, error) {
	classes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classes")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return classes, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a class by ID.
func (s *ClassService) Get(ctx context.Context, id string) (*models.Class, error) {
	class, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	return class, nil
}

// Create allocates a class code and persists the class in one transaction.
func (s *ClassService) Create(ctx context.Context, req CreateClassRequest) (*models.Class, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class payload")
	}

	scope := alloc.Scope{Kind: "class", Year: req.AcademicYear}

	var class *models.Class
	var err error
	for attempt := 1; ; attempt++ {
		class, err = s.createOnce(ctx, req, scope)
		if err == nil {
			break
		}
		if database.IsUniqueViolation(err) && req.Code == "" && attempt < s.maxTxRestarts {
			s.logger.Warn("class insert lost allocation race, restarting transaction",
				zap.String("scope", scope.String()), zap.Int("attempt", attempt))
			continue
		}
		if database.IsUniqueViolation(err) {
			return nil, appErrors.Wrap(err, appErrors.ErrUniquenessConflict.Code, appErrors.ErrUniquenessConflict.Status,
				"class code already in use")
		}
		return nil, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, "classes:")
	}
	return class, nil
}

func (s *ClassService) createOnce(ctx context.Context, req CreateClassRequest, scope alloc.Scope) (*models.Class, error) {
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
		code, err = s.allocator.Allocate(ctx, tx, s.repo, scope, classCodeTemplate, nil)
	}
	if err != nil {
		return nil, err
	}

	class := &models.Class{
		Code:            code,
		Name:            req.Name,
		Grade:           req.Grade,
		AcademicYear:    req.AcademicYear,
		HomeroomTeacher: req.HomeroomTeacher,
		MaxCapacity:     req.MaxCapacity,
	}
	if err := s.repo.CreateTx(ctx, tx, class); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit class")
	}
	return class, nil
}

// Update changes class attributes and capacity as one transaction: when the
// guarded capacity update rejects lowering the limit below current
// enrollment, the attribute changes roll back with it.
func (s *ClassService) Update(ctx context.Context, id string, req UpdateClassRequest) (*models.Class, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class payload")
	}
	class, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	class.Name = req.Name
	class.Grade = req.Grade
	class.HomeroomTeacher = req.HomeroomTeacher
	if err := s.repo.UpdateTx(ctx, tx, class); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update class")
	}

	if req.MaxCapacitySet {
		affected, err := s.repo.UpdateCapacityTx(ctx, tx, id, req.MaxCapacity)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update capacity")
		}
		if affected == 0 {
			limit := 0
			if req.MaxCapacity != nil {
				limit = *req.MaxCapacity
			}
			return nil, appErrors.Clone(appErrors.ErrCapacityExceeded,
				fmt.Sprintf("class %s has %d enrolled students, cannot lower capacity to %d",
					class.Code, class.CurrentEnrollment, limit))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit class update")
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, "classes:")
	}
	return s.Get(ctx, id)
}
