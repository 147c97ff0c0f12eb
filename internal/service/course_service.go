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

// courseCodeTemplate renders course codes like CS101 in a per-department
// namespace.
const courseCodeTemplate = "{dept}{sequence:3}"

type courseRepository interface {
	alloc.CodeSource
	Begin(ctx context.Context) (*sqlx.Tx, error)
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	CreateTx(ctx context.Context, tx *sqlx.Tx, course *models.Course) error
}

// CreateCourseRequest describes course creation.
type CreateCourseRequest struct {
	Code         string `json:"code"`
	Title        string `json:"title" validate:"required"`
	Credits      int    `json:"credits" validate:"required,gte=1,lte=12"`
	DepartmentID string `json:"department_id" validate:"required"`
}

// CourseService orchestrates course workflows.
type CourseService struct {
	repo          courseRepository
	departments   departmentReader
	allocator     codeAllocator
	cache         *CacheService
	validator     *validator.Validate
	logger        *zap.Logger
	maxTxRestarts int
}

// NewCourseService constructs CourseService.
func NewCourseService(repo courseRepository, departments departmentReader, allocator codeAllocator,
	cache *CacheService, validate *validator.Validate, logger *zap.Logger, maxTxRestarts int) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTxRestarts <= 0 {
		maxTxRestarts = 3
	}
	return &CourseService{repo: repo, departments: departments, allocator: allocator, cache: cache,
		validator: validate, logger: logger, maxTxRestarts: maxTxRestarts}
}

// List returns courses with pagination metadata.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return courses, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a course by ID.
func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// Create allocates a course code in the department scope and persists the
// course in one transaction.
func (s *CourseService) Create(ctx context.Context, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	department, err := s.departments.FindByID(ctx, req.DepartmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrDependencyMissing,
				fmt.Sprintf("department %s does not exist", req.DepartmentID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load department")
	}

	scope := alloc.Scope{Kind: "course", Key: department.Code}

	var course *models.Course
	for attempt := 1; ; attempt++ {
		course, err = s.createOnce(ctx, req, scope)
		if err == nil {
			break
		}
		if database.IsUniqueViolation(err) && req.Code == "" && attempt < s.maxTxRestarts {
			s.logger.Warn("course insert lost allocation race, restarting transaction",
				zap.String("scope", scope.String()), zap.Int("attempt", attempt))
			continue
		}
		if database.IsUniqueViolation(err) {
			return nil, appErrors.Wrap(err, appErrors.ErrUniquenessConflict.Code, appErrors.ErrUniquenessConflict.Status,
				"course code already in use")
		}
		return nil, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, "courses:")
	}
	return course, nil
}

func (s *CourseService) createOnce(ctx context.Context, req CreateCourseRequest, scope alloc.Scope) (*models.Course, error) {
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
		code, err = s.allocator.Allocate(ctx, tx, s.repo, scope, courseCodeTemplate, map[string]string{"dept": scope.Key})
	}
	if err != nil {
		return nil, err
	}

	course := &models.Course{
		Code:         code,
		Title:        req.Title,
		Credits:      req.Credits,
		DepartmentID: req.DepartmentID,
	}
	if err := s.repo.CreateTx(ctx, tx, course); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit course")
	}
	return course, nil
}
