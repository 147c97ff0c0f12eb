package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/models"
	"github.com/akademos/registrar-api/pkg/database"
	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

type departmentRepository interface {
	List(ctx context.Context, filter models.DepartmentFilter) ([]models.Department, int, error)
	FindByID(ctx context.Context, id string) (*models.Department, error)
	FindByCode(ctx context.Context, code string) (*models.Department, error)
	Create(ctx context.Context, department *models.Department) error
}

// CreateDepartmentRequest describes department creation. Department codes are
// caller-chosen (they seed every student/course scope) and only normalized
// and uniqueness-checked here.
type CreateDepartmentRequest struct {
	Code string `json:"code" validate:"required,alphanum,min=2,max=8"`
	Name string `json:"name" validate:"required"`
}

// DepartmentService orchestrates department workflows.
type DepartmentService struct {
	repo      departmentRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewDepartmentService constructs DepartmentService.
func NewDepartmentService(repo departmentRepository, validate *validator.Validate, logger *zap.Logger) *DepartmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepartmentService{repo: repo, validator: validate, logger: logger}
}

// List returns departments with pagination metadata.
func (s *DepartmentService) List(ctx context.Context, filter models.DepartmentFilter) ([]models.Department, *models.Pagination, error) {
	departments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list departments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return departments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a department by ID.
func (s *DepartmentService) Get(ctx context.Context, id string) (*models.Department, error) {
	department, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "department not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load department")
	}
	return department, nil
}

// FindByCode resolves a department by its short code.
func (s *DepartmentService) FindByCode(ctx context.Context, code string) (*models.Department, error) {
	department, err := s.repo.FindByCode(ctx, alloc.Normalize(code))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrDependencyMissing,
				fmt.Sprintf("department %s does not exist", alloc.Normalize(code)))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load department")
	}
	return department, nil
}

// Create persists a new department.
func (s *DepartmentService) Create(ctx context.Context, req CreateDepartmentRequest) (*models.Department, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid department payload")
	}
	department := &models.Department{
		Code: alloc.Normalize(req.Code),
		Name: req.Name,
	}
	if err := s.repo.Create(ctx, department); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, appErrors.Clone(appErrors.ErrUniquenessConflict,
				fmt.Sprintf("department code %s is already in use", department.Code))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create department")
	}
	return department, nil
}
