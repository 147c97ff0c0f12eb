package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/models"
	appErrors "github.com/akademos/registrar-api/pkg/errors"
	"github.com/akademos/registrar-api/pkg/export"
)

type studentCreator interface {
	Create(ctx context.Context, req CreateStudentRequest) (*CreateStudentResult, error)
}

type departmentCodeResolver interface {
	FindByCode(ctx context.Context, code string) (*models.Department, error)
}

// ImportStudentRow is one record of a bulk student import. Departments are
// referenced by short code, not ID, because import files originate outside
// the system.
type ImportStudentRow struct {
	Code           string    `json:"code"`
	FullName       string    `json:"full_name" validate:"required"`
	Gender         string    `json:"gender" validate:"omitempty,oneof=M F"`
	BirthDate      time.Time `json:"birth_date" validate:"required"`
	Email          string    `json:"email" validate:"required,email"`
	Phone          string    `json:"phone"`
	Address        string    `json:"address"`
	DepartmentCode string    `json:"department_code" validate:"required"`
	AdmissionYear  int       `json:"admission_year" validate:"required,gte=2000,lte=2100"`
	ClassID        *string   `json:"class_id"`
}

// ImportService is the bulk writer for students. Validation is all-or-nothing
// up front; persistence is row-independent afterwards, so one bad row in a
// sub-batch never rolls back its committed neighbours.
type ImportService struct {
	students     studentCreator
	departments  departmentCodeResolver
	validator    *validator.Validate
	logger       *zap.Logger
	subBatchSize int
	maxRows      int

	csv *export.CSVExporter
	pdf *export.PDFExporter
}

// NewImportService constructs ImportService.
func NewImportService(students studentCreator, departments departmentCodeResolver,
	validate *validator.Validate, logger *zap.Logger, subBatchSize, maxRows int) *ImportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if subBatchSize <= 0 {
		subBatchSize = 25
	}
	if maxRows <= 0 {
		maxRows = 1000
	}
	return &ImportService{
		students:     students,
		departments:  departments,
		validator:    validate,
		logger:       logger,
		subBatchSize: subBatchSize,
		maxRows:      maxRows,
		csv:          export.NewCSVExporter(),
		pdf:          export.NewPDFExporter(),
	}
}

// Import processes student rows in two phases. Phase one validates every row
// and scans the batch for internal duplicates; any finding rejects the whole
// batch with positional errors before a single row is written. Phase two
// resolves department codes and creates rows one by one in fixed-size
// sub-batches, collecting per-row outcomes into a partial-success report.
func (s *ImportService) Import(ctx context.Context, rows []ImportStudentRow) (*models.ImportResult, error) {
	if len(rows) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "import requires at least one row")
	}
	if len(rows) > s.maxRows {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("import accepts at most %d rows, got %d", s.maxRows, len(rows)))
	}

	if rejections := s.preflight(rows); len(rejections) > 0 {
		return &models.ImportResult{Failed: rejections},
			appErrors.Clone(appErrors.ErrValidation, "import batch rejected")
	}

	departments, failed := s.resolveDepartments(ctx, rows)

	result := &models.ImportResult{Failed: failed}
	skip := make(map[int]bool, len(failed))
	for _, f := range failed {
		skip[f.Row] = true
	}

	for start := 0; start < len(rows); start += s.subBatchSize {
		end := start + s.subBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		for i := start; i < end; i++ {
			rowNum := i + 1
			if skip[rowNum] {
				continue
			}
			s.importRow(ctx, rowNum, rows[i], departments, result)
		}
	}

	committed, failedCount := result.Summary()
	s.logger.Info("student import finished",
		zap.Int("rows", len(rows)),
		zap.Int("committed", committed),
		zap.Int("failed", failedCount),
		zap.Int("degraded", len(result.Degraded)))
	return result, nil
}

// preflight validates each row and rejects batches that collide with
// themselves on email or caller-provided code.
func (s *ImportService) preflight(rows []ImportStudentRow) []models.RowError {
	var rejections []models.RowError
	seenEmail := make(map[string]int, len(rows))
	seenCode := make(map[string]int, len(rows))

	for i, row := range rows {
		rowNum := i + 1
		if err := s.validator.Struct(row); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				for _, fe := range fieldErrs {
					rejections = append(rejections, models.RowError{
						Row:     rowNum,
						Field:   strings.ToLower(fe.Field()),
						Message: fmt.Sprintf("failed %s validation", fe.Tag()),
					})
				}
			} else {
				rejections = append(rejections, models.RowError{Row: rowNum, Message: err.Error()})
			}
		}

		email := strings.ToLower(strings.TrimSpace(row.Email))
		if email != "" {
			if first, ok := seenEmail[email]; ok {
				rejections = append(rejections, models.RowError{
					Row:     rowNum,
					Field:   "email",
					Message: fmt.Sprintf("duplicates row %d", first),
				})
			} else {
				seenEmail[email] = rowNum
			}
		}

		code := alloc.Normalize(row.Code)
		if code != "" {
			if first, ok := seenCode[code]; ok {
				rejections = append(rejections, models.RowError{
					Row:     rowNum,
					Field:   "code",
					Message: fmt.Sprintf("duplicates row %d", first),
				})
			} else {
				seenCode[code] = rowNum
			}
		}
	}
	return rejections
}

// resolveDepartments looks up each distinct department code once. Rows naming
// a missing department fail individually instead of sinking the batch.
func (s *ImportService) resolveDepartments(ctx context.Context, rows []ImportStudentRow) (map[string]*models.Department, []models.RowError) {
	resolved := make(map[string]*models.Department)
	missing := make(map[string]bool)
	var failed []models.RowError

	for i, row := range rows {
		code := alloc.Normalize(row.DepartmentCode)
		if _, ok := resolved[code]; ok {
			continue
		}
		if missing[code] {
			failed = append(failed, models.RowError{
				Row:     i + 1,
				Field:   "department_code",
				Message: fmt.Sprintf("department %s does not exist", code),
			})
			continue
		}
		department, err := s.departments.FindByCode(ctx, code)
		if err != nil {
			if errors.Is(err, appErrors.ErrDependencyMissing) || errors.Is(err, sql.ErrNoRows) {
				missing[code] = true
				failed = append(failed, models.RowError{
					Row:     i + 1,
					Field:   "department_code",
					Message: fmt.Sprintf("department %s does not exist", code),
				})
				continue
			}
			// Lookup infrastructure failure: fail this row, keep going.
			failed = append(failed, models.RowError{
				Row:     i + 1,
				Field:   "department_code",
				Message: "failed to resolve department",
			})
			continue
		}
		resolved[code] = department
	}
	return resolved, failed
}

func (s *ImportService) importRow(ctx context.Context, rowNum int, row ImportStudentRow,
	departments map[string]*models.Department, result *models.ImportResult) {
	department := departments[alloc.Normalize(row.DepartmentCode)]
	if department == nil {
		// Already reported by resolveDepartments for the first row naming the
		// code; later rows with the same code fail here.
		result.Failed = append(result.Failed, models.RowError{
			Row:     rowNum,
			Field:   "department_code",
			Message: fmt.Sprintf("department %s does not exist", alloc.Normalize(row.DepartmentCode)),
		})
		return
	}

	created, err := s.students.Create(ctx, CreateStudentRequest{
		Code:          row.Code,
		FullName:      row.FullName,
		Gender:        row.Gender,
		BirthDate:     row.BirthDate,
		Email:         row.Email,
		Phone:         row.Phone,
		Address:       row.Address,
		DepartmentID:  department.ID,
		AdmissionYear: row.AdmissionYear,
		ClassID:       row.ClassID,
	})
	if err != nil {
		result.Failed = append(result.Failed, models.RowError{Row: rowNum, Message: rowMessage(err)})
		return
	}

	result.Committed = append(result.Committed, models.CommittedRow{
		Row:  rowNum,
		ID:   created.Student.ID,
		Code: created.Student.Code,
	})
	if created.Degraded {
		result.Degraded = append(result.Degraded, models.RowError{
			Row:     rowNum,
			Message: "student created but welcome notification failed",
		})
	}
}

// rowMessage flattens a service error into a single report line.
func rowMessage(err error) string {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// Report renders an import result as csv or pdf for download.
func (s *ImportService) Report(result *models.ImportResult, format string) ([]byte, string, error) {
	dataset := reportDataset(result)
	switch strings.ToLower(format) {
	case "csv", "":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv report")
		}
		return payload, "text/csv", nil
	case "pdf":
		payload, err := s.pdf.Render(dataset, "Student Import Report")
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf report")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported report format %q", format))
	}
}

func reportDataset(result *models.ImportResult) export.Dataset {
	dataset := export.Dataset{
		Headers: []string{"Row", "Outcome", "Code", "Field", "Detail"},
	}
	for _, c := range result.Committed {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Row":     strconv.Itoa(c.Row),
			"Outcome": "committed",
			"Code":    c.Code,
			"Detail":  c.ID,
		})
	}
	for _, f := range result.Failed {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Row":     strconv.Itoa(f.Row),
			"Outcome": "failed",
			"Field":   f.Field,
			"Detail":  f.Message,
		})
	}
	for _, d := range result.Degraded {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Row":     strconv.Itoa(d.Row),
			"Outcome": "degraded",
			"Detail":  d.Message,
		})
	}
	return dataset
}
