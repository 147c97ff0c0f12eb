package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/models"
)

// CourseRepository handles persistence of courses. It implements
// alloc.CodeSource for the per-department course code namespace.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// Begin opens a transaction for a writer unit.
func (r *CourseRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

// List returns courses filtered by the provided criteria.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	base := "FROM courses co"
	var conditions []string
	var args []interface{}

	if filter.DepartmentID != "" {
		conditions = append(conditions, fmt.Sprintf("co.department_id = $%d", len(args)+1))
		args = append(args, filter.DepartmentID)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(co.title ILIKE $%d OR co.code ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"code":       "co.code",
		"title":      "co.title",
		"created_at": "co.created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "co.code"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT co.id, co.code, co.title, co.credits, co.department_id, co.created_at, co.updated_at
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// FindByID returns a course by its ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, code, title, credits, department_id, created_at, updated_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// LatestCode implements alloc.CodeSource for the course namespace.
func (r *CourseRepository) LatestCode(ctx context.Context, q sqlx.ExtContext, scope alloc.Scope) (string, error) {
	const query = `SELECT co.code FROM courses co
        JOIN departments d ON d.id = co.department_id
        WHERE d.code = $1
        ORDER BY co.created_at DESC LIMIT 1`
	var code string
	if err := sqlx.GetContext(ctx, q, &code, query, scope.Key); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("latest course code: %w", err)
	}
	return code, nil
}

// CodeExists implements alloc.CodeSource over the whole courses table.
func (r *CourseRepository) CodeExists(ctx context.Context, q sqlx.ExtContext, code string) (bool, error) {
	const query = `SELECT 1 FROM courses WHERE code = $1 LIMIT 1`
	var one int
	if err := sqlx.GetContext(ctx, q, &one, query, code); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check course code: %w", err)
	}
	return true, nil
}

// CreateTx inserts a course within the caller's transaction.
func (r *CourseRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	course.CreatedAt = now
	course.UpdatedAt = now
	const query = `INSERT INTO courses (id, code, title, credits, department_id, created_at, updated_at)
        VALUES (:id, :code, :title, :credits, :department_id, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}
