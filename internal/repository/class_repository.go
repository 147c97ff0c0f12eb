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

// ClassRepository handles persistence of classes. It implements
// alloc.CodeSource so class codes can be allocated in the global
// academic-year namespace.
type ClassRepository struct {
	db *sqlx.DB
}

// NewClassRepository constructs the repository.
func NewClassRepository(db *sqlx.DB) *ClassRepository {
	return &ClassRepository{db: db}
}

// Begin opens a transaction for a writer unit.
func (r *ClassRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

// List returns classes filtered by the provided criteria.
func (r *ClassRepository) List(ctx context.Context, filter models.ClassFilter) ([]models.Class, int, error) {
	base := "FROM classes c"
	var conditions []string
	var args []interface{}

	if filter.Grade != "" {
		conditions = append(conditions, fmt.Sprintf("c.grade = $%d", len(args)+1))
		args = append(args, filter.Grade)
	}
	if filter.AcademicYear != 0 {
		conditions = append(conditions, fmt.Sprintf("c.academic_year = $%d", len(args)+1))
		args = append(args, filter.AcademicYear)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(c.name ILIKE $%d OR c.code ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"code":               "c.code",
		"name":               "c.name",
		"created_at":         "c.created_at",
		"current_enrollment": "c.current_enrollment",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "c.code"
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

	query := fmt.Sprintf(`SELECT c.id, c.code, c.name, c.grade, c.academic_year, c.homeroom_teacher,
        c.current_enrollment, c.max_capacity, c.created_at, c.updated_at
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var classes []models.Class
	if err := r.db.SelectContext(ctx, &classes, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list classes: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count classes: %w", err)
	}
	return classes, total, nil
}

// FindByID returns a class by its ID.
func (r *ClassRepository) FindByID(ctx context.Context, id string) (*models.Class, error) {
	const query = `SELECT id, code, name, grade, academic_year, homeroom_teacher,
        current_enrollment, max_capacity, created_at, updated_at FROM classes WHERE id = $1`
	var class models.Class
	if err := r.db.GetContext(ctx, &class, query, id); err != nil {
		return nil, err
	}
	return &class, nil
}

// LatestCode implements alloc.CodeSource for the class namespace.
func (r *ClassRepository) LatestCode(ctx context.Context, q sqlx.ExtContext, scope alloc.Scope) (string, error) {
	const query = `SELECT code FROM classes WHERE academic_year = $1 ORDER BY created_at DESC LIMIT 1`
	var code string
	if err := sqlx.GetContext(ctx, q, &code, query, scope.Year); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("latest class code: %w", err)
	}
	return code, nil
}

// CodeExists implements alloc.CodeSource over the whole classes table.
func (r *ClassRepository) CodeExists(ctx context.Context, q sqlx.ExtContext, code string) (bool, error) {
	const query = `SELECT 1 FROM classes WHERE code = $1 LIMIT 1`
	var one int
	if err := sqlx.GetContext(ctx, q, &one, query, code); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check class code: %w", err)
	}
	return true, nil
}

// CreateTx inserts a class within the caller's transaction.
func (r *ClassRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, class *models.Class) error {
	if class.ID == "" {
		class.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	class.CreatedAt = now
	class.UpdatedAt = now
	const query = `INSERT INTO classes (id, code, name, grade, academic_year, homeroom_teacher,
        current_enrollment, max_capacity, created_at, updated_at)
        VALUES (:id, :code, :name, :grade, :academic_year, :homeroom_teacher,
        :current_enrollment, :max_capacity, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, class); err != nil {
		return fmt.Errorf("create class: %w", err)
	}
	return nil
}

// UpdateTx changes mutable class attributes within the caller's transaction,
// leaving the enrollment counter to the ledger.
func (r *ClassRepository) UpdateTx(ctx context.Context, tx *sqlx.Tx, class *models.Class) error {
	class.UpdatedAt = time.Now().UTC()
	const query = `UPDATE classes SET name = :name, grade = :grade, homeroom_teacher = :homeroom_teacher,
        updated_at = :updated_at WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, query, class); err != nil {
		return fmt.Errorf("update class: %w", err)
	}
	return nil
}

// UpdateCapacityTx sets max_capacity with an in-database guard: lowering the
// limit below the current enrollment is rejected. Returns the number of rows
// the guard let through so the caller can distinguish a rejected lowering
// from a missing class. Runs in the caller's transaction so a rejection rolls
// the surrounding attribute update back with it.
func (r *ClassRepository) UpdateCapacityTx(ctx context.Context, tx *sqlx.Tx, id string, maxCapacity *int) (int64, error) {
	const query = `UPDATE classes SET max_capacity = $2, updated_at = NOW()
        WHERE id = $1 AND ($2::int IS NULL OR $2 >= current_enrollment)`
	res, err := tx.ExecContext(ctx, query, id, maxCapacity)
	if err != nil {
		return 0, fmt.Errorf("update class capacity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("capacity rows affected: %w", err)
	}
	return affected, nil
}
