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

// StudentRepository handles persistence of students. It implements
// alloc.CodeSource for the (department, admission year) student number
// namespace.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// Begin opens a transaction for a writer unit.
func (r *StudentRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

const studentDetailColumns = `s.id, s.code, s.full_name, s.gender, s.birth_date, s.email, s.phone, s.address,
        s.department_id, s.admission_year, s.class_id, s.account_id, s.active, s.created_at, s.updated_at,
        d.code AS department_code, d.name AS department_name, c.code AS class_code, c.name AS class_name`

const studentDetailJoins = `FROM students s
        JOIN departments d ON d.id = s.department_id
        LEFT JOIN classes c ON c.id = s.class_id`

// List returns students with department/class context.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	base := studentDetailJoins
	var conditions []string
	var args []interface{}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(s.full_name ILIKE $%d OR s.code ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.DepartmentID != "" {
		conditions = append(conditions, fmt.Sprintf("s.department_id = $%d", len(args)+1))
		args = append(args, filter.DepartmentID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("s.class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.AdmissionYear != 0 {
		conditions = append(conditions, fmt.Sprintf("s.admission_year = $%d", len(args)+1))
		args = append(args, filter.AdmissionYear)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("s.active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"code":       "s.code",
		"full_name":  "s.full_name",
		"created_at": "s.created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "s.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
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

	query := fmt.Sprintf(`SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d`,
		studentDetailColumns, base+clause, orderBy, order, size, offset)

	var students []models.StudentDetail
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return students, total, nil
}

// FindByID returns a student by its ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, code, full_name, gender, birth_date, email, phone, address,
        department_id, admission_year, class_id, account_id, active, created_at, updated_at
        FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindDetailByID returns a student with joined context.
func (r *StudentRepository) FindDetailByID(ctx context.Context, id string) (*models.StudentDetail, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE s.id = $1`, studentDetailColumns, studentDetailJoins)
	var detail models.StudentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// LatestCode implements alloc.CodeSource for the student number namespace.
func (r *StudentRepository) LatestCode(ctx context.Context, q sqlx.ExtContext, scope alloc.Scope) (string, error) {
	const query = `SELECT s.code FROM students s
        JOIN departments d ON d.id = s.department_id
        WHERE d.code = $1 AND s.admission_year = $2
        ORDER BY s.created_at DESC LIMIT 1`
	var code string
	if err := sqlx.GetContext(ctx, q, &code, query, scope.Key, scope.Year); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("latest student code: %w", err)
	}
	return code, nil
}

// CodeExists implements alloc.CodeSource over the whole students table.
func (r *StudentRepository) CodeExists(ctx context.Context, q sqlx.ExtContext, code string) (bool, error) {
	const query = `SELECT 1 FROM students WHERE code = $1 LIMIT 1`
	var one int
	if err := sqlx.GetContext(ctx, q, &one, query, code); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check student code: %w", err)
	}
	return true, nil
}

// EmailExists probes the unique email column.
func (r *StudentRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	const query = `SELECT 1 FROM students WHERE email = $1 LIMIT 1`
	var one int
	if err := r.db.GetContext(ctx, &one, query, email); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check student email: %w", err)
	}
	return true, nil
}

// CreateTx inserts a student within the caller's transaction.
func (r *StudentRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	student.CreatedAt = now
	student.UpdatedAt = now
	const query = `INSERT INTO students (id, code, full_name, gender, birth_date, email, phone, address,
        department_id, admission_year, class_id, account_id, active, created_at, updated_at)
        VALUES (:id, :code, :full_name, :gender, :birth_date, :email, :phone, :address,
        :department_id, :admission_year, :class_id, :account_id, :active, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// UpdateClassTx moves a student to a new class within the caller's
// transaction, alongside the matching ledger transfer.
func (r *StudentRepository) UpdateClassTx(ctx context.Context, tx *sqlx.Tx, id string, classID *string) error {
	const query = `UPDATE students SET class_id = $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, classID); err != nil {
		return fmt.Errorf("update student class: %w", err)
	}
	return nil
}

// DeactivateTx marks a student inactive and detaches it from its class. The
// student row and its code survive; codes are never reused after removal.
func (r *StudentRepository) DeactivateTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	const query = `UPDATE students SET active = FALSE, class_id = NULL, updated_at = NOW() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deactivate student: %w", err)
	}
	return nil
}
