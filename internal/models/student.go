package models

import "time"

// Student represents a learner registered in the institution. Code is the
// human-readable student number (e.g. CS24007), unique across the table and
// scoped to (department, admission year) for sequence purposes.
type Student struct {
	ID            string    `db:"id" json:"id"`
	Code          string    `db:"code" json:"code"`
	FullName      string    `db:"full_name" json:"full_name"`
	Gender        string    `db:"gender" json:"gender"`
	BirthDate     time.Time `db:"birth_date" json:"birth_date"`
	Email         string    `db:"email" json:"email"`
	Phone         string    `db:"phone" json:"phone"`
	Address       string    `db:"address" json:"address"`
	DepartmentID  string    `db:"department_id" json:"department_id"`
	AdmissionYear int       `db:"admission_year" json:"admission_year"`
	ClassID       *string   `db:"class_id" json:"class_id,omitempty"`
	AccountID     *string   `db:"account_id" json:"account_id,omitempty"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// StudentDetail carries a student with joined department and class context.
type StudentDetail struct {
	Student
	DepartmentCode string  `db:"department_code" json:"department_code"`
	DepartmentName string  `db:"department_name" json:"department_name"`
	ClassCode      *string `db:"class_code" json:"class_code,omitempty"`
	ClassName      *string `db:"class_name" json:"class_name,omitempty"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search        string
	DepartmentID  string
	ClassID       string
	AdmissionYear int
	Active        *bool
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}
