package models

import "time"

// Course is a unit of study offered by a department.
type Course struct {
	ID           string    `db:"id" json:"id"`
	Code         string    `db:"code" json:"code"`
	Title        string    `db:"title" json:"title"`
	Credits      int       `db:"credits" json:"credits"`
	DepartmentID string    `db:"department_id" json:"department_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// CourseFilter defines filter criteria for listing courses.
type CourseFilter struct {
	DepartmentID string
	Search       string
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
