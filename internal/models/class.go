package models

import "time"

// Class represents an academic class or section. The enrollment counter lives
// on the class row and is mutated only through ledger operations so that
// CurrentEnrollment never exceeds MaxCapacity (nil = unbounded).
type Class struct {
	ID                string    `db:"id" json:"id"`
	Code              string    `db:"code" json:"code"`
	Name              string    `db:"name" json:"name"`
	Grade             string    `db:"grade" json:"grade"`
	AcademicYear      int       `db:"academic_year" json:"academic_year"`
	HomeroomTeacher   *string   `db:"homeroom_teacher" json:"homeroom_teacher,omitempty"`
	CurrentEnrollment int       `db:"current_enrollment" json:"current_enrollment"`
	MaxCapacity       *int      `db:"max_capacity" json:"max_capacity,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Seats returns the remaining capacity, or -1 when unbounded.
func (c *Class) Seats() int {
	if c.MaxCapacity == nil {
		return -1
	}
	remaining := *c.MaxCapacity - c.CurrentEnrollment
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClassFilter defines filter criteria for listing classes.
type ClassFilter struct {
	Grade        string
	AcademicYear int
	Search       string
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
