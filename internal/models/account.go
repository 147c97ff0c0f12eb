package models

import "time"

// Account is the auxiliary identity record provisioned alongside a student.
// It is created inside the same transaction as the student row so that a
// failed provisioning never leaves an orphaned student (or vice versa).
type Account struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
