package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/models"
)

func TestStudentRepositoryLatestCodeScopedByDepartmentAndYear(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery("SELECT s.code FROM students s").
		WithArgs("CS", 2024).
		WillReturnRows(sqlmock.NewRows([]string{"code"}).AddRow("CS24007"))

	code, err := repo.LatestCode(context.Background(), db, alloc.Scope{Kind: "student", Key: "CS", Year: 2024})
	require.NoError(t, err)
	assert.Equal(t, "CS24007", code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryCreateTx(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO students").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := repo.Begin(context.Background())
	require.NoError(t, err)
	student := &models.Student{
		Code:          "CS24008",
		FullName:      "Student",
		Gender:        "F",
		BirthDate:     time.Now(),
		Email:         "student@example.com",
		DepartmentID:  "dept-1",
		AdmissionYear: 2024,
		Active:        true,
	}
	err = repo.CreateTx(context.Background(), tx, student)
	require.NoError(t, err)
	assert.NotEmpty(t, student.ID)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryEmailExists(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM students WHERE email = $1 LIMIT 1")).
		WithArgs("dup@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.EmailExists(context.Background(), "dup@example.com")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
