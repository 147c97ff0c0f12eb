package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

func newLedgerMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestLedgerAdmit(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	l := New(nil, nil)

	mock.ExpectExec(regexp.QuoteMeta(admitQuery)).
		WithArgs("class-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.Admit(context.Background(), db, "class-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAdmitAtCapacity(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	l := New(nil, nil)

	mock.ExpectExec(regexp.QuoteMeta(admitQuery)).
		WithArgs("class-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(counterQuery)).
		WithArgs("class-1").
		WillReturnRows(sqlmock.NewRows([]string{"code", "current_enrollment", "max_capacity"}).
			AddRow("C24001", 30, 30))

	err := l.Admit(context.Background(), db, "class-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrCapacityExceeded))
	assert.Contains(t, err.Error(), "C24001")
	assert.Contains(t, err.Error(), "30")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAdmitMissingClass(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	l := New(nil, nil)

	mock.ExpectExec(regexp.QuoteMeta(admitQuery)).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(counterQuery)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"code", "current_enrollment", "max_capacity"}))

	err := l.Admit(context.Background(), db, "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDependencyMissing))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRemoveUnderflow(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	l := New(nil, nil)

	mock.ExpectExec(regexp.QuoteMeta(removeQuery)).
		WithArgs("class-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(counterQuery)).
		WithArgs("class-1").
		WillReturnRows(sqlmock.NewRows([]string{"code", "current_enrollment", "max_capacity"}).
			AddRow("C24001", 0, nil))

	err := l.Remove(context.Background(), db, "class-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrLedgerUnderflow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerTransferFullTargetLeavesBothUntouched(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	l := New(nil, nil)

	// Admit of the target runs first and fails; the source decrement is never
	// attempted.
	mock.ExpectExec(regexp.QuoteMeta(admitQuery)).
		WithArgs("full-class").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(counterQuery)).
		WithArgs("full-class").
		WillReturnRows(sqlmock.NewRows([]string{"code", "current_enrollment", "max_capacity"}).
			AddRow("C24002", 30, 30))

	err := l.Transfer(context.Background(), db, "class-1", "full-class")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrCapacityExceeded))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerTransfer(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	l := New(nil, nil)

	mock.ExpectExec(regexp.QuoteMeta(admitQuery)).
		WithArgs("class-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(removeQuery)).
		WithArgs("class-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.Transfer(context.Background(), db, "class-1", "class-2")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerTransferSameClass(t *testing.T) {
	db, _, cleanup := newLedgerMock(t)
	defer cleanup()
	l := New(nil, nil)

	err := l.Transfer(context.Background(), db, "class-1", "class-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPrecondition))
}
