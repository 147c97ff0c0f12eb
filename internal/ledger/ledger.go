package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

// Observer receives ledger telemetry. Implemented by the metrics service.
type Observer interface {
	RecordCapacityRejection()
}

// Ledger maintains the invariant 0 <= current_enrollment <= max_capacity per
// class. Every operation runs on the caller's transaction and any failure
// propagates so the enclosing transaction aborts: the counter and the entity
// writes paired with it must never diverge. Guarded single-statement updates
// carry the capacity check into the database, so the hot counter row needs no
// application-level lock.
type Ledger struct {
	logger   *zap.Logger
	observer Observer
}

// New constructs a Ledger.
func New(logger *zap.Logger, observer Observer) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger, observer: observer}
}

const admitQuery = `UPDATE classes
SET current_enrollment = current_enrollment + 1, updated_at = NOW()
WHERE id = $1 AND (max_capacity IS NULL OR current_enrollment < max_capacity)`

const removeQuery = `UPDATE classes
SET current_enrollment = current_enrollment - 1, updated_at = NOW()
WHERE id = $1 AND current_enrollment > 0`

const counterQuery = `SELECT code, current_enrollment, max_capacity FROM classes WHERE id = $1`

type counterRow struct {
	Code              string `db:"code"`
	CurrentEnrollment int    `db:"current_enrollment"`
	MaxCapacity       *int   `db:"max_capacity"`
}

// Admit increments the enrollment counter for a class, failing with
// CAPACITY_EXCEEDED when the class is full. Nothing is written on failure.
func (l *Ledger) Admit(ctx context.Context, q sqlx.ExtContext, classID string) error {
	res, err := q.ExecContext(ctx, admitQuery, classID)
	if err != nil {
		return fmt.Errorf("admit to class %s: %w", classID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("admit rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// The guard rejected the update: either the class is missing or full.
	row, err := l.readCounter(ctx, q, classID)
	if err != nil {
		return err
	}
	if l.observer != nil {
		l.observer.RecordCapacityRejection()
	}
	limit := 0
	if row.MaxCapacity != nil {
		limit = *row.MaxCapacity
	}
	return appErrors.Clone(appErrors.ErrCapacityExceeded,
		fmt.Sprintf("class %s is at its capacity limit of %d", row.Code, limit))
}

// Remove decrements the enrollment counter. A decrement that would go below
// zero indicates a lost decrement elsewhere and is surfaced as an internal
// error, never silently ignored.
func (l *Ledger) Remove(ctx context.Context, q sqlx.ExtContext, classID string) error {
	res, err := q.ExecContext(ctx, removeQuery, classID)
	if err != nil {
		return fmt.Errorf("remove from class %s: %w", classID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	row, err := l.readCounter(ctx, q, classID)
	if err != nil {
		return err
	}
	l.logger.Error("enrollment counter underflow",
		zap.String("class_id", classID),
		zap.String("class_code", row.Code),
		zap.Int("current_enrollment", row.CurrentEnrollment),
	)
	return appErrors.Clone(appErrors.ErrLedgerUnderflow,
		fmt.Sprintf("class %s enrollment counter is already 0", row.Code))
}

// Transfer moves one enrollment between classes. The admit runs first so a
// full target class fails the whole transfer before any counter changes; both
// updates share the caller's transaction, so a later failure unwinds the
// admit as well.
func (l *Ledger) Transfer(ctx context.Context, q sqlx.ExtContext, fromClassID, toClassID string) error {
	if fromClassID == toClassID {
		return appErrors.Clone(appErrors.ErrPrecondition, "source and target class are the same")
	}
	if err := l.Admit(ctx, q, toClassID); err != nil {
		return err
	}
	if err := l.Remove(ctx, q, fromClassID); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) readCounter(ctx context.Context, q sqlx.ExtContext, classID string) (*counterRow, error) {
	var row counterRow
	if err := sqlx.GetContext(ctx, q, &row, counterQuery, classID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrDependencyMissing,
				fmt.Sprintf("class %s does not exist", classID))
		}
		return nil, fmt.Errorf("read class counter %s: %w", classID, err)
	}
	return &row, nil
}
