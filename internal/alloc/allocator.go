package alloc

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

// Observer receives allocation telemetry. Implemented by the metrics service;
// a nil observer is valid.
type Observer interface {
	ObserveAllocation(kind string, attempts int)
	RecordAllocationCollision(kind string)
	RecordAllocationExhaustion(kind string)
}

// Allocator mints unique human-readable codes for a scope. It is a best-effort
// generator: the unique constraint on the entity's code column is the safety
// net, and the scan step is deliberately not linearizable. Two concurrent
// allocations may observe the same candidate; commit order decides who keeps
// it and the loser retries with the next number.
type Allocator struct {
	maxAttempts int
	logger      *zap.Logger
	observer    Observer
}

// New constructs an Allocator. maxAttempts bounds the probe loop (default 100).
func New(maxAttempts int, logger *zap.Logger, observer Observer) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{maxAttempts: maxAttempts, logger: logger, observer: observer}
}

// Allocate scans the scope once for its next sequence, then formats and
// probes candidates, incrementing the local sequence on collision without
// re-scanning. This bounds database round-trips to the number of genuine
// collisions rather than the scan-to-collision gap. The probe runs inside the
// caller's transaction; the residual probe-to-insert race is closed by the
// unique constraint plus the caller's transaction restart.
func (a *Allocator) Allocate(ctx context.Context, q sqlx.ExtContext, src CodeSource, scope Scope, template string, vars map[string]string) (string, error) {
	seq, err := NextSequence(ctx, q, src, scope, template, vars)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to scan allocation scope")
	}

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		candidate := Format(template, scope, vars, seq)
		taken, err := src.CodeExists(ctx, q, candidate)
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to probe candidate code")
		}
		if !taken {
			if a.observer != nil {
				a.observer.ObserveAllocation(scope.Kind, attempt)
			}
			return candidate, nil
		}
		if a.observer != nil {
			a.observer.RecordAllocationCollision(scope.Kind)
		}
		a.logger.Debug("code collision, retrying with next sequence",
			zap.String("scope", scope.String()),
			zap.String("candidate", candidate),
			zap.Int("attempt", attempt),
		)
		seq++
	}

	if a.observer != nil {
		a.observer.RecordAllocationExhaustion(scope.Kind)
	}
	return "", appErrors.Clone(appErrors.ErrExhaustedRetries,
		fmt.Sprintf("could not allocate a unique code in scope %s after %d attempts", scope, a.maxAttempts))
}

// Validate accepts a caller-provided code instead of allocating one. The code
// is normalized and uniqueness-checked before being accepted.
func (a *Allocator) Validate(ctx context.Context, q sqlx.ExtContext, src CodeSource, scope Scope, code string) (string, error) {
	normalized := Normalize(code)
	if normalized == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "code must not be empty")
	}
	taken, err := src.CodeExists(ctx, q, normalized)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check provided code")
	}
	if taken {
		return "", appErrors.Clone(appErrors.ErrUniquenessConflict,
			fmt.Sprintf("code %s is already in use", normalized))
	}
	return normalized, nil
}
