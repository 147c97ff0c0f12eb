// Package optimistic provides an in-process store for optimistic mutations:
// apply a tentative value immediately, then reconcile with the authoritative
// result of a remote commit, rolling back to the pre-mutation snapshot when
// the commit fails.
package optimistic

import (
	"context"
	"fmt"
	"sync"
)

// State describes where an entry sits in its mutation lifecycle.
type State int

const (
	// StateIdle means the entry holds a settled value.
	StateIdle State = iota
	// StateOptimistic means a tentative value is visible while a commit is
	// in flight.
	StateOptimistic
	// StateCommitted means the last mutation settled on the authoritative
	// value returned by commit.
	StateCommitted
	// StateRolledBack means the last mutation failed and the pre-mutation
	// snapshot was restored.
	StateRolledBack
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOptimistic:
		return "optimistic"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type entry[T any] struct {
	value    T
	snapshot T
	state    State
}

// Store holds values keyed by local id and reconciles optimistic mutations
// against them. The zero value is not usable; construct with New.
type Store[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
}

// New constructs an empty Store.
func New[T any]() *Store[T] {
	return &Store[T]{entries: make(map[string]*entry[T])}
}

// Put seeds or replaces the settled value for id.
func (s *Store[T]) Put(id string, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &entry[T]{value: value, state: StateIdle}
}

// Get returns the currently visible value for id, which during an in-flight
// mutation is the tentative one.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// State reports the lifecycle state of id.
func (s *Store[T]) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return StateIdle, false
	}
	return e.state, ok
}

// Delete removes id from the store.
func (s *Store[T]) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Mutate runs one optimistic mutation against id: snapshot the current value,
// make apply's tentative result visible, then invoke commit. On success the
// entry settles on commit's authoritative value; on error or panic the
// snapshot is restored and the entry is marked rolled back. The entry is
// never left in the optimistic state once Mutate returns.
//
// At most one mutation per id may be in flight: a second Mutate against an
// id in the optimistic state is rejected with an error. Commit runs without
// holding the store lock, so mutations against distinct ids proceed
// concurrently.
func (s *Store[T]) Mutate(ctx context.Context, id string, apply func(T) T, commit func(context.Context, T) (T, error)) (err error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("optimistic: unknown entry %q", id)
	}
	if e.state == StateOptimistic {
		s.mu.Unlock()
		return fmt.Errorf("optimistic: entry %q already has a mutation in flight", id)
	}
	e.snapshot = e.value
	e.value = apply(e.value)
	e.state = StateOptimistic
	tentative := e.value
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.rollback(id)
			err = fmt.Errorf("optimistic: commit panicked: %v", r)
		}
	}()

	authoritative, commitErr := commit(ctx, tentative)

	s.mu.Lock()
	defer s.mu.Unlock()
	if commitErr != nil {
		e.value = e.snapshot
		e.state = StateRolledBack
		return commitErr
	}
	e.value = authoritative
	e.state = StateCommitted
	return nil
}

func (s *Store[T]) rollback(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.state == StateOptimistic {
		e.value = e.snapshot
		e.state = StateRolledBack
	}
}
