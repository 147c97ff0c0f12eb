package optimistic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type draft struct {
	Name  string
	Seats int
}

func TestMutateCommitReplacesWithAuthoritativeValue(t *testing.T) {
	store := New[draft]()
	store.Put("c1", draft{Name: "Grade 10-A", Seats: 29})

	err := store.Mutate(context.Background(), "c1",
		func(d draft) draft {
			d.Seats++
			return d
		},
		func(_ context.Context, d draft) (draft, error) {
			// Server settles on its own count.
			d.Seats = 31
			return d, nil
		})
	require.NoError(t, err)

	value, ok := store.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 31, value.Seats)

	state, _ := store.State("c1")
	assert.Equal(t, StateCommitted, state)
}

func TestMutateFailureRestoresExactSnapshot(t *testing.T) {
	store := New[draft]()
	original := draft{Name: "Grade 10-A", Seats: 29}
	store.Put("c1", original)

	commitErr := errors.New("capacity exceeded")
	var sawTentative draft
	err := store.Mutate(context.Background(), "c1",
		func(d draft) draft {
			d.Seats++
			return d
		},
		func(_ context.Context, d draft) (draft, error) {
			sawTentative = d
			return draft{}, commitErr
		})
	require.ErrorIs(t, err, commitErr)

	assert.Equal(t, 30, sawTentative.Seats, "commit should see the tentative value")

	value, ok := store.Get("c1")
	require.True(t, ok)
	assert.Equal(t, original, value, "snapshot must be restored verbatim")

	state, _ := store.State("c1")
	assert.Equal(t, StateRolledBack, state)
}

func TestMutateCommitPanicRollsBack(t *testing.T) {
	store := New[draft]()
	store.Put("c1", draft{Seats: 5})

	err := store.Mutate(context.Background(), "c1",
		func(d draft) draft {
			d.Seats = 6
			return d
		},
		func(_ context.Context, _ draft) (draft, error) {
			panic("remote exploded")
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	value, _ := store.Get("c1")
	assert.Equal(t, 5, value.Seats)

	state, _ := store.State("c1")
	assert.Equal(t, StateRolledBack, state)
}

func TestMutateTentativeValueVisibleDuringCommit(t *testing.T) {
	store := New[draft]()
	store.Put("c1", draft{Seats: 1})

	err := store.Mutate(context.Background(), "c1",
		func(d draft) draft {
			d.Seats = 2
			return d
		},
		func(_ context.Context, d draft) (draft, error) {
			visible, ok := store.Get("c1")
			require.True(t, ok)
			assert.Equal(t, 2, visible.Seats, "readers see the tentative value mid-flight")
			state, _ := store.State("c1")
			assert.Equal(t, StateOptimistic, state)
			return d, nil
		})
	require.NoError(t, err)
}

func TestMutateUnknownEntry(t *testing.T) {
	store := New[draft]()
	err := store.Mutate(context.Background(), "nope",
		func(d draft) draft { return d },
		func(_ context.Context, d draft) (draft, error) { return d, nil })
	require.Error(t, err)
}

func TestMutateRejectsOverlappingMutation(t *testing.T) {
	store := New[draft]()
	store.Put("c1", draft{Seats: 1})

	err := store.Mutate(context.Background(), "c1",
		func(d draft) draft { return d },
		func(ctx context.Context, d draft) (draft, error) {
			nested := store.Mutate(ctx, "c1",
				func(d draft) draft { return d },
				func(_ context.Context, d draft) (draft, error) { return d, nil })
			require.Error(t, nested)
			return d, nil
		})
	require.NoError(t, err)
}
