package alloc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

type fakeSource struct {
	latest    string
	latestErr error
	taken     map[string]bool
	probes    int
}

func (f *fakeSource) LatestCode(ctx context.Context, q sqlx.ExtContext, scope Scope) (string, error) {
	return f.latest, f.latestErr
}

func (f *fakeSource) CodeExists(ctx context.Context, q sqlx.ExtContext, code string) (bool, error) {
	f.probes++
	return f.taken[code], nil
}

const studentTemplate = "{dept}{year}{sequence:3}"

var csScope = Scope{Kind: "student", Key: "CS", Year: 2024}

func csVars() map[string]string { return map[string]string{"dept": "CS"} }

func TestNextSequenceEmptyScope(t *testing.T) {
	src := &fakeSource{}
	seq, err := NextSequence(context.Background(), nil, src, csScope, studentTemplate, csVars())
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
}

func TestNextSequenceParsesOnlySequenceField(t *testing.T) {
	// CS24007 carries the year digits right before the sequence; only the
	// field in the template's sequence position may count, or the scope jumps
	// from 7 to 24008.
	src := &fakeSource{latest: "CS24007"}
	seq, err := NextSequence(context.Background(), nil, src, csScope, studentTemplate, csVars())
	require.NoError(t, err)
	assert.Equal(t, 8, seq)
}

func TestNextSequenceParsesWidenedSequence(t *testing.T) {
	// A sequence past its pad width renders wider, not truncated; the parse
	// must take the whole field back out.
	src := &fakeSource{latest: "C241000"}
	seq, err := NextSequence(context.Background(), nil, src, Scope{Kind: "class", Year: 2024}, "C{year}{sequence:3}", nil)
	require.NoError(t, err)
	assert.Equal(t, 1001, seq)
}

func TestNextSequenceRepairsMalformedCode(t *testing.T) {
	// A corrupted legacy code that does not fit the template restarts the
	// scope at 1 instead of failing every future allocation.
	for _, legacy := range []string{"LEGACY-XX", "CS24", "XX24007"} {
		src := &fakeSource{latest: legacy}
		seq, err := NextSequence(context.Background(), nil, src, csScope, studentTemplate, csVars())
		require.NoError(t, err)
		assert.Equal(t, 1, seq, "latest %q", legacy)
	}
}

func TestAllocateFirstCandidate(t *testing.T) {
	src := &fakeSource{latest: "CS24007"}
	a := New(100, nil, nil)

	code, err := a.Allocate(context.Background(), nil, src, Scope{Kind: "student", Key: "CS", Year: 2024}, "{dept}{year}{sequence:3}", map[string]string{"dept": "CS"})
	require.NoError(t, err)
	assert.Equal(t, "CS24008", code)
	assert.Equal(t, 1, src.probes)
}

func TestAllocateRetriesPastCollisions(t *testing.T) {
	src := &fakeSource{
		latest: "CS24007",
		taken:  map[string]bool{"CS24008": true, "CS24009": true},
	}
	a := New(100, nil, nil)

	code, err := a.Allocate(context.Background(), nil, src, Scope{Kind: "student", Key: "CS", Year: 2024}, "{dept}{year}{sequence:3}", map[string]string{"dept": "CS"})
	require.NoError(t, err)
	assert.Equal(t, "CS24010", code)
	assert.Equal(t, 3, src.probes)
}

func TestAllocateExhaustsRetries(t *testing.T) {
	taken := map[string]bool{}
	for _, c := range []string{"CS24001", "CS24002", "CS24003"} {
		taken[c] = true
	}
	src := &fakeSource{taken: taken}
	a := New(3, nil, nil)

	_, err := a.Allocate(context.Background(), nil, src, Scope{Kind: "student", Key: "CS", Year: 2024}, "{dept}{year}{sequence:3}", map[string]string{"dept": "CS"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrExhaustedRetries))
}

func TestAllocateSequentialCodesAreDistinctAndIncreasing(t *testing.T) {
	src := &fakeSource{taken: map[string]bool{}}
	a := New(100, nil, nil)
	scope := Scope{Kind: "class", Year: 2024}

	var prev string
	for i := 0; i < 10; i++ {
		code, err := a.Allocate(context.Background(), nil, src, scope, "C{year}{sequence:3}", nil)
		require.NoError(t, err)
		assert.False(t, src.taken[code], "allocated code must be fresh")
		if prev != "" {
			assert.Greater(t, code, prev)
		}
		src.taken[code] = true
		src.latest = code
		prev = code
	}
}

// reservingSource serializes the reserve step the way the database's unique
// constraint does: the first writer keeps a candidate, later writers are told
// to retry.
type reservingSource struct {
	mu     sync.Mutex
	latest string
	taken  map[string]bool
}

func (r *reservingSource) LatestCode(ctx context.Context, q sqlx.ExtContext, scope Scope) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, nil
}

func (r *reservingSource) CodeExists(ctx context.Context, q sqlx.ExtContext, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taken[code], nil
}

func (r *reservingSource) reserve(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken[code] {
		return false
	}
	r.taken[code] = true
	r.latest = code
	return true
}

func TestAllocateConcurrentAllocationsYieldDistinctCodes(t *testing.T) {
	const writers = 25
	src := &reservingSource{taken: map[string]bool{}}
	a := New(100, nil, nil)
	scope := Scope{Kind: "class", Year: 2024}

	codes := make(chan string, writers)
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Losing the reserve race mirrors losing the insert to the unique
			// constraint: the writer re-runs the allocation.
			for {
				code, err := a.Allocate(context.Background(), nil, src, scope, "C{year}{sequence:3}", nil)
				if err != nil {
					errs <- err
					return
				}
				if src.reserve(code) {
					codes <- code
					return
				}
			}
		}()
	}
	wg.Wait()
	close(codes)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	distinct := make(map[string]bool)
	for code := range codes {
		distinct[code] = true
	}
	assert.Len(t, distinct, writers)
}

func TestValidateProvidedCode(t *testing.T) {
	src := &fakeSource{taken: map[string]bool{"CS24001": true}}
	a := New(100, nil, nil)
	scope := Scope{Kind: "student", Key: "CS", Year: 2024}

	code, err := a.Validate(context.Background(), nil, src, scope, "  cs24099 ")
	require.NoError(t, err)
	assert.Equal(t, "CS24099", code)

	_, err = a.Validate(context.Background(), nil, src, scope, "cs24001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUniquenessConflict))

	_, err = a.Validate(context.Background(), nil, src, scope, "   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}
