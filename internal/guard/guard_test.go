package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore implements FingerprintStore with the same compare-and-set
// semantics as the conditional UPDATE: the write succeeds only when the
// stored fingerprint differs.
type memStore struct {
	mu   sync.Mutex
	fps  map[[2]int64]string
	err  error
	sets int
}

func newMemStore() *memStore {
	return &memStore{fps: map[[2]int64]string{}}
}

func (m *memStore) SetLastAnnounced(_ context.Context, chatID, userID int64, fp string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.err != nil {
		return false, m.err
	}
	key := [2]int64{chatID, userID}
	if m.fps[key] == fp {
		return false, nil
	}
	m.fps[key] = fp
	return true, nil
}

func TestAllowFirstTime(t *testing.T) {
	g := New(nil, newMemStore(), 0, 0)

	ok, err := g.Allow(context.Background(), 1, 2, "A")
	require.NoError(t, err)
	assert.True(t, ok, "first announcement for a pair must be allowed")
}

func TestSuppressRepeat(t *testing.T) {
	store := newMemStore()
	g := New(nil, store, 0, 0)
	ctx := context.Background()

	ok, err := g.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	require.True(t, ok)

	// Same fingerprint again: local tier short-circuits, storage untouched.
	before := store.sets
	ok, err = g.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, store.sets, "repeat within TTL must not reach the store")
}

func TestRearmsOnChange(t *testing.T) {
	g := New(nil, newMemStore(), 0, 0)
	ctx := context.Background()

	for _, tc := range []struct {
		fp   string
		want bool
	}{
		{"A", true},
		{"B", true},  // different value re-arms immediately
		{"B", false}, // repeat suppressed
		{"A", true},  // reverting counts as a change: only the most
		// recently announced value matters, not history
	} {
		ok, err := g.Allow(ctx, 7, 9, tc.fp)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "fingerprint %q", tc.fp)
	}
}

func TestPairsAreIndependent(t *testing.T) {
	g := New(nil, newMemStore(), 0, 0)
	ctx := context.Background()

	ok, err := g.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Allow(ctx, 1, 3, "A")
	require.NoError(t, err)
	assert.True(t, ok, "same fingerprint for a different user is a distinct decision")

	ok, err = g.Allow(ctx, 2, 2, "A")
	require.NoError(t, err)
	assert.True(t, ok, "same user in a different chat is a distinct decision")
}

func TestConcurrentCallersOneWinner(t *testing.T) {
	const callers = 64
	g := New(nil, newMemStore(), 0, 0)
	ctx := context.Background()

	var (
		start   = make(chan struct{})
		wg      sync.WaitGroup
		allowed int64
		mu      sync.Mutex
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := g.Allow(ctx, 42, 1000, "F")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), allowed, "exactly one of %d concurrent callers may announce", callers)
}

func TestLocalTierLossIsHarmless(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	g1 := New(nil, store, 0, 0)
	ok, err := g1.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulated restart: fresh cache, same persisted store. The redundant
	// tier-2 check still suppresses.
	g2 := New(nil, store, 0, 0)
	ok, err = g2.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	assert.False(t, ok, "persisted tier must suppress after cache loss")
}

func TestStoreErrorDoesNotMuteLocally(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("db down")
	g := New(nil, store, 0, 0)
	ctx := context.Background()

	_, err := g.Allow(ctx, 1, 2, "A")
	require.Error(t, err)

	// Recovery: the failed attempt must not have seeded the local tier,
	// or the pair would stay silent until the TTL expires.
	store.err = nil
	ok, err := g.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTTLExpiryFallsThroughToStore(t *testing.T) {
	store := newMemStore()
	g := New(nil, store, 16, 20*time.Millisecond)
	ctx := context.Background()

	ok, err := g.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	// Entry expired: tier 2 is consulted again but still says no.
	before := store.sets
	ok, err = g.Allow(ctx, 1, 2, "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, store.sets, before, "expired entry must fall through to the store")
}
