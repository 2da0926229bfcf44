// Package guard decides whether an identity change may be announced right
// now, guaranteeing at most one announcement per distinct fingerprint per
// (chat, user) pair across concurrent triggers and across processes.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for the local tier.
const (
	DefaultCacheSize = 100_000
	DefaultTTL       = 300 * time.Second
)

// FingerprintStore is the persisted tier: an atomic compare-and-set of the
// membership's announced fingerprint, reporting whether a row changed.
type FingerprintStore interface {
	SetLastAnnounced(ctx context.Context, chatID, userID int64, fp string) (bool, error)
}

type pairKey struct {
	chatID int64
	userID int64
}

// Guard is the two-tier announcement gate. The local tier is a bounded
// recency cache that absorbs bursts within one process; it is purely
// advisory and may be dropped at any time. Correctness comes from the
// persisted conditional update alone.
type Guard struct {
	store  FingerprintStore
	cache  *expirable.LRU[pairKey, string]
	logger *slog.Logger
}

// New builds a Guard over store. A size or ttl of zero selects the default.
func New(log *slog.Logger, store FingerprintStore, size int, ttl time.Duration) *Guard {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		store:  store,
		cache:  expirable.NewLRU[pairKey, string](size, nil, ttl),
		logger: log.With(slog.String("service", "guard")),
	}
}

// Allow reports whether a change with fingerprint fp should be announced
// now for the pair. It returns true at most once per distinct fingerprint
// value, persistently across restarts; the decisive step is the store's
// conditional write, so concurrent callers with the same fingerprint race
// to a single winner.
func (g *Guard) Allow(ctx context.Context, chatID, userID int64, fp string) (bool, error) {
	key := pairKey{chatID: chatID, userID: userID}

	// Local tier: an unexpired hit on the same fingerprint suppresses
	// without touching storage. Any other outcome records the new value
	// and falls through to the persisted tier.
	if prev, ok := g.cache.Get(key); ok && prev == fp {
		return false, nil
	}
	g.cache.Add(key, fp)

	changed, err := g.store.SetLastAnnounced(ctx, chatID, userID, fp)
	if err != nil {
		// Drop the cache entry so the pair is not locally muted for a
		// fingerprint that was never persisted.
		g.cache.Remove(key)
		return false, fmt.Errorf("guard %d/%d: %w", chatID, userID, err)
	}
	return changed, nil
}

// Forget drops the local entry for a pair, e.g. after the membership row
// was deleted. The persisted tier needs no reset: a recreated row starts
// with no announced fingerprint.
func (g *Guard) Forget(chatID, userID int64) {
	g.cache.Remove(pairKey{chatID: chatID, userID: userID})
}
