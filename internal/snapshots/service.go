// Package snapshots is the append-only store of every user's observed name
// history and its as-of lookups.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oxaalab/psychic-telegram-bot/internal/db"
	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
	"github.com/oxaalab/psychic-telegram-bot/internal/textnorm"
)

type Service struct {
	pool   db.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool db.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "snapshots")),
	}
}

// Record upserts the user row and appends the canonical name tuple unless it
// is already stored, in which case its timestamp advances to the later of
// old and new. It makes no announcement decision; this is pure history
// capture. A zero observedAt means "now".
func (s *Service) Record(ctx context.Context, user platform.User, observedAt time.Time) error {
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	seenAt := db.UTCSecond(observedAt)

	if err := s.upsertUser(ctx, user, seenAt); err != nil {
		return err
	}
	canon := Canonical(user)
	return s.insertTuple(ctx, user.ID, canon.FirstName, canon.LastName, canon.Username, seenAt)
}

func (s *Service) upsertUser(ctx context.Context, user platform.User, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, is_bot, language_code, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			is_bot = EXCLUDED.is_bot,
			language_code = EXCLUDED.language_code,
			last_seen_at = GREATEST(users.last_seen_at, EXCLUDED.last_seen_at)`,
		user.ID, user.IsBot, nullable(user.LanguageCode), seenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", user.ID, err)
	}
	return nil
}

// insertTuple relies on the (user_id, first, last, username) storage key for
// dedup, never on a pre-read, so concurrent writers racing on the same tuple
// cannot create duplicates and retries are idempotent.
func (s *Service) insertTuple(ctx context.Context, userID int64, first, last, username string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_names (user_id, first_name, last_name, username, seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT user_names_tuple_key DO UPDATE SET
			seen_at = GREATEST(user_names.seen_at, EXCLUDED.seen_at)`,
		userID, first, last, username, seenAt,
	)
	if err != nil {
		return fmt.Errorf("insert name snapshot for user %d: %w", userID, err)
	}
	return nil
}

// History returns all snapshots for the user, oldest first. A user that was
// never observed yields ErrUserNotFound; a known user with no history yields
// an empty slice.
func (s *Service) History(ctx context.Context, userID int64) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT first_name, last_name, username, seen_at
		FROM user_names
		WHERE user_id = $1
		ORDER BY seen_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for user %d: %w", userID, err)
	}
	items, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return items, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check user %d: %w", userID, err)
	}
	if !exists {
		return nil, ErrUserNotFound
	}
	return []Snapshot{}, nil
}

// HistoryByUsername resolves the user that most recently held the given
// username and returns its full history.
func (s *Service) HistoryByUsername(ctx context.Context, username string) (int64, []Snapshot, error) {
	var userID int64
	err := s.pool.QueryRow(ctx, `
		SELECT user_id
		FROM user_names
		WHERE username = $1
		ORDER BY seen_at DESC
		LIMIT 1`,
		textnorm.Truncate(textnorm.Sanitize(username), maxUsernameLen),
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, ErrUserNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("resolve username %q: %w", username, err)
	}

	history, err := s.History(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	return userID, history, nil
}

// AsOf returns the most recent snapshot observed at or before cutoff, or nil
// when the user has no history that old.
func (s *Service) AsOf(ctx context.Context, userID int64, cutoff time.Time) (*Snapshot, error) {
	return s.queryOne(ctx, `
		SELECT first_name, last_name, username, seen_at
		FROM user_names
		WHERE user_id = $1 AND seen_at <= $2
		ORDER BY seen_at DESC, id DESC
		LIMIT 1`,
		userID, db.UTCSecond(cutoff),
	)
}

// Latest returns the newest snapshot for the user, or nil.
func (s *Service) Latest(ctx context.Context, userID int64) (*Snapshot, error) {
	return s.queryOne(ctx, `
		SELECT first_name, last_name, username, seen_at
		FROM user_names
		WHERE user_id = $1
		ORDER BY seen_at DESC, id DESC
		LIMIT 1`,
		userID,
	)
}

// BulkImport inserts many snapshots with the same dedup rule as Record. The
// returned count is rows attempted, not rows actually new; callers must not
// use it for change detection.
func (s *Service) BulkImport(ctx context.Context, userID int64, items []ImportItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if err := s.ensureUser(ctx, userID); err != nil {
		return 0, err
	}
	count := 0
	for _, item := range items {
		seenAt := item.SeenAt
		if seenAt.IsZero() {
			seenAt = time.Now()
		}
		err := s.insertTuple(ctx, userID,
			textnorm.Truncate(textnorm.Sanitize(item.FirstName), maxNameLen),
			textnorm.Truncate(textnorm.Sanitize(item.LastName), maxNameLen),
			textnorm.Truncate(textnorm.Sanitize(item.Username), maxUsernameLen),
			db.UTCSecond(seenAt),
		)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ensureUser creates a bare user row if none exists, leaving an existing
// row untouched. Imported snapshots must not overwrite live user state.
func (s *Service) ensureUser(ctx context.Context, userID int64) error {
	now := db.NowUTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, is_bot, first_seen_at, last_seen_at)
		VALUES ($1, FALSE, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, now,
	)
	if err != nil {
		return fmt.Errorf("ensure user %d: %w", userID, err)
	}
	return nil
}

func (s *Service) queryOne(ctx context.Context, sql string, args ...any) (*Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&snap.FirstName, &snap.LastName, &snap.Username, &snap.SeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	snap.SeenAt = snap.SeenAt.UTC()
	return &snap, nil
}

func scanSnapshots(rows pgx.Rows) ([]Snapshot, error) {
	defer rows.Close()
	var items []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.FirstName, &snap.LastName, &snap.Username, &snap.SeenAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.SeenAt = snap.SeenAt.UTC()
		items = append(items, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
