// Package chats persists conversations and memberships: presence state,
// scan watermarks, and the announced-fingerprint guard column.
package chats

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

const (
	maxTitleLen  = 255
	maxTypeLen   = 16
	maxStatusLen = 16
	maxFpLen     = 300
)

type Service struct {
	pool        db.Pool
	defaultLang string
	logger      *slog.Logger
}

func NewService(log *slog.Logger, pool db.Pool, defaultLang string) *Service {
	if log == nil {
		log = slog.Default()
	}
	if defaultLang == "" {
		defaultLang = DefaultLanguage
	}
	return &Service{
		pool:        pool,
		defaultLang: defaultLang,
		logger:      log.With(slog.String("service", "chats")),
	}
}

// Touch ensures a row exists for this chat and bumps its heartbeat. The
// language is never changed here; the type is only overwritten when the
// event carried one.
func (s *Service) Touch(ctx context.Context, chatID int64, title, chatType string) error {
	now := db.NowUTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (chat_id, title, chat_type, language_code, bot_status, is_active,
			created_at, updated_at, last_seen_at)
		VALUES ($1, $2, $3, $4, 'unknown', TRUE, $5, $5, $5)
		ON CONFLICT (chat_id) DO UPDATE SET
			title = EXCLUDED.title,
			chat_type = CASE WHEN EXCLUDED.chat_type <> '' THEN EXCLUDED.chat_type ELSE chats.chat_type END,
			updated_at = EXCLUDED.updated_at,
			last_seen_at = EXCLUDED.last_seen_at`,
		chatID, textnorm.Truncate(title, maxTitleLen), textnorm.Truncate(chatType, maxTypeLen), s.defaultLang, now,
	)
	if err != nil {
		return fmt.Errorf("touch chat %d: %w", chatID, err)
	}
	return nil
}

// Language returns the chat's persisted language or the configured default.
func (s *Service) Language(ctx context.Context, chatID int64) string {
	var lang string
	err := s.pool.QueryRow(ctx,
		`SELECT language_code FROM chats WHERE chat_id = $1`, chatID,
	).Scan(&lang)
	if err != nil || lang == "" {
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("read chat language failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
		}
		return s.defaultLang
	}
	return lang
}

// SetLanguage upserts the chat's language.
func (s *Service) SetLanguage(ctx context.Context, chatID int64, language, title string) error {
	now := db.NowUTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (chat_id, title, chat_type, language_code, bot_status, is_active,
			created_at, updated_at, last_seen_at)
		VALUES ($1, $2, '', $3, 'unknown', TRUE, $4, $4, $4)
		ON CONFLICT (chat_id) DO UPDATE SET
			title = EXCLUDED.title,
			language_code = EXCLUDED.language_code,
			updated_at = EXCLUDED.updated_at,
			last_seen_at = EXCLUDED.last_seen_at`,
		chatID, textnorm.Truncate(title, maxTitleLen), language, now,
	)
	if err != nil {
		return fmt.Errorf("set language for chat %d: %w", chatID, err)
	}
	return nil
}

// SetBotPresence upserts the bot's presence state in a chat. Active iff the
// status counts as present; join/leave timestamps move only on actual
// transitions.
func (s *Service) SetBotPresence(ctx context.Context, chatID int64, title, chatType string, status platform.Status) error {
	now := db.NowUTC()
	active := status.Active()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (chat_id, title, chat_type, language_code, bot_status, is_active,
			created_at, updated_at, last_seen_at, last_joined_at, last_left_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7,
			CASE WHEN $6 THEN $7 ELSE NULL END,
			CASE WHEN $6 THEN NULL ELSE $7 END)
		ON CONFLICT (chat_id) DO UPDATE SET
			title = EXCLUDED.title,
			chat_type = CASE WHEN EXCLUDED.chat_type <> '' THEN EXCLUDED.chat_type ELSE chats.chat_type END,
			bot_status = EXCLUDED.bot_status,
			last_joined_at = CASE
				WHEN NOT chats.is_active AND EXCLUDED.is_active THEN EXCLUDED.updated_at
				ELSE chats.last_joined_at
			END,
			last_left_at = CASE
				WHEN chats.is_active AND NOT EXCLUDED.is_active THEN EXCLUDED.updated_at
				ELSE chats.last_left_at
			END,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at,
			last_seen_at = EXCLUDED.last_seen_at`,
		chatID, textnorm.Truncate(title, maxTitleLen), textnorm.Truncate(chatType, maxTypeLen),
		s.defaultLang, textnorm.Truncate(string(status), maxStatusLen), active, now,
	)
	if err != nil {
		return fmt.Errorf("set bot presence for chat %d: %w", chatID, err)
	}
	return nil
}

// MarkInactive marks the chat as one the bot can no longer reach.
func (s *Service) MarkInactive(ctx context.Context, chatID int64) error {
	return s.SetBotPresence(ctx, chatID, "", "", platform.StatusLeft)
}

// TouchMember records that the user was seen in the chat now. At most one
// membership row exists per (chat, user).
func (s *Service) TouchMember(ctx context.Context, chatID, userID int64) error {
	now := db.NowUTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_members (chat_id, user_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at`,
		chatID, userID, now,
	)
	if err != nil {
		return fmt.Errorf("touch member %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

// RemoveMember deletes the membership row after a confirmed leave.
func (s *Service) RemoveMember(ctx context.Context, chatID, userID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return fmt.Errorf("remove member %d from chat %d: %w", userID, chatID, err)
	}
	return nil
}

// PruneMembers deletes all memberships for a chat the bot lost access to.
func (s *Service) PruneMembers(ctx context.Context, chatID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chat_members WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("prune members for chat %d: %w", chatID, err)
	}
	return nil
}

// PickForScan returns up to limit memberships ordered stalest-first, with
// recent activity as the tiebreak among equally-stale rows.
func (s *Service) PickForScan(ctx context.Context, limit int) ([]ScanCandidate, error) {
	return s.pick(ctx, `
		SELECT chat_id, user_id, last_checked_at
		FROM chat_members
		ORDER BY last_checked_at ASC, last_seen_at DESC
		LIMIT $1`,
		limit,
	)
}

// PickStaleForChat is PickForScan scoped to one chat, used by the detector's
// opportunistic mini-scans.
func (s *Service) PickStaleForChat(ctx context.Context, chatID int64, limit int) ([]ScanCandidate, error) {
	return s.pick(ctx, `
		SELECT chat_id, user_id, last_checked_at
		FROM chat_members
		WHERE chat_id = $1
		ORDER BY last_checked_at ASC, last_seen_at DESC
		LIMIT $2`,
		chatID, limit,
	)
}

func (s *Service) pick(ctx context.Context, sql string, args ...any) ([]ScanCandidate, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pick members for scan: %w", err)
	}
	defer rows.Close()

	var out []ScanCandidate
	for rows.Next() {
		var c ScanCandidate
		if err := rows.Scan(&c.ChatID, &c.UserID, &c.LastCheckedAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.LastCheckedAt = c.LastCheckedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// MarkChecked advances the membership's verification watermark to now.
func (s *Service) MarkChecked(ctx context.Context, chatID, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_members SET last_checked_at = $3
		WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID, db.NowUTC(),
	)
	if err != nil {
		return fmt.Errorf("mark checked %d/%d: %w", chatID, userID, err)
	}
	return nil
}

// FirstSeen returns when the user was first observed in the chat; a zero
// time means the membership row is missing (no baseline).
func (s *Service) FirstSeen(ctx context.Context, chatID, userID int64) (time.Time, error) {
	return s.memberTime(ctx, `
		SELECT first_seen_at FROM chat_members
		WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
}

// LastChecked returns the membership's verification watermark; zero when
// the row is missing.
func (s *Service) LastChecked(ctx context.Context, chatID, userID int64) (time.Time, error) {
	return s.memberTime(ctx, `
		SELECT last_checked_at FROM chat_members
		WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
}

func (s *Service) memberTime(ctx context.Context, sql string, chatID, userID int64) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, sql, chatID, userID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read member timestamp %d/%d: %w", chatID, userID, err)
	}
	return ts.UTC(), nil
}

// SetLastAnnounced atomically records fp as the membership's announced
// fingerprint, succeeding only when it differs from the stored value. The
// bool result is whether a row actually changed; it is the system's single
// serialization point for announcement decisions, so it must stay one
// conditional UPDATE, never a read-then-write.
func (s *Service) SetLastAnnounced(ctx context.Context, chatID, userID int64, fp string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_members
		SET last_announced_fp = $3, last_announced_at = $4
		WHERE chat_id = $1 AND user_id = $2
		  AND last_announced_fp IS DISTINCT FROM $3`,
		chatID, userID, textnorm.Truncate(fp, maxFpLen), db.NowUTC(),
	)
	if err != nil {
		return false, fmt.Errorf("set announced fingerprint %d/%d: %w", chatID, userID, err)
	}
	return tag.RowsAffected() > 0, nil
}
