// Package scanner proactively re-verifies stale memberships against the
// platform, catching identity changes that produced no event.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/oxaalab/psychic-telegram-bot/internal/chats"
	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
	"github.com/oxaalab/psychic-telegram-bot/internal/snapshots"
)

// minInterval keeps misconfigured schedules from hammering the store.
const minInterval = 10 * time.Second

// Config controls the periodic scan.
type Config struct {
	Interval    time.Duration
	FirstDelay  time.Duration
	BatchSize   int
	MaxRPS      float64
	RetryLeeway time.Duration
}

// memberStore is the membership surface the scanner consumes.
type memberStore interface {
	PickForScan(ctx context.Context, limit int) ([]chats.ScanCandidate, error)
	PickStaleForChat(ctx context.Context, chatID int64, limit int) ([]chats.ScanCandidate, error)
	MarkChecked(ctx context.Context, chatID, userID int64) error
	RemoveMember(ctx context.Context, chatID, userID int64) error
	PruneMembers(ctx context.Context, chatID int64) error
	MarkInactive(ctx context.Context, chatID int64) error
	FirstSeen(ctx context.Context, chatID, userID int64) (time.Time, error)
	Language(ctx context.Context, chatID int64) string
}

// historyStore is the snapshot surface the scanner consumes.
type historyStore interface {
	Record(ctx context.Context, user platform.User, observedAt time.Time) error
	AsOf(ctx context.Context, userID int64, cutoff time.Time) (*snapshots.Snapshot, error)
}

type changeGuard interface {
	Allow(ctx context.Context, chatID, userID int64, fp string) (bool, error)
	Forget(chatID, userID int64)
}

type changeAnnouncer interface {
	Change(ctx context.Context, chatID int64, lang string, user platform.User, old *snapshots.Snapshot, cur snapshots.Snapshot, replyTo int) error
}

type Service struct {
	client    platform.Client
	members   memberStore
	history   historyStore
	guard     changeGuard
	announcer changeAnnouncer
	limiter   *rate.Limiter
	cfg       Config
	logger    *slog.Logger

	cron *cron.Cron
	mu   sync.Mutex
	busy bool
}

func NewService(log *slog.Logger, client platform.Client, members memberStore, history historyStore, guard changeGuard, announcer changeAnnouncer, cfg Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRPS <= 0 {
		cfg.MaxRPS = 15
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	} else if cfg.Interval < minInterval {
		cfg.Interval = minInterval
	}
	if cfg.RetryLeeway < 0 {
		cfg.RetryLeeway = 0
	}
	return &Service{
		client:    client,
		members:   members,
		history:   history,
		guard:     guard,
		announcer: announcer,
		limiter:   rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1),
		cfg:       cfg,
		logger:    log.With(slog.String("service", "scanner")),
	}
}

// Start schedules the periodic scan. The first run is delayed so startup
// update backlog drains before the scanner competes for the rate budget.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule scan: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.FirstDelay):
			s.RunOnce(ctx)
			s.cron.Start()
		}
	}()
	return nil
}

// Stop halts the schedule and waits for a running scan's cron slot.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce scans one batch of the globally stalest memberships. Overlapping
// runs are skipped rather than queued.
func (s *Service) RunOnce(ctx context.Context) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.logger.Debug("scan still running, skipping tick")
		return
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	candidates, err := s.members.PickForScan(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("pick scan batch failed", slog.Any("error", err))
		return
	}
	s.scan(ctx, candidates)
}

// ScanChat runs a bounded scan of the stalest members of one chat, used
// opportunistically on inbound activity.
func (s *Service) ScanChat(ctx context.Context, chatID int64, limit int) {
	candidates, err := s.members.PickStaleForChat(ctx, chatID, limit)
	if err != nil {
		s.logger.Error("pick chat scan batch failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return
	}
	s.scan(ctx, candidates)
}

// scan works through the queue under the rate limiter. A rate-limited
// member is requeued once at the end after waiting out the platform's
// retry-after hint plus a leeway.
func (s *Service) scan(ctx context.Context, candidates []chats.ScanCandidate) {
	type item struct {
		chats.ScanCandidate
		requeued bool
	}
	queue := make([]item, 0, len(candidates))
	for _, c := range candidates {
		queue = append(queue, item{ScanCandidate: c})
	}

	checked := 0
	for i := 0; i < len(queue); i++ {
		if ctx.Err() != nil {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		cur := queue[i]
		err := s.checkMember(ctx, cur.ScanCandidate)
		if err == nil {
			checked++
			continue
		}
		if limited, ok := platform.AsRateLimited(err); ok {
			s.logger.Warn("rate limited during scan",
				slog.Int64("chat_id", cur.ChatID),
				slog.Duration("retry_after", limited.RetryAfter))
			if !sleepCtx(ctx, limited.RetryAfter+s.cfg.RetryLeeway) {
				return
			}
			if !cur.requeued {
				cur.requeued = true
				queue = append(queue, cur)
			}
			continue
		}
		// Transient failure: the watermark stays put, so the member is
		// naturally retried on a later tick.
		s.logger.Warn("member check failed",
			slog.Int64("chat_id", cur.ChatID),
			slog.Int64("user_id", cur.UserID),
			slog.Any("error", err))
	}
	if checked > 0 {
		s.logger.Info("scan finished",
			slog.Int("picked", len(candidates)), slog.Int("checked", checked))
	}
}

func (s *Service) checkMember(ctx context.Context, c chats.ScanCandidate) error {
	member, err := s.client.GetChatMember(ctx, c.ChatID, c.UserID)
	switch {
	case err == nil:
	case errors.Is(err, platform.ErrForbidden):
		// The whole chat is gone for us, not just this member.
		s.logger.Info("chat unreachable, pruning", slog.Int64("chat_id", c.ChatID))
		if err := s.members.PruneMembers(ctx, c.ChatID); err != nil {
			return err
		}
		return s.members.MarkInactive(ctx, c.ChatID)
	case errors.Is(err, platform.ErrBadRequest):
		// Permanently unanswerable for this member; advance the watermark
		// so it stops monopolizing the batch.
		s.logger.Debug("member lookup rejected",
			slog.Int64("chat_id", c.ChatID), slog.Int64("user_id", c.UserID), slog.Any("error", err))
		return s.members.MarkChecked(ctx, c.ChatID, c.UserID)
	default:
		return err
	}

	if member.Status.Gone() {
		if err := s.members.RemoveMember(ctx, c.ChatID, c.UserID); err != nil {
			return err
		}
		s.guard.Forget(c.ChatID, c.UserID)
		return nil
	}
	if member.User.IsBot {
		return s.members.MarkChecked(ctx, c.ChatID, c.UserID)
	}

	if err := s.compareAndAnnounce(ctx, c, member.User); err != nil {
		return err
	}
	return s.members.MarkChecked(ctx, c.ChatID, c.UserID)
}

// compareAndAnnounce diffs the member's live identity against the snapshot
// that was current at the last verification, records the live identity, and
// announces when they differ and the guard admits the fingerprint.
func (s *Service) compareAndAnnounce(ctx context.Context, c chats.ScanCandidate, user platform.User) error {
	baseline, err := s.history.AsOf(ctx, user.ID, c.LastCheckedAt)
	if err != nil {
		return err
	}
	if baseline == nil {
		firstSeen, err := s.members.FirstSeen(ctx, c.ChatID, c.UserID)
		if err != nil {
			return err
		}
		if !firstSeen.IsZero() {
			if baseline, err = s.history.AsOf(ctx, user.ID, firstSeen); err != nil {
				return err
			}
		}
	}

	if err := s.history.Record(ctx, user, time.Now()); err != nil {
		return err
	}

	cur := snapshots.Canonical(user)
	if baseline == nil {
		// Nothing to diff against; history is captured, nothing announced.
		return nil
	}
	fp := cur.Fingerprint()
	if fp == baseline.Fingerprint() {
		return nil
	}

	allowed, err := s.guard.Allow(ctx, c.ChatID, user.ID, fp)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	// The announcement is a platform call too, so it draws on the same rate
	// budget as the lookups.
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	lang := s.members.Language(ctx, c.ChatID)
	if err := s.announcer.Change(ctx, c.ChatID, lang, user, baseline, cur, 0); err != nil {
		// Delivery failures must not block the watermark; the guard has
		// already consumed this fingerprint.
		s.logger.Warn("announce failed",
			slog.Int64("chat_id", c.ChatID), slog.Int64("user_id", user.ID), slog.Any("error", err))
		if limited, ok := platform.AsRateLimited(err); ok {
			sleepCtx(ctx, limited.RetryAfter+s.cfg.RetryLeeway)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
