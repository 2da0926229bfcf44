// Package announce composes localized notification messages and delivers
// them through the platform client behind a circuit breaker.
package announce

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/oxaalab/psychic-telegram-bot/internal/i18n"
	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
	"github.com/oxaalab/psychic-telegram-bot/internal/snapshots"
)

// breaker thresholds for outbound sends.
const (
	breakerMaxFailures = 5
	breakerTimeout     = 30 * time.Second
)

type Service struct {
	client  platform.Client
	bundle  *i18n.Bundle
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewService(log *slog.Logger, client platform.Client, bundle *i18n.Bundle) *Service {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("service", "announce"))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "announce",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Throttling is backpressure, not an outage.
			_, throttled := platform.AsRateLimited(err)
			return throttled
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("send breaker state change",
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return &Service{
		client:  client,
		bundle:  bundle,
		breaker: breaker,
		logger:  logger,
	}
}

// Change announces an identity change: a mention header followed by one
// arrow line per changed field. old may be nil when no baseline exists.
func (s *Service) Change(ctx context.Context, chatID int64, lang string, user platform.User, old *snapshots.Snapshot, cur snapshots.Snapshot, replyTo int) error {
	lines := []string{
		s.bundle.T(lang, "changes.announcement", "mention", s.mention(user, cur)),
	}
	lines = append(lines, s.diffLines(lang, old, cur)...)
	return s.send(ctx, platform.Message{ChatID: chatID, Text: strings.Join(lines, "\n"), ReplyTo: replyTo})
}

// Welcome greets a newly joined member. With prior history it lists the
// known names so the group can recognize a returning member under a new
// identity; without history it just states the current name.
func (s *Service) Welcome(ctx context.Context, chatID int64, lang string, user platform.User, history []snapshots.Snapshot, replyTo int) error {
	cur := currentSnapshot(user)
	lines := []string{
		s.bundle.T(lang, "join.welcome_header", "mention", s.mention(user, cur)),
	}
	if len(history) <= 1 {
		lines = append(lines, s.bundle.T(lang, "join.first_time", "current", s.formatName(lang, cur)))
	} else {
		lines = append(lines, s.bundle.T(lang, "join.history_intro"))
		lines = append(lines, s.historyLines(lang, history)...)
		lines = append(lines, s.bundle.T(lang, "current_name", "name", s.formatName(lang, cur)))
	}
	return s.send(ctx, platform.Message{ChatID: chatID, Text: strings.Join(lines, "\n"), ReplyTo: replyTo})
}

// HistoryText renders the /history response for a user.
func (s *Service) HistoryText(lang string, userID int64, history []snapshots.Snapshot) string {
	lines := []string{
		fmt.Sprintf("%s <code>%d</code>:", s.bundle.T(lang, "history.title"), userID),
	}
	lines = append(lines, s.historyLines(lang, history)...)
	if n := len(history); n > 0 {
		lines = append(lines, s.bundle.T(lang, "current_name", "name", s.formatName(lang, history[n-1])))
	}
	return strings.Join(lines, "\n")
}

// Send delivers an arbitrary composed message through the breaker.
func (s *Service) Send(ctx context.Context, msg platform.Message) error {
	return s.send(ctx, msg)
}

func (s *Service) send(ctx context.Context, msg platform.Message) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.client.Send(ctx, msg)
	})
	if err != nil {
		s.logger.Warn("send failed",
			slog.Int64("chat_id", msg.ChatID), slog.Any("error", err))
		return fmt.Errorf("send to chat %d: %w", msg.ChatID, err)
	}
	return nil
}

// mention renders an HTML profile link for the user, preferring the current
// snapshot's name so the link text matches what the chat sees.
func (s *Service) mention(user platform.User, cur snapshots.Snapshot) string {
	text := strings.TrimSpace(cur.FirstName + " " + cur.LastName)
	if text == "" {
		text = cur.Username
	}
	if text == "" {
		text = fmt.Sprintf("id:%d", user.ID)
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, user.ID, html.EscapeString(text))
}

func (s *Service) diffLines(lang string, old *snapshots.Snapshot, cur snapshots.Snapshot) []string {
	arrow := s.bundle.T(lang, "general.arrow")
	var prev snapshots.Snapshot
	if old != nil {
		prev = *old
	}
	var lines []string
	for _, f := range []struct {
		label    string
		old, cur string
	}{
		{"labels.first", prev.FirstName, cur.FirstName},
		{"labels.last", prev.LastName, cur.LastName},
		{"labels.username", prev.Username, cur.Username},
	} {
		if f.old == f.cur {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s %s %s",
			s.bundle.T(lang, f.label),
			html.EscapeString(s.orNone(lang, f.old)),
			arrow,
			html.EscapeString(s.orNone(lang, f.cur)),
		))
	}
	return lines
}

func (s *Service) historyLines(lang string, history []snapshots.Snapshot) []string {
	lines := make([]string, 0, len(history))
	for _, snap := range history {
		lines = append(lines, fmt.Sprintf("• %s (%s)",
			s.formatName(lang, snap),
			snap.SeenAt.Format("2006-01-02"),
		))
	}
	return lines
}

// formatName renders a snapshot as "First Last (@username)", substituting
// the localized none marker when everything is empty.
func (s *Service) formatName(lang string, snap snapshots.Snapshot) string {
	name := strings.TrimSpace(snap.FirstName + " " + snap.LastName)
	switch {
	case name != "" && snap.Username != "":
		name = fmt.Sprintf("%s (@%s)", name, snap.Username)
	case name == "" && snap.Username != "":
		name = "@" + snap.Username
	case name == "":
		name = s.bundle.T(lang, "general.none")
	}
	return html.EscapeString(name)
}

func (s *Service) orNone(lang, value string) string {
	if value == "" {
		return s.bundle.T(lang, "general.none")
	}
	return value
}

func currentSnapshot(user platform.User) snapshots.Snapshot {
	return snapshots.Snapshot{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
	}
}
