// Package detector reacts to inbound chat events: it captures identity
// snapshots, announces changes and joins, tracks the bot's own presence,
// and serves the chat commands.
package detector

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
	"github.com/oxaalab/psychic-telegram-bot/internal/snapshots"
)

const (
	// AnonymousAdminID is the shared service account behind anonymous
	// group admins; it carries no real identity worth tracking.
	AnonymousAdminID int64 = 1087968824

	// Repeat activity with an unchanged identity is processed at most once
	// per throttle window; in between, events only bump heartbeats.
	activityCacheSize = 10_000
	activityTTL       = 300 * time.Second

	// Joins can arrive twice (service message plus member update); one
	// welcome per window.
	welcomeDedupTTL = 30 * time.Second

	// How many stale members to piggyback-verify on inbound activity.
	opportunisticScanLimit = 3
)

type historyStore interface {
	Record(ctx context.Context, user platform.User, observedAt time.Time) error
	AsOf(ctx context.Context, userID int64, cutoff time.Time) (*snapshots.Snapshot, error)
	History(ctx context.Context, userID int64) ([]snapshots.Snapshot, error)
	HistoryByUsername(ctx context.Context, username string) (int64, []snapshots.Snapshot, error)
}

type chatStore interface {
	Touch(ctx context.Context, chatID int64, title, chatType string) error
	Language(ctx context.Context, chatID int64) string
	SetLanguage(ctx context.Context, chatID int64, language, title string) error
	SetBotPresence(ctx context.Context, chatID int64, title, chatType string, status platform.Status) error
	TouchMember(ctx context.Context, chatID, userID int64) error
	RemoveMember(ctx context.Context, chatID, userID int64) error
	PruneMembers(ctx context.Context, chatID int64) error
	LastChecked(ctx context.Context, chatID, userID int64) (time.Time, error)
	FirstSeen(ctx context.Context, chatID, userID int64) (time.Time, error)
	MarkChecked(ctx context.Context, chatID, userID int64) error
}

type changeGuard interface {
	Allow(ctx context.Context, chatID, userID int64, fp string) (bool, error)
	Forget(chatID, userID int64)
}

type notifier interface {
	Change(ctx context.Context, chatID int64, lang string, user platform.User, old *snapshots.Snapshot, cur snapshots.Snapshot, replyTo int) error
	Welcome(ctx context.Context, chatID int64, lang string, user platform.User, history []snapshots.Snapshot, replyTo int) error
	HistoryText(lang string, userID int64, history []snapshots.Snapshot) string
	Send(ctx context.Context, msg platform.Message) error
}

type chatScanner interface {
	ScanChat(ctx context.Context, chatID int64, limit int)
}

type languageBundle interface {
	T(lang, key string, params ...string) string
	Has(code string) bool
	Codes() []string
	LanguageName(code string) string
}

type pairKey struct {
	chatID int64
	userID int64
}

type Service struct {
	client    platform.Client
	history   historyStore
	chats     chatStore
	guard     changeGuard
	notifier  notifier
	scanner   chatScanner
	bundle    languageBundle
	throttle  *expirable.LRU[pairKey, string]
	welcomed  *expirable.LRU[pairKey, struct{}]
	selfID    int64
	logger    *slog.Logger
}

func NewService(log *slog.Logger, client platform.Client, history historyStore, chatStore chatStore, guard changeGuard, notifier notifier, scanner chatScanner, bundle languageBundle, selfID int64) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		client:   client,
		history:  history,
		chats:    chatStore,
		guard:    guard,
		notifier: notifier,
		scanner:  scanner,
		bundle:   bundle,
		throttle: expirable.NewLRU[pairKey, string](activityCacheSize, nil, activityTTL),
		welcomed: expirable.NewLRU[pairKey, struct{}](activityCacheSize, nil, welcomeDedupTTL),
		selfID:   selfID,
		logger:   log.With(slog.String("service", "detector")),
	}
}

// HandleEvent processes one inbound event. It is safe for concurrent calls
// and never panics the caller; failures are logged and swallowed.
func (s *Service) HandleEvent(ctx context.Context, event platform.Event) {
	switch event.Kind {
	case platform.EventCommand:
		s.handleCommand(ctx, event)
	case platform.EventNewMembers:
		s.handleJoins(ctx, event)
	case platform.EventMemberUpdate:
		s.handleMemberUpdate(ctx, event)
	case platform.EventBotMemberUpdate:
		s.handleBotUpdate(ctx, event)
	case platform.EventMessage:
		s.handleActivity(ctx, event)
	}
}

// handleActivity is the hot path: any message from a member. Heartbeats are
// always bumped; the identity diff and the opportunistic scan run at most
// once per throttle window per member.
func (s *Service) handleActivity(ctx context.Context, event platform.Event) {
	if !event.Chat.IsGroup() || !s.trackable(event.Sender) {
		return
	}
	s.touchChat(ctx, event.Chat)
	if err := s.chats.TouchMember(ctx, event.Chat.ID, event.Sender.ID); err != nil {
		s.logger.Warn("touch member failed", slog.Any("error", err))
	}

	// The throttle keys on the canonical fields, so unchanged identities
	// skip the store round trip but a rename inside the window still lands.
	key := pairKey{event.Chat.ID, event.Sender.ID}
	fp := snapshots.Canonical(event.Sender).Fingerprint()
	if prev, seen := s.throttle.Get(key); !seen || prev != fp {
		s.throttle.Add(key, fp)
		s.detectChange(ctx, event.Chat, event.Sender, event.MessageID)
	}
	s.scanner.ScanChat(ctx, event.Chat.ID, opportunisticScanLimit)
}

// detectChange runs the same verification sequence as a scan, inline: the
// baseline is the snapshot current at the membership's watermark (falling
// back to first-seen), the live identity is recorded, a differing
// fingerprint is announced when the guard admits it, and the watermark
// advances so the member stops looking stale.
func (s *Service) detectChange(ctx context.Context, chat platform.Chat, user platform.User, messageID int) {
	watermark, err := s.chats.LastChecked(ctx, chat.ID, user.ID)
	if err != nil {
		s.logger.Warn("read watermark failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return
	}
	baseline, err := s.history.AsOf(ctx, user.ID, watermark)
	if err != nil {
		s.logger.Warn("load baseline failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return
	}
	if baseline == nil {
		firstSeen, err := s.chats.FirstSeen(ctx, chat.ID, user.ID)
		if err != nil {
			s.logger.Warn("read first seen failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
			return
		}
		if !firstSeen.IsZero() {
			if baseline, err = s.history.AsOf(ctx, user.ID, firstSeen); err != nil {
				s.logger.Warn("load baseline failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
				return
			}
		}
	}
	if err := s.history.Record(ctx, user, time.Now()); err != nil {
		s.logger.Warn("record snapshot failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return
	}

	if baseline != nil {
		cur := snapshots.Canonical(user)
		fp := cur.Fingerprint()
		if fp != baseline.Fingerprint() {
			allowed, err := s.guard.Allow(ctx, chat.ID, user.ID, fp)
			if err != nil {
				s.logger.Warn("guard failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
				return
			}
			if allowed {
				s.logger.Info("identity change detected",
					slog.Int64("chat_id", chat.ID), slog.Int64("user_id", user.ID))
				lang := s.chats.Language(ctx, chat.ID)
				if err := s.notifier.Change(ctx, chat.ID, lang, user, baseline, cur, messageID); err != nil {
					s.logger.Warn("announce change failed", slog.Any("error", err))
				}
			}
		}
	}
	if err := s.chats.MarkChecked(ctx, chat.ID, user.ID); err != nil {
		s.logger.Warn("mark checked failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
}

func (s *Service) handleJoins(ctx context.Context, event platform.Event) {
	if !event.Chat.IsGroup() {
		return
	}
	s.touchChat(ctx, event.Chat)
	for _, user := range event.NewMembers {
		if user.ID == s.selfID {
			s.botJoined(ctx, event.Chat)
			continue
		}
		s.memberJoined(ctx, event.Chat, user, event.ReceivedAt, event.MessageID)
	}
}

// memberJoined records the joiner and greets them, listing prior identities
// for returning members. The dedup window absorbs the duplicate delivery of
// the same join as a service message and a member update.
func (s *Service) memberJoined(ctx context.Context, chat platform.Chat, user platform.User, at time.Time, messageID int) {
	if !s.trackable(user) {
		return
	}
	if err := s.history.Record(ctx, user, at); err != nil {
		s.logger.Warn("record joiner failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	if err := s.chats.TouchMember(ctx, chat.ID, user.ID); err != nil {
		s.logger.Warn("touch joiner failed", slog.Any("error", err))
	}
	// The join observation counts as a verification.
	if err := s.chats.MarkChecked(ctx, chat.ID, user.ID); err != nil {
		s.logger.Warn("mark checked failed", slog.Any("error", err))
	}

	key := pairKey{chat.ID, user.ID}
	if _, dup := s.welcomed.Get(key); dup {
		return
	}
	s.welcomed.Add(key, struct{}{})

	history, err := s.history.History(ctx, user.ID)
	if err != nil {
		s.logger.Warn("load joiner history failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return
	}
	lang := s.chats.Language(ctx, chat.ID)
	if err := s.notifier.Welcome(ctx, chat.ID, lang, user, history, messageID); err != nil {
		s.logger.Warn("welcome failed", slog.Any("error", err))
	}
}

func (s *Service) handleMemberUpdate(ctx context.Context, event platform.Event) {
	if !event.Chat.IsGroup() || !s.trackable(event.Sender) {
		return
	}
	s.touchChat(ctx, event.Chat)
	user := event.Sender

	switch {
	case event.NewStatus.Gone():
		if err := s.history.Record(ctx, user, event.ReceivedAt); err != nil {
			s.logger.Warn("record leaver failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		}
		if err := s.chats.RemoveMember(ctx, event.Chat.ID, user.ID); err != nil {
			s.logger.Warn("remove member failed", slog.Any("error", err))
		}
		s.guard.Forget(event.Chat.ID, user.ID)
	case event.NewStatus.Active() && !event.OldStatus.Active():
		s.memberJoined(ctx, event.Chat, user, event.ReceivedAt, event.MessageID)
	case event.NewStatus.Active():
		// Still present; the update may carry a new identity.
		if err := s.chats.TouchMember(ctx, event.Chat.ID, user.ID); err != nil {
			s.logger.Warn("touch member failed", slog.Any("error", err))
		}
		s.detectChange(ctx, event.Chat, user, event.MessageID)
	}
}

// handleBotUpdate tracks our own membership. Joining a chat seeds the
// member table with the current admins and asks for a language; losing the
// chat prunes its memberships.
func (s *Service) handleBotUpdate(ctx context.Context, event platform.Event) {
	if err := s.chats.SetBotPresence(ctx, event.Chat.ID, event.Chat.Title, event.Chat.Type, event.NewStatus); err != nil {
		s.logger.Warn("set bot presence failed", slog.Any("error", err))
	}
	switch {
	case event.NewStatus.Active() && !event.OldStatus.Active():
		s.botJoined(ctx, event.Chat)
	case event.NewStatus.Gone():
		s.logger.Info("left chat", slog.Int64("chat_id", event.Chat.ID))
		if err := s.chats.PruneMembers(ctx, event.Chat.ID); err != nil {
			s.logger.Warn("prune members failed", slog.Any("error", err))
		}
	}
}

func (s *Service) botJoined(ctx context.Context, chat platform.Chat) {
	s.logger.Info("joined chat", slog.Int64("chat_id", chat.ID), slog.String("title", chat.Title))
	if err := s.chats.SetBotPresence(ctx, chat.ID, chat.Title, chat.Type, platform.StatusMember); err != nil {
		s.logger.Warn("set bot presence failed", slog.Any("error", err))
	}
	s.seedAdmins(ctx, chat)

	lang := s.chats.Language(ctx, chat.ID)
	prompt := s.bundle.T(lang, "setup.choose_language") + "\n" + s.languageMenu()
	if err := s.notifier.Send(ctx, platform.Message{ChatID: chat.ID, Text: prompt}); err != nil {
		s.logger.Warn("language prompt failed", slog.Any("error", err))
	}
}

// seedAdmins gives a fresh chat an initial member set so the scanner has
// something to verify before anyone speaks.
func (s *Service) seedAdmins(ctx context.Context, chat platform.Chat) {
	admins, err := s.client.GetChatAdministrators(ctx, chat.ID)
	if err != nil {
		s.logger.Warn("list admins failed", slog.Int64("chat_id", chat.ID), slog.Any("error", err))
		return
	}
	for _, admin := range admins {
		if admin.Anonymous || !s.trackable(admin.User) {
			continue
		}
		if err := s.history.Record(ctx, admin.User, time.Now()); err != nil {
			s.logger.Warn("record admin failed", slog.Any("error", err))
			continue
		}
		if err := s.chats.TouchMember(ctx, chat.ID, admin.User.ID); err != nil {
			s.logger.Warn("touch admin failed", slog.Any("error", err))
		}
	}
}

// trackable filters out senders that carry no real member identity.
func (s *Service) trackable(user platform.User) bool {
	return user.ID != 0 && user.ID != s.selfID && user.ID != AnonymousAdminID && !user.IsBot
}

func (s *Service) touchChat(ctx context.Context, chat platform.Chat) {
	if err := s.chats.Touch(ctx, chat.ID, chat.Title, chat.Type); err != nil {
		s.logger.Warn("touch chat failed", slog.Int64("chat_id", chat.ID), slog.Any("error", err))
	}
}

func (s *Service) languageMenu() string {
	var b strings.Builder
	for _, code := range s.bundle.Codes() {
		b.WriteString("/setlang ")
		b.WriteString(code)
		b.WriteString(" - ")
		b.WriteString(s.bundle.LanguageName(code))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) handleCommand(ctx context.Context, event platform.Event) {
	if event.Chat.IsGroup() {
		s.touchChat(ctx, event.Chat)
		if s.trackable(event.Sender) {
			if err := s.chats.TouchMember(ctx, event.Chat.ID, event.Sender.ID); err != nil {
				s.logger.Warn("touch member failed", slog.Any("error", err))
			}
			s.detectChange(ctx, event.Chat, event.Sender, 0)
		}
	}
	lang := s.chats.Language(ctx, event.Chat.ID)

	switch event.Command {
	case "start":
		s.reply(ctx, event, s.bundle.T(lang, "commands.start"))
	case "help":
		s.reply(ctx, event, s.bundle.T(lang, "commands.help"))
	case "history":
		s.cmdHistory(ctx, event, lang)
	case "setlang":
		s.cmdSetLang(ctx, event, lang)
	}
}

// cmdHistory resolves the target from the replied-to message, an @username
// argument, or a numeric id argument, in that order.
func (s *Service) cmdHistory(ctx context.Context, event platform.Event, lang string) {
	var (
		userID  int64
		history []snapshots.Snapshot
		err     error
	)
	switch {
	case event.ReplyTo != nil:
		userID = event.ReplyTo.ID
		history, err = s.history.History(ctx, userID)
	case len(event.Args) > 0 && strings.HasPrefix(event.Args[0], "@"):
		username := strings.TrimPrefix(event.Args[0], "@")
		userID, history, err = s.history.HistoryByUsername(ctx, username)
		if errors.Is(err, snapshots.ErrUserNotFound) {
			s.reply(ctx, event, s.bundle.T(lang, "commands.history.no_username", "username", username))
			return
		}
	case len(event.Args) > 0:
		userID, err = strconv.ParseInt(event.Args[0], 10, 64)
		if err != nil {
			s.reply(ctx, event, s.bundle.T(lang, "commands.history.usage"))
			return
		}
		history, err = s.history.History(ctx, userID)
	default:
		s.reply(ctx, event, s.bundle.T(lang, "commands.history.usage"))
		return
	}

	if errors.Is(err, snapshots.ErrUserNotFound) || (err == nil && len(history) == 0) {
		s.reply(ctx, event, s.bundle.T(lang, "commands.history.no_user_id"))
		return
	}
	if err != nil {
		s.logger.Warn("history lookup failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return
	}
	s.reply(ctx, event, s.notifier.HistoryText(lang, userID, history))
}

func (s *Service) cmdSetLang(ctx context.Context, event platform.Event, lang string) {
	if event.Chat.IsGroup() && !s.isAdmin(ctx, event.Chat.ID, event.Sender) {
		s.reply(ctx, event, s.bundle.T(lang, "commands.setlang.only_admin"))
		return
	}
	available := strings.Join(s.bundle.Codes(), ", ")
	if len(event.Args) == 0 {
		s.reply(ctx, event, s.bundle.T(lang, "commands.setlang.usage", "available", available))
		return
	}
	code := strings.ToLower(event.Args[0])
	if !s.bundle.Has(code) {
		s.reply(ctx, event, s.bundle.T(lang, "commands.setlang.unknown",
			"lang_code", code, "available", available))
		return
	}
	if err := s.chats.SetLanguage(ctx, event.Chat.ID, code, event.Chat.Title); err != nil {
		s.logger.Warn("set language failed", slog.Int64("chat_id", event.Chat.ID), slog.Any("error", err))
		return
	}
	s.reply(ctx, event, s.bundle.T(code, "commands.setlang.ok",
		"name", s.bundle.LanguageName(code), "lang_code", code))
}

// isAdmin checks live admin status. Anonymous admins arrive as the shared
// service account, which only admins can post as.
func (s *Service) isAdmin(ctx context.Context, chatID int64, user platform.User) bool {
	if user.ID == AnonymousAdminID {
		return true
	}
	admins, err := s.client.GetChatAdministrators(ctx, chatID)
	if err != nil {
		s.logger.Warn("list admins failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return false
	}
	for _, admin := range admins {
		if admin.User.ID == user.ID {
			return true
		}
	}
	return false
}

func (s *Service) reply(ctx context.Context, event platform.Event, text string) {
	err := s.notifier.Send(ctx, platform.Message{
		ChatID:  event.Chat.ID,
		Text:    text,
		ReplyTo: event.MessageID,
	})
	if err != nil {
		s.logger.Warn("reply failed", slog.Int64("chat_id", event.Chat.ID), slog.Any("error", err))
	}
}
