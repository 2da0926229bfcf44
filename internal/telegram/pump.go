package telegram

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
)

// Handler consumes converted events. Implementations must be safe for
// concurrent calls; the pump dispatches every event on its own goroutine.
type Handler interface {
	HandleEvent(ctx context.Context, event platform.Event)
}

// Pump long-polls the Bot API and feeds the handler.
type Pump struct {
	bot     *tgbotapi.BotAPI
	handler Handler
	logger  *slog.Logger
}

func NewPump(log *slog.Logger, bot *tgbotapi.BotAPI, handler Handler) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{
		bot:     bot,
		handler: handler,
		logger:  log.With(slog.String("adapter", "telegram")),
	}
}

// Run blocks until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	// chat_member updates are only delivered when asked for explicitly.
	cfg.AllowedUpdates = []string{"message", "edited_message", "chat_member", "my_chat_member"}

	updates := p.bot.GetUpdatesChan(cfg)
	p.logger.Info("update pump started", slog.String("bot", p.bot.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("update pump stopping")
			p.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				p.logger.Info("updates channel closed")
				return
			}
			event, ok := convertUpdate(p.bot.Self.ID, update)
			if !ok {
				continue
			}
			go p.handler.HandleEvent(ctx, event)
		}
	}
}

// convertUpdate maps one raw update onto a neutral event, reporting false
// for update types this service does not consume.
func convertUpdate(selfID int64, update tgbotapi.Update) (platform.Event, bool) {
	switch {
	case update.MyChatMember != nil:
		return convertMemberUpdate(update.MyChatMember, platform.EventBotMemberUpdate), true
	case update.ChatMember != nil:
		kind := platform.EventMemberUpdate
		if update.ChatMember.NewChatMember.User != nil && update.ChatMember.NewChatMember.User.ID == selfID {
			kind = platform.EventBotMemberUpdate
		}
		return convertMemberUpdate(update.ChatMember, kind), true
	case update.Message != nil:
		return convertMessage(update.Message)
	case update.EditedMessage != nil:
		return convertMessage(update.EditedMessage)
	}
	return platform.Event{}, false
}

func convertMemberUpdate(upd *tgbotapi.ChatMemberUpdated, kind platform.EventKind) platform.Event {
	event := platform.Event{
		Kind:       kind,
		Chat:       convertChat(&upd.Chat),
		OldStatus:  platform.ParseStatus(upd.OldChatMember.Status),
		NewStatus:  platform.ParseStatus(upd.NewChatMember.Status),
		ReceivedAt: time.Unix(int64(upd.Date), 0).UTC(),
	}
	if upd.NewChatMember.User != nil {
		event.Sender = convertUser(upd.NewChatMember.User)
	}
	return event
}

func convertMessage(msg *tgbotapi.Message) (platform.Event, bool) {
	if msg.Chat == nil {
		return platform.Event{}, false
	}
	event := platform.Event{
		Chat:       convertChat(msg.Chat),
		MessageID:  msg.MessageID,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		event.Sender = convertUser(msg.From)
	}

	switch {
	case len(msg.NewChatMembers) > 0:
		event.Kind = platform.EventNewMembers
		event.NewMembers = make([]platform.User, 0, len(msg.NewChatMembers))
		for i := range msg.NewChatMembers {
			event.NewMembers = append(event.NewMembers, convertUser(&msg.NewChatMembers[i]))
		}
	case msg.LeftChatMember != nil:
		event.Kind = platform.EventMemberUpdate
		event.Sender = convertUser(msg.LeftChatMember)
		event.OldStatus = platform.StatusMember
		event.NewStatus = platform.StatusLeft
	case msg.IsCommand():
		event.Kind = platform.EventCommand
		event.Command = msg.Command()
		event.Args = strings.Fields(msg.CommandArguments())
		if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
			replied := convertUser(msg.ReplyToMessage.From)
			event.ReplyTo = &replied
		}
	case msg.From != nil:
		event.Kind = platform.EventMessage
	default:
		return platform.Event{}, false
	}
	return event, true
}

func convertChat(chat *tgbotapi.Chat) platform.Chat {
	return platform.Chat{
		ID:    chat.ID,
		Type:  chat.Type,
		Title: chat.Title,
	}
}
