// Package telegram adapts the Bot API to the platform contract: outbound
// calls with error classification, and an update pump that converts raw
// updates into neutral events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
)

type Client struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewClient(log *slog.Logger, bot *tgbotapi.BotAPI) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		bot:    bot,
		logger: log.With(slog.String("adapter", "telegram")),
	}
}

func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (platform.Member, error) {
	if err := ctx.Err(); err != nil {
		return platform.Member{}, err
	}
	member, err := c.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return platform.Member{}, classify(err)
	}
	return convertMember(member), nil
}

func (c *Client) GetChatAdministrators(ctx context.Context, chatID int64) ([]platform.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	admins, err := c.bot.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, classify(err)
	}
	out := make([]platform.Member, 0, len(admins))
	for _, admin := range admins {
		out = append(out, convertMember(admin))
	}
	return out, nil
}

// Send delivers an HTML message. When the reply target no longer exists the
// send is retried without threading, so a deleted trigger message never
// loses the notification.
func (c *Client) Send(ctx context.Context, msg platform.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.sendOnce(msg.ChatID, msg.Text, msg.ReplyTo)
	if msg.ReplyTo > 0 && errors.Is(err, platform.ErrBadRequest) {
		c.logger.Debug("reply target gone, resending without reply",
			slog.Int64("chat_id", msg.ChatID), slog.Int("reply_to", msg.ReplyTo))
		err = c.sendOnce(msg.ChatID, msg.Text, 0)
	}
	return err
}

func (c *Client) sendOnce(chatID int64, text string, replyTo int) error {
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = tgbotapi.ModeHTML
	out.DisableWebPagePreview = true
	if replyTo > 0 {
		out.ReplyToMessageID = replyTo
	}
	if _, err := c.bot.Send(out); err != nil {
		return classify(err)
	}
	return nil
}

func convertMember(m tgbotapi.ChatMember) platform.Member {
	var user platform.User
	if m.User != nil {
		user = convertUser(m.User)
	}
	return platform.Member{
		User:      user,
		Status:    platform.ParseStatus(m.Status),
		Anonymous: m.IsAnonymous,
	}
}

func convertUser(u *tgbotapi.User) platform.User {
	return platform.User{
		ID:           u.ID,
		IsBot:        u.IsBot,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.UserName,
		LanguageCode: u.LanguageCode,
	}
}

// classify maps Bot API failures onto the platform error taxonomy. Anything
// unrecognized passes through unchanged and is treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		var valErr tgbotapi.Error
		if !errors.As(err, &valErr) {
			return err
		}
		apiErr = &valErr
	}
	switch {
	case apiErr.RetryAfter > 0:
		return &platform.RateLimitedError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	case apiErr.Code == 429:
		return &platform.RateLimitedError{RetryAfter: time.Second}
	case apiErr.Code == 401, apiErr.Code == 403:
		return fmt.Errorf("%w: %s", platform.ErrForbidden, apiErr.Message)
	case apiErr.Code == 400:
		return fmt.Errorf("%w: %s", platform.ErrBadRequest, apiErr.Message)
	}
	return err
}
