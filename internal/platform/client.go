package platform

import "context"

// Client is the messaging-platform surface the core depends on. Errors are
// classified per errors.go: *RateLimitedError, ErrForbidden, ErrBadRequest;
// anything else is treated as transient.
type Client interface {
	// GetChatMember fetches a member's current status and profile.
	GetChatMember(ctx context.Context, chatID, userID int64) (Member, error)

	// GetChatAdministrators lists the chat's current administrators.
	GetChatAdministrators(ctx context.Context, chatID int64) ([]Member, error)

	// Send delivers a text notification to a chat.
	Send(ctx context.Context, msg Message) error
}
