// Package platform defines the narrow contract this service consumes from a
// messaging platform: member lookups, admin listing, outbound notifications,
// and a classified error taxonomy.
package platform

import "time"

// Status is the closed membership-status enumeration. Raw platform strings
// are mapped at the boundary; anything unrecognized becomes StatusUnknown.
type Status string

const (
	StatusMember        Status = "member"
	StatusAdministrator Status = "administrator"
	StatusCreator       Status = "creator"
	StatusLeft          Status = "left"
	StatusKicked        Status = "kicked"
	StatusUnknown       Status = "unknown"
)

// ParseStatus maps a raw platform status string into the closed enum.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusMember, StatusAdministrator, StatusCreator, StatusLeft, StatusKicked:
		return Status(raw)
	default:
		return StatusUnknown
	}
}

// Active reports whether the status counts as being present in the chat.
func (s Status) Active() bool {
	return s == StatusMember || s == StatusAdministrator || s == StatusCreator
}

// Gone reports whether the status means the user has left or was removed.
func (s Status) Gone() bool {
	return s == StatusLeft || s == StatusKicked
}

// User is a platform user's current visible identity.
type User struct {
	ID           int64
	IsBot        bool
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
}

// Member is a user's membership state in one chat.
type Member struct {
	User   User
	Status Status
	// Anonymous marks admins that post without a visible identity.
	Anonymous bool
}

// Chat identifies a conversation.
type Chat struct {
	ID    int64
	Type  string
	Title string
}

// IsGroup reports whether the chat is a group context.
func (c Chat) IsGroup() bool {
	return c.Type == "group" || c.Type == "supergroup"
}

// Message is an outbound notification. Text is HTML-formatted; ReplyTo of 0
// means no threading. Sends without a valid reply target must still deliver.
type Message struct {
	ChatID  int64
	Text    string
	ReplyTo int
}

// EventKind discriminates inbound events the detector consumes.
type EventKind string

const (
	// EventMessage is any member activity carrying a sender identity.
	EventMessage EventKind = "message"
	// EventNewMembers is a service message listing users added to a chat.
	EventNewMembers EventKind = "new_members"
	// EventMemberUpdate is a membership transition for another user.
	EventMemberUpdate EventKind = "member_update"
	// EventBotMemberUpdate is a membership transition for the bot itself.
	EventBotMemberUpdate EventKind = "bot_member_update"
	// EventCommand is a bot command such as /history.
	EventCommand EventKind = "command"
)

// Event is the neutral payload handed to the detector, one per platform
// update. Fields beyond Kind and Chat are populated per kind.
type Event struct {
	Kind EventKind
	Chat Chat

	// Sender is the acting user: message author or the member whose
	// status changed.
	Sender User

	// NewMembers carries the added users for EventNewMembers.
	NewMembers []User

	// OldStatus/NewStatus carry membership transitions for
	// EventMemberUpdate and EventBotMemberUpdate.
	OldStatus Status
	NewStatus Status

	// MessageID is the triggering message for reply threading, 0 if none.
	MessageID int

	// Command and Args are set for EventCommand (command without slash).
	Command string
	Args    []string

	// ReplyTo is the author of the replied-to message for commands
	// issued as a reply (e.g. /history on someone's message).
	ReplyTo *User

	ReceivedAt time.Time
}
