package chats

import "time"

// DefaultLanguage is used when a chat has no persisted language.
const DefaultLanguage = "en"

// ScanCandidate is one (chat, user) membership selected for verification,
// carrying the previous watermark used to bound as-of lookups.
type ScanCandidate struct {
	ChatID        int64
	UserID        int64
	LastCheckedAt time.Time
}
