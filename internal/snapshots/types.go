package snapshots

import (
	"errors"
	"time"

	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
	"github.com/oxaalab/psychic-telegram-bot/internal/textnorm"
)

// ErrUserNotFound distinguishes "user never observed" from "user known but
// no recorded history" (empty slice).
var ErrUserNotFound = errors.New("snapshots: user not found")

// Snapshot is one immutable historical record of a user's visible name
// fields. Fields are stored canonicalized; SeenAt is whole-second UTC.
type Snapshot struct {
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Username  string    `json:"username"`
	SeenAt    time.Time `json:"seen_at"`
}

// ImportItem is one snapshot in an administrative bulk import. A zero
// SeenAt means "observed now".
type ImportItem struct {
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Username  string    `json:"username"`
	SeenAt    time.Time `json:"seen_at"`
}

// Storage limits applied after canonicalization.
const (
	maxNameLen     = 64
	maxUsernameLen = 32
)

// Canonical maps a live identity onto the exact form Record stores, so
// fingerprints computed from it compare cleanly against stored snapshots.
func Canonical(user platform.User) Snapshot {
	return Snapshot{
		FirstName: textnorm.Truncate(textnorm.Sanitize(user.FirstName), maxNameLen),
		LastName:  textnorm.Truncate(textnorm.Sanitize(user.LastName), maxNameLen),
		Username:  textnorm.Truncate(textnorm.Sanitize(user.Username), maxUsernameLen),
	}
}

// Fingerprint is the change-detection key for a snapshot.
func (s Snapshot) Fingerprint() string {
	return textnorm.Fingerprint(s.FirstName, s.LastName, s.Username)
}
