package platform

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the permanent halves of the taxonomy. Client
// implementations wrap these so callers classify with errors.Is.
var (
	// ErrForbidden means the chat or member is no longer reachable by the
	// bot (removed, blocked, chat deleted).
	ErrForbidden = errors.New("platform: forbidden")

	// ErrBadRequest means the platform rejected the call as malformed;
	// retrying the same call cannot succeed.
	ErrBadRequest = errors.New("platform: bad request")
)

// RateLimitedError is the transient rate-limit signal carrying the
// platform's retry-after hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited returns the rate-limit signal in err's chain, if any.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
