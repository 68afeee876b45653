package session

import (
	"errors"
	"time"
)

// ErrNotFound covers missing, expired, and revoked sessions alike. Expiry is
// checked lazily on read; expired rows are reclaimed by the maintenance job.
var ErrNotFound = errors.New("session: not found")

// Session is one active login for a user. Multiple concurrent sessions per
// user are allowed (multi-device).
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
}

// Active reports whether the session is still valid at the given instant.
func (s *Session) Active(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
