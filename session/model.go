package session

import "time"

// Termination reasons recorded on deactivated sessions.
const (
	ReasonLogout        = "logout"
	ReasonPasswordReset = "password_reset"
	ReasonMfaDisabled   = "mfa_disabled"
	ReasonAdmin         = "admin"
	ReasonExpired       = "expired"
)

// Session is one authenticated login. Sessions are never deleted; they are
// deactivated with a reason and timestamp.
type Session struct {
	ID             string
	AccountID      string
	DeviceHash     string
	IP             string
	UserAgent      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	Active         bool

	TerminatedAt      *time.Time
	TerminationReason string
}

// Live reports whether the session is active and unexpired at now.
func (s *Session) Live(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}
