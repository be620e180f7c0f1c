package types

import "time"

// Session binds a single live credential to a user. At most one session per
// user is active at a time; deactivated rows are kept as history.
type Session struct {
	// ID is the opaque, high-entropy session identifier carried in tokens.
	ID string `json:"id" db:"id"`

	// UserID references the owning user.
	UserID int `json:"user_id" db:"user_id"`

	// Active is cleared on logout, on a superseding login, or by the reaper.
	Active bool `json:"active" db:"active"`

	// IP and UserAgent describe the client that opened the session.
	IP        string `json:"ip,omitempty" db:"ip"`
	UserAgent string `json:"user_agent,omitempty" db:"user_agent"`

	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

// Expired reports whether the session lifetime has passed at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionWithUser is a session joined with its owning user.
type SessionWithUser struct {
	Session Session
	User    User
}

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	SessionID string `json:"session_id"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
