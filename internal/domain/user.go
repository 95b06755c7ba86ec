// Package domain contains core domain types for the chat client.
package domain

import (
	"time"
)

// User is the authenticated principal the client acts for.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DisplayName returns the best available human label for the user.
func (u *User) DisplayName() string {
	switch {
	case u.Username != "":
		return u.Username
	case u.Email != "":
		return u.Email
	default:
		return u.UserID
	}
}

// SessionTTL returns the time until the user's session expires.
// Returns 0 if it already has.
func (u *User) SessionTTL(now time.Time) time.Duration {
	if u.ExpiresAt.IsZero() {
		return 0
	}
	ttl := u.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
