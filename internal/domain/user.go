package domain

import (
	"github.com/google/uuid"
)

// UserProfile is the display projection of a user account.
// Maps to CockroachDB users table
type UserProfile struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty" db:"avatar_url"`
}

// Name returns the best human-readable label for the user
func (u *UserProfile) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
