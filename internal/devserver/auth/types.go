package auth

import (
	"time"

	"github.com/mark-chris/plansync/internal/collab"
)

// User is an account on the development server.
type User struct {
	ID           string
	Username     string
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
}

// Profile is the projection returned to clients.
func (u *User) Profile() collab.UserProfile {
	return collab.UserProfile{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		FullName: u.FullName,
	}
}

// Claims represents JWT token claims
type Claims struct {
	UserID    string
	Username  string
	TokenID   string
	ExpiresAt time.Time
}
