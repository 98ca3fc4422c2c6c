// Package models defines the domain entities and service-facing DTOs shared
// across services. Entities hold only identifiers across service boundaries,
// never object graphs.
package models

import "time"

// Role is the authorization role carried in access tokens.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return true
	}
	return false
}

// User is an account. Email is stored lowercased and unique.
// PasswordHash is never serialized.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Provider     string     `json:"provider,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	DeletedAt    *time.Time `json:"-"`
}

// Principal is the decoded identity of a verified access token.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the principal may act on behalf of other users.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// TokenPair is the credential pair issued on signup, login, refresh and
// federated login.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// AuthSession groups the refresh tokens minted from one login. Revoking the
// session invalidates all of them.
type AuthSession struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// RefreshToken is the stored state of an opaque refresh credential.
// A rotated or revoked token is never accepted again.
type RefreshToken struct {
	Token     string     `json:"-"`
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	ExpiresAt time.Time  `json:"expires_at"`
	RotatedAt *time.Time `json:"-"`
	RevokedAt *time.Time `json:"-"`
}

// Usable reports whether the token can still mint a new pair.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RotatedAt == nil && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
