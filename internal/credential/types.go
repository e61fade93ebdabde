// Package credential stores per-user OAuth tokens and wraps provider
// calls with a single, shared refresh-and-retry protocol.
package credential

import (
	"errors"
	"time"
)

// ErrExpired signals that a provider rejected the access token
// (401-class response). Provider clients translate their native
// auth-failure errors into this sentinel so the Manager can run the
// refresh protocol once, in one place.
var ErrExpired = errors.New("credential: access token expired")

// ErrNoRefreshToken is returned when a token has expired and no refresh
// token is stored. The failure is terminal for the current cycle; the
// credential cannot be silently renewed.
var ErrNoRefreshToken = errors.New("credential: no refresh token")

// ErrNotFound is returned when no credential exists for (user, provider).
var ErrNotFound = errors.New("credential: not found")

// Credential is an OAuth token pair scoped to one (user, provider).
// At most one credential exists per pair; refresh mutates it in place.
type Credential struct {
	ID           string    `json:"id"` // UUIDv7
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"` // Estimated; zero when unknown
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
