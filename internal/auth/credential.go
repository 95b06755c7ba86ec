// Package auth manages the bearer credential lifecycle: reading the current
// session from an identity provider, refreshing it without duplicate
// requests, and attaching it to outbound HTTP calls.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryBuffer is how close to expiry a token may get before it is
// refreshed ahead of use.
const DefaultExpiryBuffer = 60 * time.Second

// TokenKind selects which token of a session is sent as the bearer.
type TokenKind int

const (
	// AccessToken is the default bearer for API calls.
	AccessToken TokenKind = iota
	// IDToken is used by endpoints that authorize on identity claims.
	IDToken
)

func (k TokenKind) String() string {
	if k == IDToken {
		return "id"
	}
	return "access"
}

// ParseTokenKind maps "id" to IDToken and anything else to AccessToken.
func ParseTokenKind(s string) TokenKind {
	if s == "id" || s == "id_token" {
		return IDToken
	}
	return AccessToken
}

var errNoExpiry = errors.New("token has no exp claim")

// Credential is a bearer token with its decoded expiry. It is held in
// memory only.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ParseCredential decodes the expiry of a JWT without verifying its
// signature. Verification is the server's job; the client only needs to
// know when to refresh.
func ParseCredential(token string) (Credential, error) {
	if token == "" {
		return Credential{}, errors.New("empty token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{Token: token}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Credential{Token: token}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return Credential{Token: token}, errNoExpiry
	}
	return Credential{Token: token, ExpiresAt: exp.Time}, nil
}

// TimeToExpire returns the remaining validity, negative once expired.
// A credential without a known expiry reports -1ns.
func (c Credential) TimeToExpire(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return -1
	}
	return c.ExpiresAt.Sub(now)
}

// ExpiresWithin reports whether the credential is expired or will expire
// within buffer. Unknown expiry counts as expired.
func (c Credential) ExpiresWithin(buffer time.Duration, now time.Time) bool {
	if c.Token == "" || c.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(c.ExpiresAt.Add(-buffer))
}

// String hides the token value from logs.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{len=%d, expires=%s}", len(c.Token), c.ExpiresAt.Format(time.RFC3339))
}
