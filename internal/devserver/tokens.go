package devserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidGrant is returned when a refresh token is unknown or revoked.
var ErrInvalidGrant = errors.New("invalid_grant")

// TokenIssuer mints and verifies HS256 tokens for a single development
// principal. The refresh token is fixed by configuration.
type TokenIssuer struct {
	key     []byte
	issuer  string
	ttl     time.Duration
	refresh string
	user    domain.User
	now     func() time.Time

	mu      sync.RWMutex
	revoked bool
}

// NewTokenIssuer creates an issuer for the given principal.
func NewTokenIssuer(signingKey, issuer string, ttl time.Duration, refreshToken string, user domain.User) *TokenIssuer {
	return &TokenIssuer{
		key:     []byte(signingKey),
		issuer:  issuer,
		ttl:     ttl,
		refresh: refreshToken,
		user:    user,
		now:     time.Now,
	}
}

// TokenPair is the result of a successful grant.
type TokenPair struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Issue mints a fresh access and ID token.
func (t *TokenIssuer) Issue() (TokenPair, error) {
	now := t.now()
	exp := now.Add(t.ttl)

	access, err := t.sign(jwt.MapClaims{
		"sub":       t.user.UserID,
		"username":  t.user.Username,
		"token_use": "access",
	}, now, exp)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	id, err := t.sign(jwt.MapClaims{
		"sub":       t.user.UserID,
		"username":  t.user.Username,
		"email":     t.user.Email,
		"token_use": "id",
	}, now, exp)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign id token: %w", err)
	}

	return TokenPair{AccessToken: access, IDToken: id, RefreshToken: t.refresh, ExpiresIn: t.ttl}, nil
}

func (t *TokenIssuer) sign(claims jwt.MapClaims, now, exp time.Time) (string, error) {
	claims["iss"] = t.issuer
	claims["iat"] = now.Unix()
	claims["exp"] = exp.Unix()
	claims["jti"] = uuid.NewString()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Refresh runs the refresh_token grant.
func (t *TokenIssuer) Refresh(refreshToken string) (TokenPair, error) {
	t.mu.RLock()
	revoked := t.revoked
	t.mu.RUnlock()
	if revoked || refreshToken == "" || refreshToken != t.refresh {
		return TokenPair{}, ErrInvalidGrant
	}
	return t.Issue()
}

// Revoke makes every later refresh fail, ending the principal's session.
func (t *TokenIssuer) Revoke() {
	t.mu.Lock()
	t.revoked = true
	t.mu.Unlock()
}

// Verify checks the signature, issuer and expiry of token.
func (t *TokenIssuer) Verify(token string) (*domain.User, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("verify token: missing subject")
	}
	user := &domain.User{UserID: sub}
	if v, ok := claims["username"].(string); ok {
		user.Username = v
	}
	if v, ok := claims["email"].(string); ok {
		user.Email = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		user.ExpiresAt = exp.Time
	}
	return user, nil
}
