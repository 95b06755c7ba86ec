package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrNoPrincipal is returned by an IdentityProvider when nobody is signed in.
var ErrNoPrincipal = errors.New("no authenticated user")

// Session is the token set issued by the identity provider.
type Session struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
}

// Token returns the token of the requested kind.
func (s Session) Token(kind TokenKind) string {
	if kind == IDToken {
		return s.IDToken
	}
	return s.AccessToken
}

// IdentityProvider is the source of sessions and principals.
type IdentityProvider interface {
	// CurrentSession returns the cached session or ErrNoPrincipal.
	CurrentSession(ctx context.Context) (Session, error)

	// CurrentAuthenticatedUser returns the signed-in user or ErrNoPrincipal.
	CurrentAuthenticatedUser(ctx context.Context) (*domain.User, error)

	// RefreshSession exchanges refreshToken for a new session and caches it.
	RefreshSession(ctx context.Context, refreshToken string) (Session, error)
}

// OAuthProviderConfig configures an OAuthProvider.
type OAuthProviderConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// OAuthProvider keeps a session in memory and refreshes it with the OAuth2
// refresh_token grant.
type OAuthProvider struct {
	mu      sync.RWMutex
	session Session
	oauth   *oauth2.Config
	client  *http.Client
	logger  *slog.Logger
}

var _ IdentityProvider = (*OAuthProvider)(nil)

// NewOAuthProvider creates a provider seeded with an initial session.
func NewOAuthProvider(cfg OAuthProviderConfig, initial Session, logger *slog.Logger) *OAuthProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthProvider{
		session: initial,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: cfg.HTTPClient,
		logger: logger,
	}
}

// SetSession replaces the cached session, e.g. after sign-in.
func (p *OAuthProvider) SetSession(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

// SignOut forgets the cached session.
func (p *OAuthProvider) SignOut() {
	p.SetSession(Session{})
}

// CurrentSession implements IdentityProvider.
func (p *OAuthProvider) CurrentSession(_ context.Context) (Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session.AccessToken == "" && p.session.RefreshToken == "" {
		return Session{}, ErrNoPrincipal
	}
	return p.session, nil
}

// CurrentAuthenticatedUser implements IdentityProvider. The user is read
// from the ID token claims, falling back to the access token.
func (p *OAuthProvider) CurrentAuthenticatedUser(ctx context.Context) (*domain.User, error) {
	s, err := p.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	token := s.IDToken
	if token == "" {
		token = s.AccessToken
	}
	if token == "" {
		return nil, ErrNoPrincipal
	}
	return UserFromToken(token)
}

// RefreshSession implements IdentityProvider.
func (p *OAuthProvider) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, fmt.Errorf("refresh session: %w", ErrNoPrincipal)
	}
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	// An already-expired token forces the source to run the refresh grant.
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := p.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return Session{}, fmt.Errorf("refresh token grant: %w", err)
	}

	next := Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		next.IDToken = id
	}

	p.mu.Lock()
	if next.IDToken == "" {
		next.IDToken = p.session.IDToken
	}
	p.session = next
	p.mu.Unlock()

	p.logger.Debug("Session refreshed", "access_token_len", len(next.AccessToken), "has_id_token", next.IDToken != "")
	return next, nil
}

// UserFromToken reads the principal from unverified JWT claims.
func UserFromToken(token string) (*domain.User, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token claims: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrNoPrincipal
	}
	user := &domain.User{UserID: sub}
	for _, key := range []string{"username", "cognito:username", "preferred_username"} {
		if v, ok := claims[key].(string); ok && v != "" {
			user.Username = v
			break
		}
	}
	if v, ok := claims["email"].(string); ok {
		user.Email = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		user.ExpiresAt = exp.Time
	}
	return user, nil
}
