// Package identity resolves the caller of a backend request from its
// bearer token and carries it through the request context.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/streamchat/internal/domain"
)

const (
	// TokenQueryParam carries the credential on websocket upgrades, where
	// browsers cannot set headers.
	TokenQueryParam = "token"
	// SessionHeaderName optionally names the chat session of a request.
	SessionHeaderName     = "X-Chat-Session-ID"
	DefaultSessionIDValue = "default"
)

// ErrMissingToken is returned when a request carries no credential.
var ErrMissingToken = errors.New("missing bearer token")

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	sessionIDKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Verifier validates a bearer token and returns its principal.
type Verifier interface {
	Verify(token string) (*domain.User, error)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the chat session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithUser returns a context carrying the user and session.
func WithUser(ctx context.Context, user *domain.User, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, user.UserID)
	ctx = context.WithValue(ctx, usernameKey, user.DisplayName())
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// TokenFromRequest reads the bearer from the Authorization header, falling
// back to the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sid
}

// Middleware rejects requests without a valid bearer token and injects the
// verified principal into the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := TokenFromRequest(r)
			if err != nil {
				unauthorized(w, "missing bearer token")
				return
			}

			user, err := v.Verify(token)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := WithUser(r.Context(), user, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
