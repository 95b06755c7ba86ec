// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/queue"
)

// ErrNotFound is returned when a referenced session does not exist.
var ErrNotFound = errors.New("not found")

// HistoryRepository persists chat sessions and their messages.
type HistoryRepository interface {
	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// GetSession returns a session, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error)

	// ListSessions returns a user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error)

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// UpdateTitle renames a session.
	UpdateTitle(ctx context.Context, sessionID, title string) error

	// AppendMessage adds a message to its session's history.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns a session's history in turn order.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// UpdateRating stores the user's rating of an answer.
	UpdateRating(ctx context.Context, sessionID, messageID string, rating int) error
}

// Repository is the full local store: history plus the key-value slots
// the outbound queue persists into.
type Repository interface {
	HistoryRepository
	queue.Storage

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
