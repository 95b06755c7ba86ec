package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxBusyRetries = 3
	baseBusyDelay  = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	quotaBytes int64
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository. quotaBytes bounds the
// total size of the key-value slots; 0 disables the bound.
func NewSQLite(dbPath string, quotaBytes int64) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, quotaBytes: quotaBytes}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		sources_json TEXT,
		rating INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, message_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying SQLITE_BUSY and "database is locked"
// failures with exponential backoff: 100ms, 200ms.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxBusyRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxBusyRetries-1 {
			break
		}

		delay := baseBusyDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Get implements queue.Storage.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements queue.Storage. Writes that would push the slots past the
// configured quota fail with shared.ErrQuotaExceeded.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	return withRetry(ctx, "kv_set", func() error {
		if s.quotaBytes > 0 {
			var used int64
			err := s.db.QueryRowContext(ctx,
				`SELECT COALESCE(SUM(length(key) + length(value)), 0) FROM kv WHERE key != ?`, key).Scan(&used)
			if err != nil {
				return fmt.Errorf("measure kv usage: %w", err)
			}
			if used+int64(len(key)+len(value)) > s.quotaBytes {
				return fmt.Errorf("set kv %s: %w", key, shared.ErrQuotaExceeded)
			}
		}

		query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`
		if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
			return fmt.Errorf("set kv %s: %w", key, err)
		}
		return nil
	})
}

// Delete implements queue.Storage.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return withRetry(ctx, "kv_delete", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete kv %s: %w", key, err)
		}
		return nil
	})
}

// CreateSession inserts a new chat session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (session_id, user_id, title, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`
	return withRetry(ctx, "create_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.UserID, session.Title,
			session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at
		FROM chat_sessions WHERE session_id = ?`

	var session domain.ChatSession
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &session.UserID, &session.Title, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at
		FROM chat_sessions WHERE user_id = ?
		ORDER BY updated_at DESC, session_id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		var session domain.ChatSession
		var createdAt, updatedAt int64
		if err := rows.Scan(&session.ID, &session.UserID, &session.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		session.CreatedAt = time.UnixMilli(createdAt)
		session.UpdatedAt = time.UnixMilli(updatedAt)
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete session: %w", err)
		}
		return nil
	})
}

// UpdateTitle renames a session.
func (s *SQLiteStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return withRetry(ctx, "update_title", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE chat_sessions SET title = ?, updated_at = ? WHERE session_id = ?`,
			title, time.Now().UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("update title: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("update title %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

// AppendMessage adds a message to its session and bumps the session's
// updated_at. Re-appending an existing id replaces the stored message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	var sourcesJSON sql.NullString
	if len(msg.Sources) > 0 {
		data, err := json.Marshal(msg.Sources)
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
		sourcesJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO chat_messages (session_id, message_id, message_type, content, sources_json, rating, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, message_id) DO UPDATE SET
		content = excluded.content,
		sources_json = excluded.sources_json`

	return withRetry(ctx, "append_message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.SessionID, msg.ID, string(msg.Type), msg.Content, sourcesJSON,
			msg.Rating, msg.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}

		if _, err := s.db.ExecContext(ctx,
			`UPDATE chat_sessions SET updated_at = ? WHERE session_id = ?`,
			time.Now().UnixMilli(), msg.SessionID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
}

// ListMessages returns a session's messages ordered by turn, question
// before answer.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	query := `
		SELECT message_id, message_type, content, sources_json, rating, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY created_at, CASE message_type WHEN 'question' THEN 0 ELSE 1 END, message_id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		msg := domain.Message{SessionID: sessionID}
		var msgType string
		var sourcesJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msgType, &msg.Content, &sourcesJSON, &msg.Rating, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Type = domain.MessageType(msgType)
		msg.Timestamp = time.UnixMilli(createdAt)
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources); err != nil {
				slog.Warn("Failed to decode stored sources", "message_id", msg.ID, "error", err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// UpdateRating stores a rating for a message.
func (s *SQLiteStore) UpdateRating(ctx context.Context, sessionID, messageID string, rating int) error {
	return withRetry(ctx, "update_rating", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE chat_messages SET rating = ? WHERE session_id = ? AND message_id = ?`,
			rating, sessionID, messageID)
		if err != nil {
			return fmt.Errorf("update rating: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateRating affected 0 rows", "session_id", sessionID, "message_id", messageID)
			return fmt.Errorf("update rating %s: %w", messageID, ErrNotFound)
		}
		return nil
	})
}
