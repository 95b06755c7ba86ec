package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
)

// MemoryHistory is an in-process HistoryRepository.
type MemoryHistory struct {
	mu       sync.RWMutex
	sessions map[string]*domain.ChatSession
	messages map[string][]*domain.Message
}

var _ HistoryRepository = (*MemoryHistory)(nil)

// NewMemoryHistory creates an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		sessions: make(map[string]*domain.ChatSession),
		messages: make(map[string][]*domain.Message),
	}
}

// CreateSession implements HistoryRepository.
func (m *MemoryHistory) CreateSession(_ context.Context, session *domain.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("create session %s: already exists", session.ID)
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

// GetSession implements HistoryRepository.
func (m *MemoryHistory) GetSession(_ context.Context, sessionID string) (*domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// ListSessions implements HistoryRepository.
func (m *MemoryHistory) ListSessions(_ context.Context, userID string) ([]*domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ChatSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteSession implements HistoryRepository.
func (m *MemoryHistory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.messages, sessionID)
	return nil
}

// UpdateTitle implements HistoryRepository.
func (m *MemoryHistory) UpdateTitle(_ context.Context, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("update title %s: %w", sessionID, ErrNotFound)
	}
	s.Title = title
	s.UpdatedAt = time.Now()
	return nil
}

// AppendMessage implements HistoryRepository.
func (m *MemoryHistory) AppendMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	cp.IsStreaming = false
	list := m.messages[msg.SessionID]
	for i, existing := range list {
		if existing.ID == msg.ID {
			list[i] = &cp
			return nil
		}
	}
	m.messages[msg.SessionID] = append(list, &cp)
	if s, ok := m.sessions[msg.SessionID]; ok {
		s.UpdatedAt = time.Now()
	}
	return nil
}

// ListMessages implements HistoryRepository.
func (m *MemoryHistory) ListMessages(_ context.Context, sessionID string) ([]*domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[sessionID]
	out := make([]*domain.Message, 0, len(list))
	for _, msg := range list {
		cp := *msg
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Type == domain.MessageQuestion && out[j].Type != domain.MessageQuestion
	})
	return out, nil
}

// UpdateRating implements HistoryRepository.
func (m *MemoryHistory) UpdateRating(_ context.Context, sessionID, messageID string, rating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[sessionID] {
		if msg.ID == messageID {
			msg.Rating = rating
			return nil
		}
	}
	return fmt.Errorf("update rating %s: %w", messageID, ErrNotFound)
}
