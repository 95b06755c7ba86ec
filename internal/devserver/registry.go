package devserver

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnRegistry tracks live websocket connections per user.
type ConnRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Get returns a user's connection by id.
func (m *ConnRegistry) Get(userID, connID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[userID]; ok {
		return conns[connID]
	}
	return nil
}

// Register adds a connection for a user.
func (m *ConnRegistry) Register(userID, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	m.active[userID][connID] = conn
	slog.Info("Chat socket registered", "user_id", userID, "conn_id", connID)
}

// Unregister removes a connection for a user.
func (m *ConnRegistry) Unregister(userID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[userID]; ok {
		if _, exists := conns[connID]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat socket unregistered", "user_id", userID, "conn_id", connID)
		}
	}
}

// Count returns the number of live connections for a user.
func (m *ConnRegistry) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// CloseUser closes every connection of a user with the given status. A
// status other than StatusNormalClosure invites the client to reconnect.
func (m *ConnRegistry) CloseUser(userID string, code websocket.StatusCode, reason string) int {
	m.mu.Lock()
	conns := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	for id, conn := range conns {
		_ = conn.Close(code, reason)
		slog.Info("Chat socket closed", "user_id", userID, "conn_id", id, "code", code)
	}
	return len(conns)
}

// CloseAll closes every connection, used on shutdown.
func (m *ConnRegistry) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[string]*websocket.Conn)
	m.mu.Unlock()

	for _, conns := range active {
		for _, conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}
