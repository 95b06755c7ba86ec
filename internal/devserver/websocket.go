package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/config"
	"github.com/ashureev/streamchat/internal/identity"
	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsInbound is any client frame: a heartbeat, a rating or a bare query.
type wsInbound struct {
	Type      protocol.EventType `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Query     string             `json:"query"`
	SessionID string             `json:"session_id"`
	Model     string             `json:"model"`
	Rating    int                `json:"rating"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	limit := s.cfg.MaxMessageBytes
	if limit <= 0 {
		limit = config.DefaultMaxMessageBytes
	}
	ws.SetReadLimit(limit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	connID := uuid.NewString()
	s.registry.Register(userID, connID, ws)
	defer s.registry.Unregister(userID, connID)

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup

	s.inputLoop(ctx, ws, userID, &wg)

	cancel()
	wg.Wait()
	slog.Info("Chat socket session ended", "user_id", userID, "conn_id", connID)
}

// originPatterns reduces configured origins to the host patterns the
// websocket library matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		patterns = append(patterns, o)
	}
	return patterns
}

func (s *Server) inputLoop(ctx context.Context, ws *websocket.Conn, userID string, wg *sync.WaitGroup) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(message, &msg); err != nil {
			s.writeFrame(ctx, ws, protocol.StreamEvent{Type: protocol.EventError, Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case protocol.EventPing:
			s.writeFrame(ctx, ws, protocol.Heartbeat{Type: protocol.EventPong, Timestamp: msg.Timestamp})

		case protocol.EventPong:
			// Client pongs carry nothing the server tracks.

		case protocol.EventRating:
			if msg.Rating < 1 || msg.Rating > 5 {
				s.writeFrame(ctx, ws, protocol.StreamEvent{Type: protocol.EventError, Error: "rating must be between 1 and 5"})
				continue
			}
			slog.Info("Rating received", "user_id", userID, "session_id", msg.SessionID, "rating", msg.Rating)
			s.writeFrame(ctx, ws, protocol.StreamEvent{
				Type:      protocol.EventStatus,
				Status:    "rating_received",
				Message:   "Thanks for your feedback",
				SessionID: msg.SessionID,
			})

		case "", "query":
			q := protocol.QueryMessage{Query: strings.TrimSpace(msg.Query), SessionID: msg.SessionID, Model: msg.Model}
			if q.Query == "" {
				s.writeFrame(ctx, ws, protocol.StreamEvent{Type: protocol.EventError, Error: "query is required"})
				continue
			}
			if q.SessionID == "" {
				q.SessionID = uuid.NewString()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.answer(ctx, ws, q)
			}()

		default:
			s.writeFrame(ctx, ws, protocol.StreamEvent{Type: protocol.EventError, Error: "unsupported message type: " + string(msg.Type)})
		}
	}
}

func (s *Server) answer(ctx context.Context, ws *websocket.Conn, q protocol.QueryMessage) {
	start := time.Now()
	ans, err := s.responder.Respond(ctx, q)
	if err != nil {
		s.logger.Error("Responder failed", "error", err, "session_id", q.SessionID)
		s.writeFrame(ctx, ws, protocol.StreamEvent{Type: protocol.EventError, Error: err.Error(), SessionID: q.SessionID})
		return
	}
	emit := func(ev protocol.StreamEvent) error {
		return s.write(ctx, ws, ev)
	}
	if err := s.streamAnswer(ctx, q.SessionID, ans, start, emit); err != nil && ctx.Err() == nil {
		slog.Debug("Socket answer interrupted", "error", err, "session_id", q.SessionID)
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, v any) error {
	frame, err := protocol.EncodeFrame(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) writeFrame(ctx context.Context, ws *websocket.Conn, v any) {
	if err := s.write(ctx, ws, v); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}
