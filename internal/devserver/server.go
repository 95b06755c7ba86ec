// Package devserver is a local backend for the chat client. It serves the
// OAuth refresh grant, the streamed and buffered HTTP answer endpoints and
// the websocket endpoint, all speaking the client's wire format.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/streamchat/internal/config"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/identity"
	"github.com/ashureev/streamchat/internal/middleware"
	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// DevUser is the single principal the development backend signs in.
var DevUser = domain.User{UserID: "dev-user", Username: "developer", Email: "dev@localhost"}

const maxQueryBody = 64 << 10

// Server holds the backend's dependencies.
type Server struct {
	cfg       *config.ServerConfig
	tokens    *TokenIssuer
	responder Responder
	registry  *ConnRegistry
	logger    *slog.Logger
}

// NewServer creates a Server. A nil responder answers with EchoResponder.
func NewServer(cfg *config.ServerConfig, responder Responder, logger *slog.Logger) *Server {
	if responder == nil {
		responder = EchoResponder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		tokens:    NewTokenIssuer(cfg.SigningKey, cfg.Issuer, cfg.TokenTTL, cfg.RefreshToken, DevUser),
		responder: responder,
		registry:  NewConnRegistry(),
		logger:    logger,
	}
}

// NewRouter builds the backend router for cfg.
func NewRouter(cfg *config.ServerConfig, responder Responder, logger *slog.Logger) http.Handler {
	return NewServer(cfg, responder, logger).Router()
}

// Tokens returns the issuer used by the token endpoint.
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

// Registry returns the live websocket registry.
func (s *Server) Registry() *ConnRegistry {
	return s.registry
}

// Close drops every live websocket connection.
func (s *Server) Close() {
	s.registry.CloseAll()
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(s.cfg.AllowedOrigins))

	r.Post("/oauth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(s.tokens))
		r.Post("/chat/stream", s.handleStream)
		r.Post("/chat", s.handleBuffered)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, protocol.ErrorBody{Error: message})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if grant := r.PostForm.Get("grant_type"); grant != "refresh_token" {
		Error(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	pair, err := s.tokens.Refresh(r.PostForm.Get("refresh_token"))
	if err != nil {
		s.logger.Warn("Refresh grant rejected", "error", err, "ip", identity.IPFromRequest(r))
		Error(w, http.StatusBadRequest, ErrInvalidGrant.Error())
		return
	}

	s.logger.Info("Tokens issued", "user_id", DevUser.UserID, "expires_in", pair.ExpiresIn)
	w.Header().Set("Cache-Control", "no-store")
	JSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		IDToken:      pair.IDToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(pair.ExpiresIn / time.Second),
	})
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (protocol.QueryMessage, bool) {
	var q protocol.QueryMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&q); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return q, false
	}
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return q, false
	}
	if q.SessionID == "" {
		q.SessionID = uuid.NewString()
	}
	return q, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	start := time.Now()

	ans, err := s.responder.Respond(r.Context(), q)
	if err != nil {
		s.logger.Error("Responder failed", "error", err, "session_id", q.SessionID)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	emit := func(ev protocol.StreamEvent) error {
		frame, err := protocol.EncodeFrame(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := s.streamAnswer(r.Context(), q.SessionID, ans, start, emit); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Stream interrupted", "error", err, "session_id", q.SessionID)
	}
}

func (s *Server) handleBuffered(w http.ResponseWriter, r *http.Request) {
	q, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	start := time.Now()

	ans, err := s.responder.Respond(r.Context(), q)
	if err != nil {
		s.logger.Error("Responder failed", "error", err, "session_id", q.SessionID)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	JSON(w, http.StatusOK, protocol.BufferedResponse{
		Answer:        ans.Text,
		Sources:       ans.Sources,
		Queries:       ans.Queries,
		TotalSources:  len(ans.Sources),
		ExecutionTime: elapsed(start),
		SessionID:     q.SessionID,
	})
}

// streamAnswer emits the full frame sequence of one answer:
// status, sources, stream_start, chunks, stream_end, complete.
func (s *Server) streamAnswer(ctx context.Context, sessionID string, ans Answer, start time.Time, emit func(protocol.StreamEvent) error) error {
	queries := ans.Queries
	if queries == nil {
		queries = []string{}
	}
	head := []protocol.StreamEvent{
		{Type: protocol.EventStatus, Status: "searching", Message: "Searching knowledge base"},
		{Type: protocol.EventSources, Sources: ans.Sources, Queries: queries, HasSources: true},
		{Type: protocol.EventStreamStart},
	}
	for _, ev := range head {
		if err := emit(ev); err != nil {
			return err
		}
	}

	for i, chunk := range ans.Chunks() {
		if i > 0 && s.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ChunkDelay):
			}
		}
		if err := emit(protocol.StreamEvent{Type: protocol.EventChunk, Content: chunk}); err != nil {
			return err
		}
	}

	if err := emit(protocol.StreamEvent{
		Type:          protocol.EventStreamEnd,
		TotalSources:  len(ans.Sources),
		ExecutionTime: elapsed(start),
		SessionID:     sessionID,
	}); err != nil {
		return err
	}
	return emit(protocol.StreamEvent{Type: protocol.EventComplete, SessionID: sessionID})
}

func elapsed(start time.Time) float64 {
	return math.Round(time.Since(start).Seconds()*1000) / 1000
}
