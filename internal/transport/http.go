package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/streamchat/internal/auth"
	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/ashureev/streamchat/internal/shared"
)

// DefaultModel is sent with buffered queries that do not name a model.
const DefaultModel = "sonnet"

const maxErrorBody = 64 * 1024

// Mode selects how an HTTPChannel reads the answer.
type Mode int

const (
	// ModeStream reads an NDJSON body incrementally.
	ModeStream Mode = iota
	// ModeBuffered reads one JSON payload and expands it into events.
	ModeBuffered
)

func (m Mode) String() string {
	if m == ModeBuffered {
		return "buffered"
	}
	return "stream"
}

// ParseMode maps "buffered" to ModeBuffered and anything else to ModeStream.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "buffered") {
		return ModeBuffered
	}
	return ModeStream
}

// HTTPConfig configures an HTTPChannel.
type HTTPConfig struct {
	URL       string
	Mode      Mode
	TokenKind auth.TokenKind
	Model     string
}

// HTTPChannel sends each query as one authenticated POST and yields the
// answer as stream events. Streamed and buffered responses produce the
// same event sequence.
type HTTPChannel struct {
	client *auth.Client
	cfg    HTTPConfig
	logger *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	inflight  uint64
	streaming bool
}

// NewHTTPChannel creates a channel that authenticates through client.
func NewHTTPChannel(client *auth.Client, cfg HTTPConfig, logger *slog.Logger) *HTTPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == ModeBuffered && cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &HTTPChannel{client: client, cfg: cfg, logger: logger}
}

// Mode returns the configured read mode.
func (h *HTTPChannel) Mode() Mode {
	return h.cfg.Mode
}

// Query sends q and yields the answer events in wire order. Errors are
// classified as shared.ChatError values; a cancelled query yields an
// Aborted error and stops. Starting a query cancels any earlier one still
// in flight.
func (h *HTTPChannel) Query(ctx context.Context, q protocol.QueryMessage) iter.Seq2[protocol.StreamEvent, error] {
	return func(yield func(protocol.StreamEvent, error) bool) {
		reqCtx, id := h.begin(ctx)
		defer h.end(id)

		if q.Model == "" {
			q.Model = h.cfg.Model
		}
		body, err := json.Marshal(q)
		if err != nil {
			yield(protocol.StreamEvent{}, fmt.Errorf("marshal query: %w", err))
			return
		}

		resp, err := h.client.Do(reqCtx, h.request(body), h.cfg.TokenKind)
		if err != nil {
			yield(protocol.StreamEvent{}, h.classify(reqCtx, err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				h.logger.Debug("Failed to close response body", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			yield(protocol.StreamEvent{}, statusError(resp))
			return
		}

		if h.cfg.Mode == ModeBuffered {
			h.readBuffered(reqCtx, resp.Body, yield)
			return
		}
		for ev, err := range protocol.Decode(reqCtx, resp.Body, h.logger) {
			if err != nil {
				yield(protocol.StreamEvent{}, h.classify(reqCtx, err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (h *HTTPChannel) readBuffered(ctx context.Context, body io.Reader, yield func(protocol.StreamEvent, error) bool) {
	var payload protocol.BufferedResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		if ctx.Err() != nil {
			yield(protocol.StreamEvent{}, shared.Aborted(ctx.Err()))
			return
		}
		yield(protocol.StreamEvent{}, shared.ProtocolError("decode buffered response", err))
		return
	}
	for _, ev := range protocol.Expand(payload) {
		if !yield(ev, nil) {
			return
		}
	}
}

func (h *HTTPChannel) request(body []byte) auth.RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build query request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.cfg.Mode == ModeStream {
			req.Header.Set("Accept", "application/x-ndjson")
		} else {
			req.Header.Set("Accept", "application/json")
		}
		return req, nil
	}
}

func (h *HTTPChannel) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || shared.IsAborted(err) {
		h.logger.Info("Query aborted")
		return shared.Aborted(err)
	}
	if shared.KindOf(err) != shared.KindUnknown {
		return err
	}
	return shared.NetworkError(err)
}

// statusError reads the {"error": "..."} body of a failed response.
func statusError(resp *http.Response) error {
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(data) > 0 {
		var body protocol.ErrorBody
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
	}
	return shared.StatusError(resp.StatusCode, msg)
}

func (h *HTTPChannel) begin(ctx context.Context) (context.Context, uint64) {
	reqCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.logger.Debug("Cancelling previous query")
		h.cancel()
	}
	h.inflight++
	h.cancel = cancel
	h.streaming = true
	return reqCtx, h.inflight
}

func (h *HTTPChannel) end(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight != id {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = nil
	h.streaming = false
}

// Cancel aborts the query in flight, if any.
func (h *HTTPChannel) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

// IsStreaming reports whether a query is in flight.
func (h *HTTPChannel) IsStreaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaming
}

// TestConnection checks that a usable credential is available.
func (h *HTTPChannel) TestConnection(ctx context.Context) error {
	if h.cfg.URL == "" {
		return fmt.Errorf("no endpoint configured")
	}
	cred, err := h.client.Broker().Credential(ctx, h.cfg.TokenKind)
	if err != nil {
		h.logger.Warn("Connection test failed", "error", err)
		return err
	}
	h.logger.Debug("Connection test passed", "expires_at", cred.ExpiresAt)
	return nil
}
