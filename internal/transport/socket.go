package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/ashureev/streamchat/internal/queue"
	"github.com/ashureev/streamchat/internal/shared"
	"github.com/coder/websocket"
)

var (
	// ErrZombieConnection is reported when a pong does not arrive in time.
	ErrZombieConnection = errors.New("heartbeat timeout")
	// ErrReconnectExhausted is reported when the channel enters StateFailed.
	ErrReconnectExhausted = errors.New("max reconnection attempts reached")
	// ErrNoOutbox is returned by Send when the socket is down and nothing can queue.
	ErrNoOutbox = errors.New("socket not connected and no outbox configured")
)

// Outbox stores messages that could not be sent immediately.
// *queue.Queue satisfies it.
type Outbox interface {
	Enqueue(ctx context.Context, payload []byte) (queue.Item, error)
	Peek() (queue.Item, bool)
	Remove(ctx context.Context, id string) bool
	Contains(id string) bool
	IncrementRetry(ctx context.Context, id string) bool
	Size() int
}

var _ Outbox = (*queue.Queue)(nil)

const defaultMaxMessageBytes = 4 << 20

// CredentialFunc returns the bearer token presented when dialing.
type CredentialFunc func(ctx context.Context) (string, error)

// SocketConfig configures a SocketChannel.
type SocketConfig struct {
	URL     string
	Enabled bool

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	DialTimeout       time.Duration
	MaxRetries        int
	Backoff           Backoff
	// MaxMessageBytes limits a single inbound message.
	MaxMessageBytes int64

	// Credential, when set, adds a token query parameter to the dial URL.
	Credential CredentialFunc
	Now        func() time.Time
}

// DefaultSocketConfig returns the standard heartbeat and reconnect policy.
func DefaultSocketConfig(rawURL string) SocketConfig {
	return SocketConfig{
		URL:               rawURL,
		Enabled:           true,
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       5 * time.Second,
		DialTimeout:       10 * time.Second,
		MaxRetries:        5,
		Backoff:           DefaultBackoff(),
		MaxMessageBytes:   defaultMaxMessageBytes,
	}
}

// SocketChannel is a websocket connection that reconnects with backoff,
// detects dead peers with ping/pong, and delivers queued messages once open.
type SocketChannel struct {
	cfg    SocketConfig
	outbox Outbox
	logger *slog.Logger

	mu          sync.Mutex
	state       ConnectionState
	conn        *websocket.Conn
	connCtx     context.Context
	cancelConn  context.CancelFunc
	gen         uint64
	attempts    int
	manualClose bool
	closed      bool
	lastErr     error
	metrics     Metrics

	reconnectTimer *time.Timer
	pongTimer      *time.Timer
	pendingPing    int64

	onEvent  func(protocol.StreamEvent)
	onStatus func(ConnectionState)
	onError  func(error)

	drainMu sync.Mutex
	wg      sync.WaitGroup
}

// NewSocketChannel creates an idle channel. outbox may be nil, in which
// case Send fails while disconnected.
func NewSocketChannel(cfg SocketConfig, outbox Outbox, logger *slog.Logger) *SocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	c := &SocketChannel{cfg: cfg, outbox: outbox, logger: logger}
	if outbox != nil {
		c.metrics.MessagesQueued = outbox.Size()
	}
	return c
}

// OnEvent registers the handler for inbound frames. Pongs are consumed
// internally and never reach it.
func (c *SocketChannel) OnEvent(fn func(protocol.StreamEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// OnStatusChange registers the handler called on every state transition.
func (c *SocketChannel) OnStatusChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// OnError registers the handler for transport-level errors.
func (c *SocketChannel) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Status returns the current connection state.
func (c *SocketChannel) Status() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent transport error, if any.
func (c *SocketChannel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Metrics returns a snapshot of the channel counters.
func (c *SocketChannel) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	if c.outbox != nil {
		m.MessagesQueued = c.outbox.Size()
	}
	return m
}

// Connect dials the socket. It is a no-op while connecting or connected,
// when the channel is disabled, or when no URL is configured. On success
// it starts the heartbeat and drains the outbox before returning.
func (c *SocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || !c.cfg.Enabled || c.cfg.URL == "" {
		c.mu.Unlock()
		c.logger.Debug("[SOCKET] Connect skipped", "enabled", c.cfg.Enabled, "url", c.cfg.URL)
		return nil
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked(&c.reconnectTimer)
	c.manualClose = false
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emitStatus(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("[SOCKET] Connection failed", "error", err)
		c.connectFailed(gen, err)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		cancel()
		_ = conn.CloseNow()
		return nil
	}
	c.conn = conn
	c.connCtx = connCtx
	c.cancelConn = cancel
	c.attempts = 0
	c.lastErr = nil
	c.metrics.LastConnectedAt = c.cfg.Now()
	c.setStateLocked(StateConnected)
	c.wg.Add(2)
	c.mu.Unlock()

	c.logger.Info("[SOCKET] Connected", "url", c.cfg.URL)
	c.emitStatus(StateConnected)

	go func() {
		defer c.wg.Done()
		c.readLoop(connCtx, conn, gen)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(connCtx, conn, gen)
	}()

	c.drain(connCtx, conn, gen)
	return nil
}

func (c *SocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	target := c.cfg.URL
	if c.cfg.Credential != nil {
		token, err := c.cfg.Credential(ctx)
		if err != nil {
			return nil, fmt.Errorf("socket credential: %w", err)
		}
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse socket url: %w", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, shared.Aborted(ctx.Err())
		}
		return nil, shared.NetworkError(err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	return conn, nil
}

func (c *SocketChannel) connectFailed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.mu.Unlock()

	if kind := shared.KindOf(err); kind == shared.KindSessionExpired || kind == shared.KindAborted {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.emitStatus(StateDisconnected)
		c.emitError(err)
		return
	}
	c.emitError(err)
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer, or moves to StateFailed once
// the retries are exhausted.
func (c *SocketChannel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.manualClose {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxRetries {
		c.lastErr = shared.NetworkError(ErrReconnectExhausted)
		failErr := c.lastErr
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.logger.Error("[SOCKET] Max reconnection attempts reached", "attempts", c.cfg.MaxRetries)
		c.emitStatus(StateFailed)
		c.emitError(failErr)
		return
	}

	delay := c.cfg.Backoff.Delay(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.metrics.ReconnectCount++
	c.setStateLocked(StateReconnecting)
	c.stopTimerLocked(&c.reconnectTimer)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Debug("[SOCKET] Reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})
	c.mu.Unlock()

	c.logger.Info("[SOCKET] Reconnecting", "attempt", attempt, "max", c.cfg.MaxRetries, "delay", delay)
	c.emitStatus(StateReconnecting)
}

func (c *SocketChannel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	dec := protocol.NewDecoder(c.logger)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		events := dec.Feed(data)
		events = append(events, dec.Flush()...)
		for _, ev := range events {
			switch ev.Type {
			case protocol.EventPong:
				c.handlePong(ev)
			case protocol.EventPing:
				c.writeJSON(ctx, conn, protocol.Heartbeat{Type: protocol.EventPong, Timestamp: ev.Timestamp})
			default:
				c.emitEvent(ev)
			}
		}
	}
}

// teardown detaches conn if it is still the live connection. Only the
// first caller for a given connection gets true.
func (c *SocketChannel) teardown(gen uint64) (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.conn == nil {
		return nil, false
	}
	conn := c.conn
	c.conn = nil
	c.connCtx = nil
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	c.stopTimerLocked(&c.pongTimer)
	c.pendingPing = 0
	c.setStateLocked(StateDisconnected)
	return conn, true
}

func (c *SocketChannel) handleClose(gen uint64, err error) {
	if _, ok := c.teardown(gen); !ok {
		return
	}
	c.emitStatus(StateDisconnected)

	c.mu.Lock()
	manual := c.manualClose || c.closed
	c.mu.Unlock()

	code := websocket.CloseStatus(err)
	if manual || code == websocket.StatusNormalClosure {
		c.logger.Info("[SOCKET] Disconnected", "code", int(code), "manual", manual)
		return
	}

	c.logger.Warn("[SOCKET] Connection lost", "code", int(code), "error", err)
	netErr := shared.NetworkError(err)
	c.mu.Lock()
	c.lastErr = netErr
	c.mu.Unlock()
	c.emitError(netErr)
	c.scheduleReconnect()
}

func (c *SocketChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ping(ctx, conn, gen)
		}
	}
}

func (c *SocketChannel) ping(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ts := c.cfg.Now().UnixMilli()
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.pendingPing = ts
	c.stopTimerLocked(&c.pongTimer)
	c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() { c.pongTimedOut(gen, ts) })
	c.mu.Unlock()

	c.writeJSON(ctx, conn, protocol.Heartbeat{Type: protocol.EventPing, Timestamp: ts})
}

func (c *SocketChannel) handlePong(ev protocol.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPing == 0 {
		return
	}
	if ev.Timestamp != 0 && ev.Timestamp != c.pendingPing {
		c.logger.Debug("[SOCKET] Ignoring pong for an older ping", "timestamp", ev.Timestamp)
		return
	}
	c.metrics.Latency = c.cfg.Now().Sub(time.UnixMilli(c.pendingPing))
	c.pendingPing = 0
	c.stopTimerLocked(&c.pongTimer)
}

func (c *SocketChannel) pongTimedOut(gen uint64, ts int64) {
	c.mu.Lock()
	if c.gen != gen || c.pendingPing != ts {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn, ok := c.teardown(gen)
	if !ok {
		return
	}
	c.logger.Warn("[SOCKET] Heartbeat timeout, closing zombie connection")
	_ = conn.CloseNow()
	c.emitStatus(StateDisconnected)

	zombie := shared.NetworkError(ErrZombieConnection)
	c.mu.Lock()
	c.lastErr = zombie
	c.mu.Unlock()
	c.emitError(zombie)
	c.scheduleReconnect()
}

// drain sends queued messages in FIFO order while conn stays open and
// returns the ids it delivered.
func (c *SocketChannel) drain(ctx context.Context, conn *websocket.Conn, gen uint64) []string {
	if c.outbox == nil {
		return nil
	}
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	var sent []string
	for {
		if !c.isLive(gen) {
			break
		}
		item, ok := c.outbox.Peek()
		if !ok {
			break
		}
		if err := conn.Write(ctx, websocket.MessageText, item.Payload()); err != nil {
			c.logger.Warn("[SOCKET] Failed to send queued message", "id", item.ID, "error", err)
			if !c.outbox.IncrementRetry(ctx, item.ID) {
				c.logger.Warn("[SOCKET] Dropped queued message", "id", item.ID)
			}
			break
		}
		// An overflow may have evicted item while it was being written.
		if !c.outbox.Remove(ctx, item.ID) {
			c.logger.Debug("[SOCKET] Sent message was already evicted", "id", item.ID)
		}
		sent = append(sent, item.ID)
		c.mu.Lock()
		c.metrics.MessagesSent++
		c.mu.Unlock()
	}
	if len(sent) > 0 {
		c.logger.Info("[SOCKET] Drained queued messages", "count", len(sent), "remaining", c.outbox.Size())
	}
	return sent
}

func (c *SocketChannel) isLive(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.conn != nil && c.state == StateConnected
}

// Send writes payload immediately when connected and nothing is queued
// ahead of it. Otherwise it stores the payload in the outbox and, if the
// channel is down, starts reconnecting. Queued delivery is asynchronous.
func (c *SocketChannel) Send(ctx context.Context, payload []byte) (SendResult, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if connected {
		sent, err := c.sendDirect(ctx, conn, payload)
		if err != nil {
			return Queued, err
		}
		if sent {
			return Sent, nil
		}
	}

	if c.outbox == nil {
		return Queued, shared.NetworkError(ErrNoOutbox)
	}
	item, err := c.outbox.Enqueue(ctx, payload)
	if err != nil {
		return Queued, fmt.Errorf("queue message: %w", err)
	}

	c.mu.Lock()
	state := c.state
	liveConn, liveCtx, gen := c.conn, c.connCtx, c.gen
	c.mu.Unlock()
	if state == StateConnected && liveConn != nil {
		// Deliver behind anything already queued instead of waiting for
		// the next reconnect. A drain already running may have sent it.
		delivered := c.drain(liveCtx, liveConn, gen)
		if slices.Contains(delivered, item.ID) || (c.isLive(gen) && !c.outbox.Contains(item.ID)) {
			return Sent, nil
		}
		return Queued, nil
	}
	if state == StateDisconnected || state == StateFailed {
		c.logger.Debug("[SOCKET] Message queued, triggering reconnect", "state", state.String())
		go func() {
			if err := c.Connect(context.Background()); err != nil {
				c.logger.Debug("[SOCKET] Reconnect after send failed", "error", err)
			}
		}()
	}
	return Queued, nil
}

// sendDirect writes payload unless a drain is running or messages are
// queued, in which case the payload has to go through the outbox.
func (c *SocketChannel) sendDirect(ctx context.Context, conn *websocket.Conn, payload []byte) (bool, error) {
	if !c.drainMu.TryLock() {
		return false, nil
	}
	defer c.drainMu.Unlock()
	if c.outbox != nil && c.outbox.Size() > 0 {
		return false, nil
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		if ctx.Err() != nil {
			return false, shared.Aborted(ctx.Err())
		}
		c.logger.Warn("[SOCKET] Send failed, queueing message", "error", err)
		return false, nil
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return true, nil
}

// SendJSON marshals v and sends it.
func (c *SocketChannel) SendJSON(ctx context.Context, v any) (SendResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Queued, fmt.Errorf("marshal message: %w", err)
	}
	return c.Send(ctx, data)
}

// Disconnect closes the socket with a normal closure and suppresses
// automatic reconnection.
func (c *SocketChannel) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	c.stopTimerLocked(&c.reconnectTimer)
	c.stopTimerLocked(&c.pongTimer)
	conn := c.conn
	gen := c.gen
	if conn == nil && c.state != StateIdle && c.state != StateDisconnected {
		c.gen++
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.emitStatus(StateDisconnected)
		return
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		c.logger.Debug("[SOCKET] Close error", "error", err)
	}
	// Read loop normally observes the close; make sure state settles even
	// if the peer never answered the close frame.
	if _, ok := c.teardown(gen); ok {
		c.emitStatus(StateDisconnected)
	}
}

// ForceReconnect resets the retry count and connects immediately,
// bypassing backoff. It recovers a channel in StateFailed.
func (c *SocketChannel) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.manualClose = false
	c.stopTimerLocked(&c.reconnectTimer)
	gen := c.gen
	c.mu.Unlock()

	if conn, ok := c.teardown(gen); ok {
		_ = conn.CloseNow()
		c.emitStatus(StateDisconnected)
	}
	c.logger.Info("[SOCKET] Forced reconnect")
	return c.Connect(ctx)
}

// Close disconnects and waits for the connection goroutines to exit.
func (c *SocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.wg.Wait()
	return nil
}

func (c *SocketChannel) writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("[SOCKET] Failed to marshal frame", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("[SOCKET] Write error", "error", err)
	}
}

func (c *SocketChannel) setStateLocked(s ConnectionState) {
	if c.state != s {
		c.logger.Debug("[SOCKET] State change", "from", c.state.String(), "to", s.String())
	}
	c.state = s
}

func (c *SocketChannel) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *SocketChannel) emitStatus(s ConnectionState) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *SocketChannel) emitError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *SocketChannel) emitEvent(ev protocol.StreamEvent) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
