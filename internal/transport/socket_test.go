package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/ashureev/streamchat/internal/queue"
	"github.com/ashureev/streamchat/internal/shared"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	for _, r := range []float64{0, 0.5, 0.999} {
		b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.3, Rand: func() float64 { return r }}
		prev := time.Duration(0)
		for n := range 5 {
			exp := time.Duration(1<<n) * time.Second
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, exp, "attempt %d", n)
			assert.LessOrEqual(t, d, time.Duration(float64(exp)*1.3), "attempt %d", n)
			assert.GreaterOrEqual(t, d, prev)
			prev = d
		}
		assert.Equal(t, 30*time.Second, b.Delay(10))
		assert.Equal(t, 30*time.Second, b.Delay(200))
	}
}

func TestBackoffDefaultRandStaysInRange(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	for range 100 {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 5200*time.Millisecond)
	}
}

// wsPeer is a scriptable websocket backend.
type wsPeer struct {
	srv      *httptest.Server
	accepted atomic.Int32
	received chan []byte
	tokens   chan string
	answer   func(ctx context.Context, conn *websocket.Conn, msg []byte) bool
}

func newWSPeer(t *testing.T, answer func(ctx context.Context, conn *websocket.Conn, msg []byte) bool) *wsPeer {
	t.Helper()
	p := &wsPeer{received: make(chan []byte, 64), tokens: make(chan string, 16), answer: answer}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case p.tokens <- r.URL.Query().Get("token"):
		default:
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		p.accepted.Add(1)
		ctx := r.Context()
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case p.received <- msg:
			default:
			}
			if p.answer != nil && !p.answer(ctx, conn, msg) {
				return
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *wsPeer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func answerPings(ctx context.Context, conn *websocket.Conn, msg []byte) bool {
	var hb protocol.Heartbeat
	if json.Unmarshal(msg, &hb) == nil && hb.Type == protocol.EventPing {
		data, _ := json.Marshal(protocol.Heartbeat{Type: protocol.EventPong, Timestamp: hb.Timestamp})
		return conn.Write(ctx, websocket.MessageText, data) == nil
	}
	return true
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) record(s ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) seen(s ConnectionState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

func fastConfig(url string) SocketConfig {
	cfg := DefaultSocketConfig(url)
	cfg.HeartbeatInterval = time.Hour
	cfg.PongTimeout = time.Hour
	cfg.DialTimeout = 2 * time.Second
	cfg.Backoff = Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	return cfg
}

func newOutbox(t *testing.T) *queue.Queue {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.Encrypt = false
	q, err := queue.Open(context.Background(), queue.NewMemoryStorage(0), cfg, nil)
	require.NoError(t, err)
	return q
}

func TestSocketQueuesUntilConnectedThenDrainsFIFO(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, nil)
	outbox := newOutbox(t)
	ch := NewSocketChannel(fastConfig(peer.url()), outbox, nil)
	t.Cleanup(func() { _ = ch.Close() })

	ctx := context.Background()
	for _, q := range []string{"uno", "dos"} {
		res, err := ch.SendJSON(ctx, protocol.QueryMessage{Query: q, SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, Queued, res)
	}
	assert.Equal(t, 2, outbox.Size())
	assert.Equal(t, StateIdle, ch.Status())

	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, StateConnected, ch.Status())
	assert.Zero(t, outbox.Size())

	for _, want := range []string{"uno", "dos"} {
		select {
		case msg := <-peer.received:
			var q protocol.QueryMessage
			require.NoError(t, json.Unmarshal(msg, &q))
			assert.Equal(t, want, q.Query)
		case <-time.After(2 * time.Second):
			t.Fatalf("queued message %q not delivered", want)
		}
	}

	res, err := ch.SendJSON(ctx, protocol.QueryMessage{Query: "tres", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, Sent, res)

	m := ch.Metrics()
	assert.Equal(t, 3, m.MessagesSent)
	assert.Zero(t, m.MessagesQueued)
	assert.False(t, m.LastConnectedAt.IsZero())
}

func TestSocketDeliversInboundFrames(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, func(ctx context.Context, conn *websocket.Conn, _ []byte) bool {
		frames := `{"type":"stream_start"}` + "\n" + `{"type":"chunk","content":"Hola"}` + "\n"
		if err := conn.Write(ctx, websocket.MessageText, []byte(frames)); err != nil {
			return false
		}
		return conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stream_end"}`)) == nil
	})

	ch := NewSocketChannel(fastConfig(peer.url()), nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	got := make(chan protocol.StreamEvent, 8)
	ch.OnEvent(func(ev protocol.StreamEvent) { got <- ev })

	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx))
	_, err := ch.SendJSON(ctx, protocol.QueryMessage{Query: "hola", SessionID: "s1"})
	require.NoError(t, err)

	var types []protocol.EventType
	for range 3 {
		select {
		case ev := <-got:
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	assert.Equal(t, []protocol.EventType{protocol.EventStreamStart, protocol.EventChunk, protocol.EventStreamEnd}, types)
	assert.Equal(t, 2, ch.Metrics().MessagesReceived)
}

func TestSocketAddsCredentialToDialURL(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, nil)
	cfg := fastConfig(peer.url())
	cfg.Credential = func(context.Context) (string, error) { return "tok-123", nil }
	ch := NewSocketChannel(cfg, nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, "tok-123", <-peer.tokens)
}

func TestSocketCredentialFailureDoesNotReconnect(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, nil)
	cfg := fastConfig(peer.url())
	cfg.Credential = func(context.Context) (string, error) { return "", shared.SessionExpired(0, nil) }
	ch := NewSocketChannel(cfg, nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, shared.ErrSessionExpired)
	assert.Equal(t, StateDisconnected, ch.Status())
	assert.Zero(t, peer.accepted.Load())
}

func TestSocketHeartbeatRecordsLatency(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, answerPings)
	cfg := fastConfig(peer.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.PongTimeout = time.Second
	ch := NewSocketChannel(cfg, nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(peer.received) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, ch.Status())
	assert.Zero(t, ch.Metrics().ReconnectCount)
	assert.GreaterOrEqual(t, ch.Metrics().Latency, time.Duration(0))
}

func TestSocketZombieConnectionReconnects(t *testing.T) {
	t.Parallel()

	// Peer reads pings but never answers.
	peer := newWSPeer(t, nil)
	cfg := fastConfig(peer.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	ch := NewSocketChannel(cfg, nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	log := &stateLog{}
	ch.OnStatusChange(log.record)
	errs := make(chan error, 16)
	ch.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return peer.accepted.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, log.seen(StateDisconnected))
	assert.True(t, log.seen(StateReconnecting))
	assert.ErrorIs(t, <-errs, ErrZombieConnection)
	assert.GreaterOrEqual(t, ch.Metrics().ReconnectCount, 1)
}

func TestSocketAbnormalCloseReconnects(t *testing.T) {
	t.Parallel()

	var first atomic.Bool
	peer := newWSPeer(t, func(_ context.Context, conn *websocket.Conn, _ []byte) bool {
		if first.CompareAndSwap(false, true) {
			_ = conn.Close(websocket.StatusInternalError, "boom")
			return false
		}
		return true
	})
	ch := NewSocketChannel(fastConfig(peer.url()), nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx))
	_, err := ch.Send(ctx, []byte(`{"query":"x","session_id":"s1"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return peer.accepted.Load() == 2 && ch.Status() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ch.Metrics().ReconnectCount)
}

func TestSocketNormalClosureIsTerminal(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, func(_ context.Context, conn *websocket.Conn, _ []byte) bool {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return false
	})
	ch := NewSocketChannel(fastConfig(peer.url()), nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx))
	_, err := ch.Send(ctx, []byte(`{"query":"x","session_id":"s1"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ch.Status() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, ch.Status())
	assert.Equal(t, int32(1), peer.accepted.Load())
}

func TestSocketDisconnectSuppressesReconnect(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, nil)
	ch := NewSocketChannel(fastConfig(peer.url()), nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Connect(context.Background()))
	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.Status())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, ch.Status())
	assert.Equal(t, int32(1), peer.accepted.Load())
}

func TestSocketFailsAfterMaxRetriesAndForceReconnectRecovers(t *testing.T) {
	t.Parallel()

	peer := newWSPeer(t, nil)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	cfg := fastConfig(deadURL)
	cfg.MaxRetries = 2
	cfg.DialTimeout = 200 * time.Millisecond
	ch := NewSocketChannel(cfg, newOutbox(t), nil)
	t.Cleanup(func() { _ = ch.Close() })

	errs := make(chan error, 16)
	ch.OnError(func(err error) { errs <- err })

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, shared.ErrNetwork)
	require.Eventually(t, func() bool { return ch.Status() == StateFailed }, 3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, ch.LastError(), ErrReconnectExhausted)
	assert.Equal(t, 2, ch.Metrics().ReconnectCount)

	// Point the channel at a live peer and recover manually.
	ch.mu.Lock()
	ch.cfg.URL = peer.url()
	ch.mu.Unlock()
	require.NoError(t, ch.ForceReconnect(context.Background()))
	assert.Equal(t, StateConnected, ch.Status())
	assert.NoError(t, ch.LastError())
}

func TestSocketDisabledConnectIsNoop(t *testing.T) {
	t.Parallel()

	cfg := fastConfig("ws://127.0.0.1:1/ws")
	cfg.Enabled = false
	ch := NewSocketChannel(cfg, nil, nil)

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, StateIdle, ch.Status())
	require.NoError(t, ch.Close())
}

func TestSocketSendWithoutOutbox(t *testing.T) {
	t.Parallel()

	ch := NewSocketChannel(fastConfig(""), nil, nil)
	_, err := ch.Send(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrNoOutbox)
}

func TestSocketReadsFramesLargerThanLibraryDefault(t *testing.T) {
	t.Parallel()

	excerpt := strings.Repeat("x", 1024)
	sources := make([]map[string]any, 40)
	for i := range sources {
		sources[i] = map[string]any{"document": "handbook.pdf", "page": i + 1, "text": excerpt}
	}
	big, err := json.Marshal(map[string]any{"type": "stream_end", "sources": sources})
	require.NoError(t, err)
	require.Greater(t, len(big), 40*1024)

	peer := newWSPeer(t, func(ctx context.Context, conn *websocket.Conn, _ []byte) bool {
		return conn.Write(ctx, websocket.MessageText, big) == nil
	})
	ch := NewSocketChannel(fastConfig(peer.url()), nil, nil)
	t.Cleanup(func() { _ = ch.Close() })

	got := make(chan protocol.StreamEvent, 1)
	ch.OnEvent(func(ev protocol.StreamEvent) { got <- ev })

	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx))
	_, err = ch.SendJSON(ctx, protocol.QueryMessage{Query: "hola", SessionID: "s1"})
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, protocol.EventStreamEnd, ev.Type)
		assert.Len(t, ev.Sources, 40)
	case <-time.After(2 * time.Second):
		t.Fatal("large frame not delivered")
	}
	assert.Equal(t, StateConnected, ch.Status())
	assert.Zero(t, ch.Metrics().ReconnectCount)
}

// hookedOutbox runs onFirstPeek once, in the middle of the first drain.
type hookedOutbox struct {
	*queue.Queue
	once        sync.Once
	onFirstPeek func()
}

func (h *hookedOutbox) Peek() (queue.Item, bool) {
	item, ok := h.Queue.Peek()
	h.once.Do(h.onFirstPeek)
	return item, ok
}

func receivedQueries(t *testing.T, peer *wsPeer, n int) []string {
	t.Helper()
	var out []string
	for range n {
		select {
		case msg := <-peer.received:
			var q protocol.QueryMessage
			require.NoError(t, json.Unmarshal(msg, &q))
			out = append(out, q.Query)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %v, want %d messages", out, n)
		}
	}
	return out
}

func TestSocketDrainSurvivesEvictionOfSentHead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := queue.DefaultConfig()
	cfg.Encrypt = false
	cfg.MaxSize = 2
	q, err := queue.Open(ctx, queue.NewMemoryStorage(0), cfg, nil)
	require.NoError(t, err)
	for _, s := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, []byte(`{"query":"`+s+`"}`))
		require.NoError(t, err)
	}
	outbox := &hookedOutbox{Queue: q, onFirstPeek: func() {
		// Overflow evicts the head that is about to be written.
		_, err := q.Enqueue(ctx, []byte(`{"query":"c"}`))
		require.NoError(t, err)
	}}

	peer := newWSPeer(t, nil)
	ch := NewSocketChannel(fastConfig(peer.url()), outbox, nil)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, receivedQueries(t, peer, 3))
	assert.True(t, q.IsEmpty())
}

func TestSocketSendDuringDrainKeepsFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newOutbox(t)
	for _, s := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, []byte(`{"query":"`+s+`"}`))
		require.NoError(t, err)
	}

	var ch *SocketChannel
	sendResult := make(chan SendResult, 1)
	outbox := &hookedOutbox{Queue: q, onFirstPeek: func() {
		go func() {
			res, err := ch.SendJSON(ctx, protocol.QueryMessage{Query: "new"})
			if err != nil {
				res = Queued
			}
			sendResult <- res
		}()
		deadline := time.Now().Add(2 * time.Second)
		for q.Size() < 3 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}}

	peer := newWSPeer(t, nil)
	ch = NewSocketChannel(fastConfig(peer.url()), outbox, nil)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, []string{"a", "b", "new"}, receivedQueries(t, peer, 3))
	assert.Equal(t, Sent, <-sendResult)
	assert.True(t, q.IsEmpty())
}
