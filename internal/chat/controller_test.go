package chat

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/events"
	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/ashureev/streamchat/internal/shared"
	"github.com/ashureev/streamchat/internal/store"
	"github.com/ashureev/streamchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedQuery yields frames pushed by the test until the channel is
// closed or the query is cancelled.
type scriptedQuery struct {
	started chan protocol.QueryMessage
	frames  chan protocol.StreamEvent
	err     error
}

func newScriptedQuery() *scriptedQuery {
	return &scriptedQuery{
		started: make(chan protocol.QueryMessage, 4),
		frames:  make(chan protocol.StreamEvent, 32),
	}
}

func (s *scriptedQuery) Query(ctx context.Context, q protocol.QueryMessage) iter.Seq2[protocol.StreamEvent, error] {
	return func(yield func(protocol.StreamEvent, error) bool) {
		s.started <- q
		if s.err != nil {
			yield(protocol.StreamEvent{}, s.err)
			return
		}
		for {
			select {
			case <-ctx.Done():
				yield(protocol.StreamEvent{}, shared.Aborted(ctx.Err()))
				return
			case ev, ok := <-s.frames:
				if !ok {
					return
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (s *scriptedQuery) push(events ...protocol.StreamEvent) {
	for _, ev := range events {
		s.frames <- ev
	}
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []any
	result transport.SendResult
	err    error
}

func (f *fakeSender) SendJSON(_ context.Context, v any) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.Queued, f.err
	}
	f.sent = append(f.sent, v)
	return f.result, nil
}

func (f *fakeSender) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

type notifications struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notifications) Notify(x Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, x)
}

func (n *notifications) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.list...)
}

func newController(t *testing.T, cfg Config) (*Controller, *store.MemoryHistory, *notifications) {
	t.Helper()
	history := store.NewMemoryHistory()
	notes := &notifications{}
	cfg.History = history
	cfg.Notifier = notes
	if cfg.UserID == "" {
		cfg.UserID = "u1"
	}
	c, err := NewController(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, history, notes
}

func chunk(s string) protocol.StreamEvent {
	return protocol.StreamEvent{Type: protocol.EventChunk, Content: s}
}

var (
	streamStart = protocol.StreamEvent{Type: protocol.EventStreamStart}
	streamEnd   = protocol.StreamEvent{Type: protocol.EventStreamEnd}
)

func TestSubmitCommitsStreamedAnswer(t *testing.T) {
	t.Parallel()

	q := newScriptedQuery()
	c, history, notes := newController(t, Config{Query: q, Model: "sonnet"})
	ctx := context.Background()

	q.push(
		protocol.StreamEvent{Type: protocol.EventStatus, Status: "searching"},
		protocol.StreamEvent{Type: protocol.EventSources, Sources: []domain.Source{{Document: "a.pdf"}}, HasSources: true},
		streamStart, chunk("Hola"), chunk(" mundo"), streamEnd,
	)
	require.NoError(t, c.Submit(ctx, "  hola  "))

	sent := <-q.started
	assert.Equal(t, "hola", sent.Query)
	assert.Equal(t, "sonnet", sent.Model)

	view := c.Snapshot()
	assert.Equal(t, TurnIdle, view.State)
	assert.Nil(t, view.Streaming)
	require.Len(t, view.Messages, 2)
	answer := view.Messages[1]
	assert.Equal(t, "Hola mundo", answer.Content)
	assert.False(t, answer.IsStreaming)
	assert.Equal(t, []domain.Source{{Document: "a.pdf"}}, answer.Sources)
	assert.Equal(t, sent.SessionID, answer.SessionID)

	msgs, err := history.ListMessages(ctx, sent.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageQuestion, msgs[0].Type)
	ts := msgs[0].Timestamp.UnixMilli()
	assert.Equal(t, domain.QuestionID(ts), msgs[0].ID)
	assert.Equal(t, domain.AnswerID(ts), msgs[1].ID)

	sess, err := history.GetSession(ctx, sent.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "hola", sess.Title)
	assert.Empty(t, notes.all())
}

func TestStreamEndSourcesOverrideCachedSources(t *testing.T) {
	t.Parallel()

	q := newScriptedQuery()
	c, _, _ := newController(t, Config{Query: q})

	q.push(
		protocol.StreamEvent{Type: protocol.EventSources, Sources: []domain.Source{{Document: "old.pdf"}}, HasSources: true},
		streamStart, chunk("x"),
		protocol.StreamEvent{Type: protocol.EventStreamEnd, HasSources: true},
	)
	require.NoError(t, c.Submit(context.Background(), "q"))

	msgs := c.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].Sources)
}

func TestSwitchingSessionMidStreamDiscardsAnswer(t *testing.T) {
	t.Parallel()

	q := newScriptedQuery()
	c, history, notes := newController(t, Config{Query: q})
	ctx := context.Background()

	a, err := c.NewSession(ctx, "A")
	require.NoError(t, err)
	b := &domain.ChatSession{ID: "session-b", UserID: "u1", Title: "B"}
	require.NoError(t, history.CreateSession(ctx, b))

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, "pregunta A") }()
	<-q.started
	q.push(streamStart, chunk("parcial"))
	require.Eventually(t, func() bool {
		v := c.Snapshot()
		return v.Streaming != nil && v.Streaming.Content == "parcial"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SwitchSession(ctx, b.ID))
	require.NoError(t, <-done)

	// Late frames for the abandoned turn go nowhere.
	c.HandleEvent(chunk(" fin"))
	c.HandleEvent(streamEnd)

	aMsgs, err := history.ListMessages(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, aMsgs, 1)
	assert.Equal(t, domain.MessageQuestion, aMsgs[0].Type)

	bMsgs, err := history.ListMessages(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, bMsgs)

	view := c.Snapshot()
	assert.Equal(t, b.ID, view.SessionID)
	assert.Equal(t, TurnIdle, view.State)
	assert.Nil(t, view.Streaming)
	assert.Empty(t, view.Messages)
	assert.Empty(t, notes.all())
}

func TestSwitchingSessionDropsSocketFrames(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Sent}
	c, history, _ := newController(t, Config{Socket: sender})
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, "pregunta A"))
	a := c.Snapshot().SessionID
	c.HandleEvent(streamStart)
	c.HandleEvent(chunk("Hola"))

	b, err := c.NewSession(ctx, "")
	require.NoError(t, err)
	c.HandleEvent(chunk(" mundo"))
	c.HandleEvent(streamEnd)

	aMsgs, err := history.ListMessages(ctx, a)
	require.NoError(t, err)
	assert.Len(t, aMsgs, 1)
	bMsgs, err := history.ListMessages(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, bMsgs)
}

func TestAbandonedSocketTurnStaysOutOfNextSession(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Sent}
	c, history, _ := newController(t, Config{Socket: sender})
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, "question A"))
	a := c.Snapshot().SessionID
	b, err := c.NewSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, c.Submit(ctx, "question B"))

	// A's answer arrives only now, after B has been asked.
	c.HandleEvent(protocol.StreamEvent{Type: protocol.EventStreamStart, SessionID: a})
	c.HandleEvent(chunk("answer for A"))
	c.HandleEvent(protocol.StreamEvent{Type: protocol.EventStreamEnd, SessionID: a})
	assert.Equal(t, TurnSending, c.Snapshot().State)

	c.HandleEvent(streamStart)
	c.HandleEvent(chunk("answer for B"))
	c.HandleEvent(protocol.StreamEvent{Type: protocol.EventStreamEnd, SessionID: b.ID})

	bMsgs, err := history.ListMessages(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, bMsgs, 2)
	assert.Equal(t, "question B", bMsgs[0].Content)
	assert.Equal(t, "answer for B", bMsgs[1].Content)

	aMsgs, err := history.ListMessages(ctx, a)
	require.NoError(t, err)
	require.Len(t, aMsgs, 1)
	assert.Equal(t, domain.MessageQuestion, aMsgs[0].Type)
}

func TestSocketFrameForAnotherSessionIsDropped(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Sent}
	c, history, _ := newController(t, Config{Socket: sender})
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, "hola"))
	current := c.Snapshot().SessionID
	c.HandleEvent(streamStart)
	c.HandleEvent(chunk("Hola"))
	c.HandleEvent(protocol.StreamEvent{Type: protocol.EventStreamEnd, SessionID: "someone-else"})

	view := c.Snapshot()
	assert.Equal(t, TurnStreaming, view.State)
	require.NotNil(t, view.Streaming)

	c.HandleEvent(protocol.StreamEvent{Type: protocol.EventStreamEnd, SessionID: current})
	msgs, err := history.ListMessages(ctx, current)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hola", msgs[1].Content)
}

func TestConnectionLossFailsSentTurn(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Sent}
	c, _, notes := newController(t, Config{Socket: sender})
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, "uno"))
	c.HandleEvent(streamStart)
	c.HandleEvent(chunk("a medias"))

	c.HandleConnectionState(transport.StateDisconnected)
	view := c.Snapshot()
	assert.Equal(t, TurnIdle, view.State)
	assert.Nil(t, view.Streaming)

	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, NotifyError, got[0].Kind)
	assert.True(t, got[0].Retryable)
	assert.ErrorIs(t, got[0].Err, ErrConnectionLost)

	c.HandleConnectionState(transport.StateFailed)
	require.NoError(t, c.Submit(ctx, "dos"))
	assert.Len(t, sender.messages(), 2)
}

func TestConnectionLossKeepsQueuedTurn(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Queued}
	c, _, _ := newController(t, Config{Socket: sender})
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, "uno"))
	c.HandleConnectionState(transport.StateDisconnected)
	c.HandleConnectionState(transport.StateReconnecting)
	assert.Equal(t, TurnSending, c.Snapshot().State)

	// Once connected the queued question is out; a later drop fails it.
	c.HandleConnectionState(transport.StateConnected)
	c.HandleConnectionState(transport.StateDisconnected)
	assert.Equal(t, TurnIdle, c.Snapshot().State)
}

func TestErrorFrameSurfacesNotification(t *testing.T) {
	t.Parallel()

	q := newScriptedQuery()
	var states []TurnState
	var mu sync.Mutex
	listener := ListenerFunc(func(v View) {
		mu.Lock()
		states = append(states, v.State)
		mu.Unlock()
	})
	c, _, notes := newController(t, Config{Query: q, Listener: listener})

	q.push(streamStart, chunk("par"), protocol.StreamEvent{Type: protocol.EventError, Error: "model overloaded"})
	err := c.Submit(context.Background(), "q")
	require.ErrorIs(t, err, shared.ErrRequestFailed)

	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, NotifyError, got[0].Kind)
	assert.Equal(t, "model overloaded", got[0].Message)
	assert.True(t, got[0].Retryable)

	view := c.Snapshot()
	assert.Equal(t, TurnIdle, view.State)
	assert.Len(t, view.Messages, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, TurnError)
	assert.Equal(t, TurnIdle, states[len(states)-1])
}

func TestTransportErrorsAreClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "network", err: shared.NetworkError(errors.New("dial tcp: refused")), retryable: true},
		{name: "server", err: shared.ServerError(503, "unavailable"), retryable: true},
		{name: "expired", err: shared.SessionExpired(401, nil), retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := newScriptedQuery()
			q.err = tt.err
			c, _, notes := newController(t, Config{Query: q})

			err := c.Submit(context.Background(), "q")
			require.ErrorIs(t, err, tt.err)
			got := notes.all()
			require.Len(t, got, 1)
			assert.Equal(t, shared.UserMessage(tt.err), got[0].Message)
			assert.Equal(t, tt.retryable, got[0].Retryable)
		})
	}
}

func TestCancelIsSilent(t *testing.T) {
	t.Parallel()

	q := newScriptedQuery()
	c, history, notes := newController(t, Config{Query: q})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, "q") }()
	sent := <-q.started
	q.push(streamStart, chunk("a medias"))
	require.Eventually(t, func() bool { return c.Snapshot().State == TurnStreaming }, time.Second, 5*time.Millisecond)

	c.Cancel()
	require.NoError(t, <-done)
	assert.Empty(t, notes.all())
	assert.Equal(t, TurnIdle, c.Snapshot().State)

	msgs, err := history.ListMessages(ctx, sent.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSubmitRejectsConcurrentTurnAndEmptyQuery(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Sent}
	c, _, _ := newController(t, Config{Socket: sender})
	ctx := context.Background()

	require.ErrorIs(t, c.Submit(ctx, "   "), ErrEmptyQuery)
	require.NoError(t, c.Submit(ctx, "uno"))
	assert.Equal(t, TurnSending, c.Snapshot().State)
	require.ErrorIs(t, c.Submit(ctx, "dos"), ErrTurnInProgress)
	assert.Len(t, sender.messages(), 1)
}

func TestQueuedSubmitNotifiesOffline(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Queued}
	c, _, notes := newController(t, Config{Socket: sender})

	require.NoError(t, c.Submit(context.Background(), "hola"))
	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, NotifyInfo, got[0].Kind)
}

func TestSessionExpiredClearsState(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	sender := &fakeSender{result: transport.Sent}
	c, _, notes := newController(t, Config{Socket: sender, Bus: bus})

	require.NoError(t, c.Submit(context.Background(), "hola"))
	c.HandleEvent(streamStart)

	bus.Emit(events.SessionEvent{Type: events.SessionExpired, Reason: "HTTP 401"})

	view := c.Snapshot()
	assert.Empty(t, view.SessionID)
	assert.Empty(t, view.Messages)
	assert.Equal(t, TurnIdle, view.State)

	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, NotifyWarning, got[0].Kind)

	c.Close()
	assert.Zero(t, bus.Len(events.SessionExpired))
}

func TestRateSendsRatingAndPersists(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: transport.Sent}
	c, history, _ := newController(t, Config{Socket: sender, Author: "ana"})
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, "hola"))
	c.HandleEvent(streamStart)
	c.HandleEvent(chunk("Hola mundo"))
	c.HandleEvent(streamEnd)

	view := c.Snapshot()
	require.Len(t, view.Messages, 2)
	answerID := view.Messages[1].ID

	require.ErrorIs(t, c.Rate(ctx, answerID, 9), ErrInvalidRating)
	require.ErrorIs(t, c.Rate(ctx, view.Messages[0].ID, 5), store.ErrNotFound)
	require.NoError(t, c.Rate(ctx, answerID, 5))

	sent := sender.messages()
	require.Len(t, sent, 2)
	rating, ok := sent[1].(protocol.RatingMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.EventRating, rating.Type)
	assert.Equal(t, "hola", rating.Question)
	assert.Equal(t, "Hola mundo", rating.Answer)
	assert.Equal(t, "ana", rating.Author)
	assert.Equal(t, view.SessionID, rating.SessionID)
	assert.Equal(t, 5, rating.Rating)

	msgs, err := history.ListMessages(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 5, msgs[1].Rating)
	assert.Equal(t, 5, c.Snapshot().Messages[1].Rating)
}

func TestSwitchAndDeleteSessions(t *testing.T) {
	t.Parallel()

	q := newScriptedQuery()
	c, _, _ := newController(t, Config{Query: q})
	ctx := context.Background()

	require.ErrorIs(t, c.SwitchSession(ctx, "missing"), ErrUnknownSession)

	first, err := c.NewSession(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSessionTitle, first.Title)
	q.push(streamStart, chunk("uno"), streamEnd)
	require.NoError(t, c.Submit(ctx, "primera"))

	second, err := c.NewSession(ctx, "segunda")
	require.NoError(t, err)
	assert.Empty(t, c.Snapshot().Messages)

	require.NoError(t, c.SwitchSession(ctx, first.ID))
	assert.Len(t, c.Snapshot().Messages, 2)

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, c.DeleteSession(ctx, second.ID))
	assert.Equal(t, first.ID, c.Snapshot().SessionID)
	require.NoError(t, c.DeleteSession(ctx, first.ID))
	assert.Empty(t, c.Snapshot().SessionID)
}

func TestNewControllerRequiresHistory(t *testing.T) {
	t.Parallel()

	_, err := NewController(Config{}, nil)
	require.Error(t, err)

	c, err := NewController(Config{History: store.NewMemoryHistory()}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.Submit(context.Background(), "hola"), ErrNoTransport)
}
