package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/events"
	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/ashureev/streamchat/internal/shared"
	"github.com/ashureev/streamchat/internal/store"
	"github.com/ashureev/streamchat/internal/transport"
	"github.com/google/uuid"
)

const persistTimeout = 5 * time.Second

// Config wires a Controller. History is required, and at least one of
// Query or Socket must be set. Query takes precedence.
type Config struct {
	History  store.HistoryRepository
	Query    QueryTransport
	Socket   MessageSender
	Bus      *events.Bus
	Notifier Notifier
	Listener Listener

	UserID string
	Author string
	Model  string
	Now    func() time.Time
}

// turn is one question and its pending answer.
type turn struct {
	sessionID string
	ts        int64
	question  string
	answer    *domain.Message
	sources   []domain.Source
	cancel    context.CancelFunc

	// socket turns get their answer through HandleEvent; sent is set once
	// the question has left the outbox.
	socket bool
	sent   bool

	abortOnSessionChange bool
}

// orphan is an abandoned socket turn whose frames may still arrive.
type orphan struct {
	sessionID string
	sent      bool
}

// Controller runs chat turns for one user. Answers are committed to the
// session that was current when the question was asked; switching
// sessions discards any answer still in flight.
type Controller struct {
	cfg    Config
	clock  *domain.TurnClock
	logger *slog.Logger

	mu       sync.Mutex
	session  string
	state    TurnState
	status   string
	messages []domain.Message
	turn     *turn
	orphans  []orphan

	unsubscribe func()
}

// NewController creates a controller with no current session.
func NewController(cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.History == nil {
		return nil, fmt.Errorf("chat controller: history repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Controller{
		cfg:    cfg,
		clock:  domain.NewTurnClock(cfg.Now),
		logger: logger,
	}
	if cfg.Bus != nil {
		c.unsubscribe = cfg.Bus.Subscribe(events.SessionExpired, c.onSessionExpired)
	}
	return c, nil
}

// Submit asks query in the current session, creating a session first if
// there is none. With a QueryTransport it blocks until the answer is
// committed or the turn fails. With a MessageSender it returns once the
// question is sent or queued; the answer arrives through HandleEvent.
// Cancelled turns return nil.
func (c *Controller) Submit(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrEmptyQuery
	}
	if c.cfg.Query == nil && c.cfg.Socket == nil {
		return ErrNoTransport
	}
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.turn != nil {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	ts := c.clock.Next()
	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{sessionID: c.session, ts: ts, question: query, cancel: cancel, socket: c.cfg.Query == nil}
	first := !hasQuestion(c.messages)
	question := domain.Message{
		ID:        domain.QuestionID(ts),
		SessionID: t.sessionID,
		Type:      domain.MessageQuestion,
		Content:   query,
		Timestamp: time.UnixMilli(ts),
	}
	c.turn = t
	c.state = TurnSending
	c.status = ""
	c.messages = append(c.messages, question)
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)

	c.logger.Info("Submitting question", "session_id", t.sessionID, "turn", ts)
	c.persistQuestion(ctx, &question, first)

	msg := protocol.QueryMessage{Query: query, SessionID: t.sessionID, Model: c.cfg.Model}
	if c.cfg.Query != nil {
		defer cancel()
		return c.runQuery(turnCtx, t, msg)
	}

	res, err := c.cfg.Socket.SendJSON(turnCtx, msg)
	if err != nil {
		c.fail(t, err)
		if shared.IsAborted(err) {
			return nil
		}
		return err
	}
	if res == transport.Sent {
		c.mu.Lock()
		t.sent = true
		c.mu.Unlock()
	}
	if res == transport.Queued {
		c.notify(Notification{
			Kind:    NotifyInfo,
			Message: "You are offline. Your message will be sent when the connection is restored.",
		})
	}
	return nil
}

func (c *Controller) runQuery(ctx context.Context, t *turn, msg protocol.QueryMessage) error {
	for ev, err := range c.cfg.Query.Query(ctx, msg) {
		if err != nil {
			c.fail(t, err)
			if shared.IsAborted(err) {
				if c.abortedBySessionChange(t) {
					c.logger.Debug("Stream stopped after session change", "session_id", t.sessionID)
				}
				return nil
			}
			return err
		}
		keep, err := c.apply(t, ev)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}

	c.mu.Lock()
	current := c.turn == t
	started := t.answer != nil
	c.mu.Unlock()
	if !current {
		return nil
	}
	if !started {
		err := shared.ProtocolError("stream ended before an answer started", nil)
		c.fail(t, err)
		return err
	}
	c.logger.Warn("Stream ended without stream_end, committing partial answer", "session_id", t.sessionID)
	_, err := c.apply(t, protocol.StreamEvent{Type: protocol.EventStreamEnd})
	return err
}

// HandleEvent folds a frame from a persistent channel into the current
// turn. Frames of abandoned turns, frames tagged with another session and
// frames that arrive with no turn pending are dropped.
func (c *Controller) HandleEvent(ev protocol.StreamEvent) {
	c.mu.Lock()
	if c.discardOrphanLocked(ev) {
		c.mu.Unlock()
		return
	}
	t := c.turn
	c.mu.Unlock()
	if t == nil {
		c.logger.Debug("Dropping frame with no pending turn", "type", string(ev.Type))
		return
	}
	if ev.SessionID != "" && ev.SessionID != t.sessionID {
		c.logger.Warn("Dropping frame for another session",
			"type", string(ev.Type),
			"turn_session_id", t.sessionID,
			"frame_session_id", ev.SessionID)
		return
	}
	if _, err := c.apply(t, ev); err != nil {
		c.logger.Debug("Socket turn ended with error", "error", err)
	}
}

// discardOrphanLocked consumes ev if it belongs to the oldest abandoned
// socket turn. That turn's frames end at its stream_end or error frame.
func (c *Controller) discardOrphanLocked(ev protocol.StreamEvent) bool {
	if len(c.orphans) == 0 {
		return false
	}
	head := c.orphans[0]
	if ev.SessionID != "" && ev.SessionID != head.sessionID {
		return false
	}
	if ev.Type == protocol.EventStreamEnd || ev.Type == protocol.EventError {
		c.orphans = c.orphans[1:]
	}
	c.logger.Debug("Dropping frame for an abandoned turn", "type", string(ev.Type), "session_id", head.sessionID)
	return true
}

// apply folds ev into t. It returns false once t is no longer the
// current turn, with the error that ended it if the frame failed it.
func (c *Controller) apply(t *turn, ev protocol.StreamEvent) (bool, error) {
	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		c.logger.Debug("Dropping frame for an abandoned turn", "type", string(ev.Type), "session_id", t.sessionID)
		return false, nil
	}

	switch ev.Type {
	case protocol.EventStatus:
		c.status = ev.Status
		if c.status == "" {
			c.status = ev.Message
		}
	case protocol.EventSources:
		t.sources = ev.Sources
	case protocol.EventStreamStart:
		c.state = TurnStreaming
		t.answer = &domain.Message{
			ID:          domain.AnswerID(t.ts),
			SessionID:   t.sessionID,
			Type:        domain.MessageAnswer,
			IsStreaming: true,
			Timestamp:   time.UnixMilli(t.ts),
		}
	case protocol.EventChunk:
		if t.answer == nil {
			c.logger.Warn("Ignoring chunk before stream_start", "session_id", t.sessionID)
			break
		}
		t.answer.Content += ev.Content
	case protocol.EventStreamEnd:
		if t.answer == nil {
			c.mu.Unlock()
			err := shared.ProtocolError("stream_end before stream_start", nil)
			c.fail(t, err)
			return false, err
		}
		answer := c.finishLocked(t, ev)
		view := c.viewLocked()
		c.mu.Unlock()
		c.persistAnswer(answer)
		c.publish(view)
		return false, nil
	case protocol.EventComplete:
		c.logger.Debug("Stream complete", "session_id", t.sessionID)
	case protocol.EventError:
		c.mu.Unlock()
		err := shared.RequestFailed(0, ev.ErrorText())
		c.fail(t, err)
		return false, err
	default:
		c.logger.Debug("Ignoring unknown frame", "type", string(ev.Type))
	}

	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
	return true, nil
}

// finishLocked ends t and returns its answer, tagged with the session
// captured when the question was asked.
func (c *Controller) finishLocked(t *turn, ev protocol.StreamEvent) *domain.Message {
	c.turn = nil
	t.cancel()
	c.state = TurnIdle
	c.status = ""

	if ev.SessionID != "" && ev.SessionID != t.sessionID {
		c.logger.Debug("Backend reported a different session id",
			"turn_session_id", t.sessionID, "frame_session_id", ev.SessionID)
	}

	answer := *t.answer
	answer.IsStreaming = false
	answer.SessionID = t.sessionID
	if ev.HasSources {
		answer.Sources = ev.Sources
	} else {
		answer.Sources = t.sources
	}
	if c.session == t.sessionID {
		c.messages = append(c.messages, answer)
	}
	c.logger.Info("Answer committed", "session_id", t.sessionID, "turn", t.ts, "sources", len(answer.Sources))
	return &answer
}

// fail ends t with err. Aborted turns end silently.
func (c *Controller) fail(t *turn, err error) {
	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	c.turn = nil
	t.cancel()
	c.status = ""

	if shared.IsAborted(err) {
		c.state = TurnIdle
		view := c.viewLocked()
		c.mu.Unlock()
		c.logger.Info("Turn aborted", "session_id", t.sessionID, "turn", t.ts)
		c.publish(view)
		return
	}

	c.state = TurnError
	view := c.viewLocked()
	c.mu.Unlock()

	c.logger.Warn("Chat turn failed",
		"session_id", t.sessionID,
		"kind", shared.KindOf(err).String(),
		"error", err)
	c.publish(view)
	c.notify(Notification{
		Kind:      NotifyError,
		Message:   shared.UserMessage(err),
		Retryable: shared.IsRetryable(err),
		Err:       err,
	})

	c.mu.Lock()
	if c.state == TurnError && c.turn == nil {
		c.state = TurnIdle
	}
	view = c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
}

// abortLocked drops the pending turn, cancelling its request.
func (c *Controller) abortLocked(onSessionChange bool) {
	t := c.turn
	if t == nil {
		return
	}
	t.abortOnSessionChange = onSessionChange
	t.cancel()
	c.turn = nil
	if t.socket {
		c.orphans = append(c.orphans, orphan{sessionID: t.sessionID, sent: t.sent || t.answer != nil})
	}
	c.state = TurnIdle
	c.status = ""
	c.logger.Info("Aborted pending turn",
		"session_id", t.sessionID,
		"turn", t.ts,
		"session_change", onSessionChange,
		"partial_bytes", partialLen(t))
}

// Cancel stops the pending turn, if any. The partial answer is discarded.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.turn == nil {
		c.mu.Unlock()
		return
	}
	c.abortLocked(false)
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
}

// SwitchSession makes id the current session and loads its history. A
// pending turn is aborted and its answer never reaches any session.
func (c *Controller) SwitchSession(ctx context.Context, id string) error {
	sess, err := c.cfg.History.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("switch session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("switch session %s: %w", id, ErrUnknownSession)
	}
	msgs, err := c.cfg.History.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("switch session: %w", err)
	}

	c.mu.Lock()
	c.abortLocked(true)
	c.session = id
	c.messages = derefMessages(msgs)
	view := c.viewLocked()
	c.mu.Unlock()

	c.logger.Info("Switched session", "session_id", id, "messages", len(msgs))
	c.publish(view)
	return nil
}

// NewSession creates a session and makes it current. An empty title uses
// domain.DefaultSessionTitle.
func (c *Controller) NewSession(ctx context.Context, title string) (*domain.ChatSession, error) {
	if strings.TrimSpace(title) == "" {
		title = domain.DefaultSessionTitle
	}
	now := c.cfg.Now()
	sess := &domain.ChatSession{
		ID:        uuid.NewString(),
		UserID:    c.cfg.UserID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.cfg.History.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	c.mu.Lock()
	c.abortLocked(true)
	c.session = sess.ID
	c.messages = nil
	view := c.viewLocked()
	c.mu.Unlock()

	c.logger.Info("Created session", "session_id", sess.ID)
	c.publish(view)
	return sess, nil
}

// DeleteSession removes a session. Deleting the current session leaves
// the controller without one.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	if err := c.cfg.History.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	c.mu.Lock()
	if c.session != id {
		c.mu.Unlock()
		return nil
	}
	c.abortLocked(true)
	c.session = ""
	c.messages = nil
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
	return nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (c *Controller) ListSessions(ctx context.Context) ([]*domain.ChatSession, error) {
	return c.cfg.History.ListSessions(ctx, c.cfg.UserID)
}

// Rate records a 1..5 rating for an answer in the current session and
// reports it over the persistent channel when one is configured.
func (c *Controller) Rate(ctx context.Context, messageID string, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}

	c.mu.Lock()
	idx := -1
	for i := range c.messages {
		if c.messages[i].ID == messageID && c.messages[i].Type == domain.MessageAnswer {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("rate %s: %w", messageID, store.ErrNotFound)
	}
	c.messages[idx].Rating = rating
	answer := c.messages[idx]
	question := questionFor(c.messages, answer)
	sessionID := c.session
	view := c.viewLocked()
	c.mu.Unlock()

	if err := c.cfg.History.UpdateRating(ctx, sessionID, messageID, rating); err != nil {
		return fmt.Errorf("rate %s: %w", messageID, err)
	}
	c.publish(view)

	if c.cfg.Socket == nil {
		return nil
	}
	msg := protocol.NewRating(sessionID, question, answer.Content, c.cfg.Author, answer.Timestamp.UnixMilli(), rating)
	if _, err := c.cfg.Socket.SendJSON(ctx, msg); err != nil {
		return fmt.Errorf("send rating: %w", err)
	}
	return nil
}

// HandleConnectionState surfaces socket state changes to the user. Losing
// the connection fails a turn whose question was already sent, since its
// answer cannot arrive any more. Turns still waiting in the outbox are
// kept.
func (c *Controller) HandleConnectionState(s transport.ConnectionState) {
	switch s {
	case transport.StateConnected:
		c.mu.Lock()
		// Connecting drains the outbox, so queued questions are now out.
		if t := c.turn; t != nil && t.socket {
			t.sent = true
		}
		for i := range c.orphans {
			c.orphans[i].sent = true
		}
		c.mu.Unlock()
	case transport.StateDisconnected:
		c.connectionLost()
	case transport.StateFailed:
		c.connectionLost()
		c.notify(Notification{
			Kind:      NotifyError,
			Message:   "Connection lost. Reconnect to keep chatting.",
			Retryable: true,
		})
	case transport.StateReconnecting:
		c.logger.Info("Connection interrupted, reconnecting")
	}
}

func (c *Controller) connectionLost() {
	c.mu.Lock()
	kept := c.orphans[:0]
	for _, o := range c.orphans {
		if !o.sent {
			kept = append(kept, o)
		}
	}
	c.orphans = kept
	t := c.turn
	lost := t != nil && t.socket && (t.sent || t.answer != nil)
	c.mu.Unlock()

	if lost {
		c.fail(t, shared.NetworkError(ErrConnectionLost))
	}
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Close aborts any pending turn and stops listening for session events.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Lock()
	c.abortLocked(false)
	c.mu.Unlock()
}

func (c *Controller) onSessionExpired(ev events.SessionEvent) {
	c.mu.Lock()
	c.abortLocked(false)
	c.session = ""
	c.messages = nil
	view := c.viewLocked()
	c.mu.Unlock()

	c.logger.Warn("Session expired, clearing chat state", "reason", ev.Reason)
	c.publish(view)
	c.notify(Notification{
		Kind:    NotifyWarning,
		Message: shared.UserMessage(shared.ErrSessionExpired),
		Err:     ev.Err,
	})
}

func (c *Controller) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	has := c.session != ""
	c.mu.Unlock()
	if has {
		return nil
	}
	_, err := c.NewSession(ctx, "")
	return err
}

func (c *Controller) persistQuestion(ctx context.Context, q *domain.Message, first bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := c.cfg.History.AppendMessage(ctx, q); err != nil {
		c.logger.Warn("Failed to save question", "session_id", q.SessionID, "error", err)
	}
	if !first {
		return
	}
	sess, err := c.cfg.History.GetSession(ctx, q.SessionID)
	if err != nil || sess == nil || sess.Title != domain.DefaultSessionTitle {
		return
	}
	if err := c.cfg.History.UpdateTitle(ctx, q.SessionID, domain.TitleFromQuestion(q.Content)); err != nil {
		c.logger.Warn("Failed to update session title", "session_id", q.SessionID, "error", err)
	}
}

func (c *Controller) persistAnswer(a *domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.cfg.History.AppendMessage(ctx, a); err != nil {
		c.logger.Error("Failed to save answer", "session_id", a.SessionID, "error", err)
		c.notify(Notification{Kind: NotifyWarning, Message: "The answer could not be saved to history.", Err: err})
	}
}

func (c *Controller) viewLocked() View {
	v := View{
		SessionID: c.session,
		State:     c.state,
		Status:    c.status,
		Messages:  append([]domain.Message(nil), c.messages...),
	}
	if t := c.turn; t != nil && t.answer != nil && t.sessionID == c.session {
		partial := *t.answer
		v.Streaming = &partial
	}
	return v
}

func (c *Controller) publish(v View) {
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnUpdate(v)
	}
}

func (c *Controller) notify(n Notification) {
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.Notify(n)
	}
}

func hasQuestion(msgs []domain.Message) bool {
	for _, m := range msgs {
		if m.Type == domain.MessageQuestion {
			return true
		}
	}
	return false
}

func questionFor(msgs []domain.Message, answer domain.Message) string {
	want := strings.TrimSuffix(answer.ID, "_a") + "_q"
	for _, m := range msgs {
		if m.ID == want {
			return m.Content
		}
	}
	return ""
}

func derefMessages(msgs []*domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}

func (c *Controller) abortedBySessionChange(t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.abortOnSessionChange
}

func partialLen(t *turn) int {
	if t.answer == nil {
		return 0
	}
	return len(t.answer.Content)
}
