// Package chat drives chat turns: it sends questions over a transport,
// folds the answer stream into session history, and keeps answers from
// leaking across sessions when the user switches mid-stream.
package chat

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/protocol"
	"github.com/ashureev/streamchat/internal/transport"
)

var (
	// ErrTurnInProgress is returned by Submit while an answer is pending.
	ErrTurnInProgress = errors.New("a question is already being answered")
	// ErrEmptyQuery is returned by Submit for blank questions.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrUnknownSession is returned when switching to a missing session.
	ErrUnknownSession = errors.New("session not found")
	// ErrNoTransport is returned when neither transport is configured.
	ErrNoTransport = errors.New("no transport configured")
	// ErrInvalidRating is returned for ratings outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	// ErrConnectionLost fails a socket turn whose connection dropped
	// before the answer completed.
	ErrConnectionLost = errors.New("connection lost before the answer completed")
)

// TurnState is the state of the current chat turn.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnSending
	TurnStreaming
	TurnError
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnSending:
		return "sending"
	case TurnStreaming:
		return "streaming"
	case TurnError:
		return "error"
	default:
		return "unknown"
	}
}

// NotificationKind is the severity of a user-facing notification.
type NotificationKind string

const (
	NotifyError   NotificationKind = "error"
	NotifyWarning NotificationKind = "warning"
	NotifyInfo    NotificationKind = "info"
	NotifySuccess NotificationKind = "success"
)

// Notification is a dismissible message for the user.
type Notification struct {
	Kind      NotificationKind
	Message   string
	Retryable bool
	Err       error
}

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// View is a snapshot of what the user sees.
type View struct {
	SessionID string
	State     TurnState
	Status    string
	Messages  []domain.Message
	// Streaming is the partial answer of the current turn, nil when idle.
	Streaming *domain.Message
}

// Listener is told about every visible state change.
type Listener interface {
	OnUpdate(View)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(View)

// OnUpdate implements Listener.
func (f ListenerFunc) OnUpdate(v View) { f(v) }

// QueryTransport answers one query per call. *transport.HTTPChannel
// satisfies it.
type QueryTransport interface {
	Query(ctx context.Context, q protocol.QueryMessage) iter.Seq2[protocol.StreamEvent, error]
}

// MessageSender delivers frames over a persistent channel whose answers
// arrive later through Controller.HandleEvent. *transport.SocketChannel
// satisfies it.
type MessageSender interface {
	SendJSON(ctx context.Context, v any) (transport.SendResult, error)
}

var (
	_ QueryTransport = (*transport.HTTPChannel)(nil)
	_ MessageSender  = (*transport.SocketChannel)(nil)
)
