package shared

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the chat error taxonomy. A *ChatError matches the
// sentinel for its Kind under errors.Is.
var (
	ErrSessionExpired = errors.New("session expired")
	ErrNetwork        = errors.New("network error")
	ErrServer         = errors.New("server error")
	ErrAborted        = errors.New("request aborted")
	ErrProtocol       = errors.New("protocol error")
	ErrQueueOverflow  = errors.New("queue overflow")
	ErrRequestFailed  = errors.New("request failed")

	// ErrQuotaExceeded is returned by storage backends when a write would
	// exceed the available space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Kind classifies a ChatError.
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionExpired
	KindNetwork
	KindServer
	KindAborted
	KindProtocol
	KindQueueOverflow
	KindRequestFailed
)

func (k Kind) String() string {
	switch k {
	case KindSessionExpired:
		return "session_expired"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAborted:
		return "aborted"
	case KindProtocol:
		return "protocol"
	case KindQueueOverflow:
		return "queue_overflow"
	case KindRequestFailed:
		return "request_failed"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindSessionExpired:
		return ErrSessionExpired
	case KindNetwork:
		return ErrNetwork
	case KindServer:
		return ErrServer
	case KindAborted:
		return ErrAborted
	case KindProtocol:
		return ErrProtocol
	case KindQueueOverflow:
		return ErrQueueOverflow
	case KindRequestFailed:
		return ErrRequestFailed
	default:
		return nil
	}
}

// ChatError is a classified failure from the communication layer.
type ChatError struct {
	Kind    Kind
	Status  int    // HTTP status, 0 when not applicable
	Message string // server or transport supplied detail
	Err     error
}

func (e *ChatError) Error() string {
	msg := e.Kind.String()
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the sentinel for this error's Kind.
func (e *ChatError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

// SessionExpired builds a KindSessionExpired error.
func SessionExpired(status int, err error) *ChatError {
	return &ChatError{Kind: KindSessionExpired, Status: status, Err: err}
}

// NetworkError builds a KindNetwork error.
func NetworkError(err error) *ChatError {
	return &ChatError{Kind: KindNetwork, Err: err}
}

// ServerError builds a KindServer error.
func ServerError(status int, message string) *ChatError {
	return &ChatError{Kind: KindServer, Status: status, Message: message}
}

// RequestFailed builds a KindRequestFailed error for non-2xx statuses
// that are neither auth nor server failures.
func RequestFailed(status int, message string) *ChatError {
	return &ChatError{Kind: KindRequestFailed, Status: status, Message: message}
}

// Aborted builds a KindAborted error.
func Aborted(err error) *ChatError {
	return &ChatError{Kind: KindAborted, Err: err}
}

// ProtocolError builds a KindProtocol error.
func ProtocolError(message string, err error) *ChatError {
	return &ChatError{Kind: KindProtocol, Message: message, Err: err}
}

// StatusError classifies a non-success HTTP status. Auth statuses are
// reported as session expiry; callers that can refresh must check for
// them before calling this.
func StatusError(status int, message string) *ChatError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ChatError{Kind: KindSessionExpired, Status: status, Message: message}
	case status >= 500:
		return ServerError(status, message)
	default:
		return RequestFailed(status, message)
	}
}

// KindOf returns the Kind of err. Context cancellation and deadline
// errors are reported as KindAborted.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindAborted
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrServer):
		return KindServer
	case errors.Is(err, ErrAborted):
		return KindAborted
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrQueueOverflow):
		return KindQueueOverflow
	case errors.Is(err, ErrRequestFailed):
		return KindRequestFailed
	}
	return KindUnknown
}

// IsAborted reports whether err represents a cancellation.
func IsAborted(err error) bool {
	return KindOf(err) == KindAborted
}

// IsRetryable reports whether the user may retry the failed operation
// without re-authenticating.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer, KindRequestFailed, KindUnknown:
		return err != nil
	default:
		return false
	}
}

// UserMessage returns a human-readable description suitable for a
// dismissible notification.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindSessionExpired:
		return "Your session has expired. Please sign in again."
	case KindNetwork:
		return "Network error. Check your connection and try again."
	case KindServer:
		return "The server encountered an error. Please try again later."
	case KindRequestFailed:
		var ce *ChatError
		if errors.As(err, &ce) && ce.Message != "" {
			return ce.Message
		}
		return "The request failed. Please try again."
	case KindQueueOverflow:
		return "Too many pending messages. Older messages were dropped."
	case KindProtocol:
		return "Received an invalid response from the server."
	case KindAborted:
		return ""
	}
	if err == nil {
		return ""
	}
	return "Something went wrong. Please try again."
}
