// Package events provides the process-wide session event bus.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies a session event.
type Type string

const (
	// SessionExpired fires when credentials can no longer be refreshed.
	SessionExpired Type = "expired"
	// SessionRefreshed fires after a successful credential refresh.
	SessionRefreshed Type = "refreshed"
	// SessionExpiring fires when the session is close to expiry.
	SessionExpiring Type = "expiring"
	// SessionError fires on unexpected authentication failures.
	SessionError Type = "error"
)

func (t Type) valid() bool {
	switch t {
	case SessionExpired, SessionRefreshed, SessionExpiring, SessionError:
		return true
	}
	return false
}

// SessionEvent is delivered to subscribers.
type SessionEvent struct {
	Type      Type
	Reason    string
	Err       error
	Remaining time.Duration // time left until expiry, for SessionExpiring
	At        time.Time
}

// Handler receives session events.
type Handler func(SessionEvent)

type subscription struct {
	id int64
	fn Handler
}

// Bus dispatches session events to subscribers. Create one per process
// and pass it to the components that publish or react to events.
type Bus struct {
	mu     sync.Mutex
	nextID int64
	subs   map[Type][]subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Type][]subscription),
		logger: logger,
	}
}

// Subscribe registers fn for events of type t and returns a function that
// removes the subscription. Unknown types are ignored.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	if !t.valid() || fn == nil {
		b.logger.Warn("Ignoring subscription to unknown session event", "type", string(t))
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[t]
			for i, s := range list {
				if s.id == id {
					b.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to every current subscriber of ev.Type. Handlers run
// synchronously on the caller's goroutine; a panicking handler is logged
// and does not prevent delivery to the rest.
func (b *Bus) Emit(ev SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs[ev.Type]))
	copy(snapshot, b.subs[ev.Type])
	b.mu.Unlock()

	b.logger.Debug("Session event", "type", string(ev.Type), "reason", ev.Reason, "subscribers", len(snapshot))

	for _, s := range snapshot {
		b.dispatch(ev, s.fn)
	}
}

func (b *Bus) dispatch(ev SessionEvent, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Session event handler panicked", "type", string(ev.Type), "panic", r)
		}
	}()
	fn(ev)
}

// Reset removes all subscriptions.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Type][]subscription)
}

// Len returns the number of subscribers for t.
func (b *Bus) Len(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[t])
}
