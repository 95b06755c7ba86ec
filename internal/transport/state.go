// Package transport carries chat traffic to the backend over a persistent
// websocket or over authenticated HTTP requests.
package transport

import (
	"math/rand/v2"
	"time"
)

// ConnectionState is the lifecycle state of a socket channel.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backoff computes reconnect delays: exponential growth from Base, capped
// at Max, plus a random fraction of up to Jitter on top. The final delay
// never exceeds Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns 1s base, 30s cap and 30% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.3}
}

// Delay returns the wait before reconnect attempt n (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	exp := b.Base
	for i := 0; i < attempt && (b.Max <= 0 || exp < b.Max); i++ {
		exp *= 2
	}
	if b.Max > 0 && exp > b.Max {
		exp = b.Max
	}

	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	d := exp + time.Duration(r()*b.Jitter*float64(exp))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Metrics is a snapshot of socket channel counters.
type Metrics struct {
	Latency          time.Duration
	MessagesQueued   int
	MessagesSent     int
	MessagesReceived int
	ReconnectCount   int
	LastConnectedAt  time.Time
}

// SendResult reports how Send handled a message.
type SendResult int

const (
	// Sent means the message was written to the open socket.
	Sent SendResult = iota
	// Queued means the message was stored for delivery on the next connect.
	Queued
)

func (r SendResult) String() string {
	if r == Sent {
		return "sent"
	}
	return "queued"
}
