package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/events"
)

// SessionStatus is the monitor's view of the session.
type SessionStatus string

const (
	StatusUnknown  SessionStatus = "unknown"
	StatusValid    SessionStatus = "valid"
	StatusExpiring SessionStatus = "expiring"
	StatusExpired  SessionStatus = "expired"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Interval         time.Duration
	WarningThreshold time.Duration
}

// DefaultMonitorConfig returns default configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         5 * time.Minute,
		WarningThreshold: 5 * time.Minute,
	}
}

// Monitor periodically validates the session. It publishes a single
// SessionExpiring warning per token once the remaining validity drops
// under the threshold and tries a refresh once the token has lapsed.
type Monitor struct {
	broker *Broker
	bus    *events.Bus
	cfg    MonitorConfig
	logger *slog.Logger

	mu     sync.Mutex
	status SessionStatus
	ttl    time.Duration
	warned bool
}

// NewMonitor creates a session monitor.
func NewMonitor(broker *Broker, bus *events.Bus, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}
	return &Monitor{
		broker: broker,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		status: StatusUnknown,
	}
}

// Run validates immediately and then on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	unsubExpired := m.bus.Subscribe(events.SessionExpired, func(events.SessionEvent) {
		m.set(StatusExpired, 0)
	})
	defer unsubExpired()

	refreshed := make(chan struct{}, 1)
	unsubRefreshed := m.bus.Subscribe(events.SessionRefreshed, func(events.SessionEvent) {
		m.mu.Lock()
		m.warned = false
		m.mu.Unlock()
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})
	defer unsubRefreshed()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Validate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Validate(ctx)
		case <-refreshed:
			m.Validate(ctx)
		}
	}
}

// Validate checks the session once and returns the resulting status.
func (m *Monitor) Validate(ctx context.Context) SessionStatus {
	if _, err := m.broker.Provider().CurrentAuthenticatedUser(ctx); err != nil {
		if errors.Is(err, ErrNoPrincipal) {
			m.logger.Info("Session validation found no authenticated user")
		} else {
			m.logger.Warn("Session validation failed", "error", err)
		}
		m.expire("session invalid", err)
		return StatusExpired
	}

	ttl, err := m.broker.TimeToExpire(ctx)
	if err != nil {
		m.logger.Warn("Session validation failed", "error", err)
		m.expire("session invalid", err)
		return StatusExpired
	}

	if ttl <= 0 {
		m.logger.Info("Access token expired, attempting refresh")
		// A failed refresh publishes the expiry itself.
		if _, err := m.broker.Refresh(ctx); err != nil {
			m.set(StatusExpired, 0)
			return StatusExpired
		}
		if ttl, err = m.broker.TimeToExpire(ctx); err != nil || ttl <= 0 {
			m.expire("token expired", err)
			return StatusExpired
		}
	}

	m.mu.Lock()
	m.ttl = ttl
	if ttl > m.cfg.WarningThreshold {
		m.status = StatusValid
		m.warned = false
		m.mu.Unlock()
		return StatusValid
	}
	m.status = StatusExpiring
	first := !m.warned
	m.warned = true
	m.mu.Unlock()

	if first {
		m.logger.Warn("Session expiring soon", "remaining", ttl.Round(time.Second))
		m.bus.Emit(events.SessionEvent{Type: events.SessionExpiring, Reason: "expiring", Remaining: ttl})
	}
	return StatusExpiring
}

// Status returns the last observed status and remaining validity.
func (m *Monitor) Status() (SessionStatus, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.ttl
}

// expire marks the session expired and publishes SessionExpired on the
// transition only.
func (m *Monitor) expire(reason string, err error) {
	m.mu.Lock()
	already := m.status == StatusExpired
	m.status = StatusExpired
	m.ttl = 0
	m.mu.Unlock()
	if !already {
		m.broker.Expire(reason, err)
	}
}

func (m *Monitor) set(s SessionStatus, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
	m.ttl = ttl
}
