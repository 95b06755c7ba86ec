package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/streamchat/internal/events"
	"github.com/ashureev/streamchat/internal/shared"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	ExpiryBuffer time.Duration
	Now          func() time.Time
}

// DefaultBrokerConfig returns default configuration.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ExpiryBuffer: DefaultExpiryBuffer,
		Now:          time.Now,
	}
}

// Broker hands out credentials that are not about to expire. Concurrent
// callers that need a refresh share a single in-flight refresh and all
// observe its result.
type Broker struct {
	provider IdentityProvider
	bus      *events.Bus
	cfg      BrokerConfig
	logger   *slog.Logger

	group      singleflight.Group
	refreshing atomic.Bool
	waiters    atomic.Int32
	refreshes  atomic.Int64
}

// NewBroker creates a broker over provider. Expiry and refresh events are
// published on bus.
func NewBroker(provider IdentityProvider, bus *events.Bus, cfg BrokerConfig, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	def := DefaultBrokerConfig()
	if cfg.ExpiryBuffer <= 0 {
		cfg.ExpiryBuffer = def.ExpiryBuffer
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Broker{
		provider: provider,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// AccessCredential returns a valid access token credential.
func (b *Broker) AccessCredential(ctx context.Context) (Credential, error) {
	return b.Credential(ctx, AccessToken)
}

// IDCredential returns a valid ID token credential.
func (b *Broker) IDCredential(ctx context.Context) (Credential, error) {
	return b.Credential(ctx, IDToken)
}

// Credential returns a credential of the given kind with at least the
// configured buffer of validity left, refreshing first when needed.
func (b *Broker) Credential(ctx context.Context, kind TokenKind) (Credential, error) {
	if b.refreshing.Load() {
		b.logger.Debug("Waiting for in-flight token refresh")
		sess, err := b.Refresh(ctx)
		if err != nil {
			return Credential{}, err
		}
		return b.pick(sess, kind), nil
	}

	sess, err := b.provider.CurrentSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Credential{}, shared.Aborted(ctx.Err())
		}
		if errors.Is(err, ErrNoPrincipal) {
			b.expire("session invalid", err)
			return Credential{}, shared.SessionExpired(0, err)
		}
		b.logger.Warn("Failed to read current session, refreshing", "error", err)
		return b.refreshFor(ctx, kind)
	}

	cred, err := ParseCredential(sess.Token(kind))
	if err != nil || cred.ExpiresWithin(b.cfg.ExpiryBuffer, b.cfg.Now()) {
		b.logger.Debug("Token expired or expiring soon, refreshing", "kind", kind.String())
		return b.refreshFor(ctx, kind)
	}
	return cred, nil
}

func (b *Broker) refreshFor(ctx context.Context, kind TokenKind) (Credential, error) {
	sess, err := b.Refresh(ctx)
	if err != nil {
		return Credential{}, err
	}
	return b.pick(sess, kind), nil
}

func (b *Broker) pick(sess Session, kind TokenKind) Credential {
	token := sess.Token(kind)
	cred, err := ParseCredential(token)
	if err != nil {
		// Opaque tokens are still usable as bearers.
		return Credential{Token: token}
	}
	return cred
}

// Refresh obtains a new session from the provider. At most one refresh
// runs at a time; callers arriving while one is in flight wait for it and
// receive the same session or the same error. A caller whose ctx ends
// stops waiting but does not cancel the shared refresh.
//
// Any failure is reported as a session expiry and published on the bus.
// Refresh never retries.
func (b *Broker) Refresh(ctx context.Context) (Session, error) {
	ch := b.group.DoChan(refreshKey, func() (any, error) {
		b.refreshing.Store(true)
		defer b.refreshing.Store(false)
		return b.doRefresh(context.WithoutCancel(ctx))
	})
	b.waiters.Add(1)

	select {
	case <-ctx.Done():
		b.waiters.Add(-1)
		return Session{}, shared.Aborted(ctx.Err())
	case res := <-ch:
		b.waiters.Add(-1)
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (b *Broker) doRefresh(ctx context.Context) (Session, error) {
	b.refreshes.Add(1)
	b.logger.Info("Refreshing token")

	if _, err := b.provider.CurrentAuthenticatedUser(ctx); err != nil {
		b.logger.Error("Token refresh failed", "stage", "current_user", "error", err)
		b.expire("refresh error", err)
		return Session{}, shared.SessionExpired(0, err)
	}
	current, err := b.provider.CurrentSession(ctx)
	if err != nil {
		b.logger.Error("Token refresh failed", "stage", "current_session", "error", err)
		b.expire("refresh error", err)
		return Session{}, shared.SessionExpired(0, err)
	}

	next, err := b.provider.RefreshSession(ctx, current.RefreshToken)
	if err != nil {
		b.logger.Error("Token refresh failed", "error", err)
		b.expire("refresh failed", err)
		return Session{}, shared.SessionExpired(0, err)
	}

	b.logger.Info("Token refreshed successfully")
	b.bus.Emit(events.SessionEvent{Type: events.SessionRefreshed, Reason: "refreshed"})
	return next, nil
}

func (b *Broker) expire(reason string, err error) {
	b.bus.Emit(events.SessionEvent{Type: events.SessionExpired, Reason: reason, Err: err})
}

// Expire publishes a session expiry on the bus. Collaborators use it when
// the server rejects a freshly refreshed credential.
func (b *Broker) Expire(reason string, err error) {
	b.expire(reason, err)
}

// TimeToExpire reports the remaining validity of the current access token.
func (b *Broker) TimeToExpire(ctx context.Context) (time.Duration, error) {
	sess, err := b.provider.CurrentSession(ctx)
	if err != nil {
		return 0, err
	}
	cred, err := ParseCredential(sess.AccessToken)
	if err != nil {
		return -1, nil
	}
	return cred.TimeToExpire(b.cfg.Now()), nil
}

// Provider returns the underlying identity provider.
func (b *Broker) Provider() IdentityProvider {
	return b.provider
}

// Refreshes returns how many refresh calls reached the provider.
func (b *Broker) Refreshes() int64 {
	return b.refreshes.Load()
}
