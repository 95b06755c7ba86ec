package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/events"
	"github.com/ashureev/streamchat/internal/shared"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      sub,
		"username": "alice",
		"exp":      exp.Unix(),
		"jti":      time.Now().String() + sub,
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type fakeProvider struct {
	mu       sync.Mutex
	session  Session
	noUser   bool
	started  chan struct{}
	release  chan struct{}
	next     func() (Session, error)
	refreshN atomic.Int32
}

func (p *fakeProvider) CurrentSession(context.Context) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noUser {
		return Session{}, ErrNoPrincipal
	}
	return p.session, nil
}

func (p *fakeProvider) CurrentAuthenticatedUser(context.Context) (*domain.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noUser {
		return nil, ErrNoPrincipal
	}
	return &domain.User{UserID: "u1"}, nil
}

func (p *fakeProvider) RefreshSession(context.Context, string) (Session, error) {
	p.refreshN.Add(1)
	if p.started != nil {
		close(p.started)
	}
	if p.release != nil {
		<-p.release
	}
	s, err := p.next()
	if err != nil {
		return Session{}, err
	}
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
	return s, nil
}

func TestParseCredential(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred, err := ParseCredential(signedToken(t, "u1", exp))
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.Equal(exp))

	now := exp.Add(-2 * time.Minute)
	assert.False(t, cred.ExpiresWithin(DefaultExpiryBuffer, now))
	assert.True(t, cred.ExpiresWithin(DefaultExpiryBuffer, exp.Add(-30*time.Second)))
	assert.Equal(t, 2*time.Minute, cred.TimeToExpire(now))

	_, err = ParseCredential("not-a-jwt")
	assert.Error(t, err)
	assert.True(t, Credential{Token: "opaque"}.ExpiresWithin(0, now))
}

func TestBrokerReturnsCachedCredential(t *testing.T) {
	t.Parallel()

	token := signedToken(t, "u1", time.Now().Add(time.Hour))
	p := &fakeProvider{session: Session{AccessToken: token, IDToken: token, RefreshToken: "r"}}
	b := NewBroker(p, events.NewBus(nil), BrokerConfig{}, nil)

	cred, err := b.AccessCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, cred.Token)
	assert.Zero(t, p.refreshN.Load())
}

func TestBrokerRefreshesInsideBuffer(t *testing.T) {
	t.Parallel()

	fresh := signedToken(t, "u1", time.Now().Add(time.Hour))
	p := &fakeProvider{
		session: Session{AccessToken: signedToken(t, "u1", time.Now().Add(30*time.Second)), RefreshToken: "r"},
		next:    func() (Session, error) { return Session{AccessToken: fresh, IDToken: fresh, RefreshToken: "r2"}, nil },
	}
	bus := events.NewBus(nil)
	refreshed := 0
	bus.Subscribe(events.SessionRefreshed, func(events.SessionEvent) { refreshed++ })
	b := NewBroker(p, bus, BrokerConfig{}, nil)

	cred, err := b.AccessCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, cred.Token)
	assert.EqualValues(t, 1, p.refreshN.Load())
	assert.Equal(t, 1, refreshed)
}

func TestBrokerConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()

	const callers = 20
	fresh := signedToken(t, "u1", time.Now().Add(time.Hour))
	p := &fakeProvider{
		session: Session{AccessToken: signedToken(t, "u1", time.Now().Add(10*time.Second)), RefreshToken: "r"},
		started: make(chan struct{}),
		release: make(chan struct{}),
		next:    func() (Session, error) { return Session{AccessToken: fresh, RefreshToken: "r2"}, nil },
	}
	b := NewBroker(p, events.NewBus(nil), BrokerConfig{}, nil)

	results := make([]Credential, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = b.AccessCredential(context.Background())
		}()
	}

	<-p.started
	require.Eventually(t, func() bool { return b.waiters.Load() == callers }, 2*time.Second, time.Millisecond)
	close(p.release)
	wg.Wait()

	assert.EqualValues(t, 1, p.refreshN.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, fresh, results[i].Token)
	}
}

func TestBrokerRefreshFailureExpiresSession(t *testing.T) {
	t.Parallel()

	const callers = 5
	p := &fakeProvider{
		session: Session{AccessToken: signedToken(t, "u1", time.Now().Add(-time.Minute)), RefreshToken: "r"},
		started: make(chan struct{}),
		release: make(chan struct{}),
		next:    func() (Session, error) { return Session{}, errors.New("invalid_grant") },
	}
	bus := events.NewBus(nil)
	var expired atomic.Int32
	bus.Subscribe(events.SessionExpired, func(events.SessionEvent) { expired.Add(1) })
	b := NewBroker(p, bus, BrokerConfig{}, nil)

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = b.AccessCredential(context.Background())
		}()
	}
	<-p.started
	require.Eventually(t, func() bool { return b.waiters.Load() == callers }, 2*time.Second, time.Millisecond)
	close(p.release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, shared.ErrSessionExpired)
		assert.Same(t, errs[0], err)
	}
	assert.EqualValues(t, 1, expired.Load())
	assert.EqualValues(t, 1, p.refreshN.Load())
}

func TestBrokerNoPrincipal(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	expired := 0
	bus.Subscribe(events.SessionExpired, func(events.SessionEvent) { expired++ })
	b := NewBroker(&fakeProvider{noUser: true}, bus, BrokerConfig{}, nil)

	_, err := b.AccessCredential(context.Background())
	require.ErrorIs(t, err, shared.ErrSessionExpired)
	assert.Equal(t, 1, expired)
}

func TestBrokerWaiterCancellationDoesNotCancelRefresh(t *testing.T) {
	t.Parallel()

	fresh := signedToken(t, "u1", time.Now().Add(time.Hour))
	p := &fakeProvider{
		session: Session{AccessToken: signedToken(t, "u1", time.Now()), RefreshToken: "r"},
		started: make(chan struct{}),
		release: make(chan struct{}),
		next:    func() (Session, error) { return Session{AccessToken: fresh}, nil },
	}
	b := NewBroker(p, events.NewBus(nil), BrokerConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.AccessCredential(ctx)
		done <- err
	}()
	<-p.started
	cancel()
	require.ErrorIs(t, <-done, shared.ErrAborted)

	close(p.release)
	require.Eventually(t, func() bool {
		s, _ := p.CurrentSession(context.Background())
		return s.AccessToken == fresh
	}, 2*time.Second, time.Millisecond)
}

func TestClientRetriesOnceAfterUnauthorized(t *testing.T) {
	t.Parallel()

	stale := signedToken(t, "u1", time.Now().Add(time.Hour))
	fresh := signedToken(t, "u1", time.Now().Add(2*time.Hour))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+fresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &fakeProvider{
		session: Session{AccessToken: stale, RefreshToken: "r"},
		next:    func() (Session, error) { return Session{AccessToken: fresh, RefreshToken: "r"}, nil },
	}
	c := NewClient(NewBroker(p, events.NewBus(nil), BrokerConfig{}, nil), srv.Client(), nil)

	resp, err := c.Do(context.Background(), getRequest(srv.URL), AccessToken)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, 1, p.refreshN.Load())
}

func TestClientSecondRejectionExpiresSession(t *testing.T) {
	t.Parallel()

	token := signedToken(t, "u1", time.Now().Add(time.Hour))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := &fakeProvider{
		session: Session{AccessToken: token, RefreshToken: "r"},
		next:    func() (Session, error) { return Session{AccessToken: token, RefreshToken: "r"}, nil },
	}
	bus := events.NewBus(nil)
	var reasons []string
	bus.Subscribe(events.SessionExpired, func(ev events.SessionEvent) { reasons = append(reasons, ev.Reason) })
	c := NewClient(NewBroker(p, bus, BrokerConfig{}, nil), srv.Client(), nil)

	_, err := c.Do(context.Background(), getRequest(srv.URL), AccessToken)
	require.ErrorIs(t, err, shared.ErrSessionExpired)

	var ce *shared.ChatError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusForbidden, ce.Status)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, []string{"HTTP 403"}, reasons)
}

func TestClientUsesIDTokenWhenAsked(t *testing.T) {
	t.Parallel()

	access := signedToken(t, "access", time.Now().Add(time.Hour))
	id := signedToken(t, "id", time.Now().Add(time.Hour))
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	p := &fakeProvider{session: Session{AccessToken: access, IDToken: id}}
	c := NewClient(NewBroker(p, events.NewBus(nil), BrokerConfig{}, nil), srv.Client(), nil)

	resp, err := c.Do(context.Background(), getRequest(srv.URL), IDToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer "+id, <-got)
}

func TestClientCancellationIsAborted(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	p := &fakeProvider{session: Session{AccessToken: signedToken(t, "u1", time.Now().Add(time.Hour))}}
	c := NewClient(NewBroker(p, events.NewBus(nil), BrokerConfig{}, nil), srv.Client(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, getRequest(srv.URL), AccessToken)

	require.ErrorIs(t, err, shared.ErrAborted)
	assert.Zero(t, p.refreshN.Load())
}

func TestClientNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := &fakeProvider{session: Session{AccessToken: signedToken(t, "u1", time.Now().Add(time.Hour))}}
	c := NewClient(NewBroker(p, events.NewBus(nil), BrokerConfig{}, nil), nil, nil)

	_, err := c.Do(context.Background(), getRequest(url), AccessToken)
	require.ErrorIs(t, err, shared.ErrNetwork)
	assert.Zero(t, p.refreshN.Load())
}

func TestOAuthProviderRefresh(t *testing.T) {
	t.Parallel()

	access := signedToken(t, "u1", time.Now().Add(time.Hour))
	id := signedToken(t, "u1", time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "r1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": access,
			"id_token":     id,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := NewOAuthProvider(OAuthProviderConfig{TokenURL: srv.URL, ClientID: "cli", HTTPClient: srv.Client()},
		Session{RefreshToken: "r1"}, nil)

	sess, err := p.RefreshSession(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, access, sess.AccessToken)
	assert.Equal(t, id, sess.IDToken)
	assert.Equal(t, "r1", sess.RefreshToken)

	user, err := p.CurrentAuthenticatedUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)
	assert.Equal(t, "alice", user.Username)

	p.SignOut()
	_, err = p.CurrentSession(context.Background())
	assert.ErrorIs(t, err, ErrNoPrincipal)
}

func TestMonitorWarnsOnce(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: Session{AccessToken: signedToken(t, "u1", time.Now().Add(3*time.Minute))}}
	bus := events.NewBus(nil)
	warnings := 0
	bus.Subscribe(events.SessionExpiring, func(events.SessionEvent) { warnings++ })
	m := NewMonitor(NewBroker(p, bus, BrokerConfig{}, nil), bus, MonitorConfig{}, nil)

	assert.Equal(t, StatusExpiring, m.Validate(context.Background()))
	assert.Equal(t, StatusExpiring, m.Validate(context.Background()))
	assert.Equal(t, 1, warnings)

	p.mu.Lock()
	p.session.AccessToken = signedToken(t, "u1", time.Now().Add(time.Hour))
	p.mu.Unlock()
	assert.Equal(t, StatusValid, m.Validate(context.Background()))

	p.mu.Lock()
	p.noUser = true
	p.mu.Unlock()
	assert.Equal(t, StatusExpired, m.Validate(context.Background()))
}

func TestMonitorExpiresSessionWithoutPrincipal(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: Session{AccessToken: signedToken(t, "u1", time.Now().Add(time.Hour))}}
	bus := events.NewBus(nil)
	var expired []events.SessionEvent
	bus.Subscribe(events.SessionExpired, func(ev events.SessionEvent) { expired = append(expired, ev) })
	m := NewMonitor(NewBroker(p, bus, BrokerConfig{}, nil), bus, MonitorConfig{}, nil)

	assert.Equal(t, StatusValid, m.Validate(context.Background()))
	assert.Empty(t, expired)

	p.mu.Lock()
	p.noUser = true
	p.mu.Unlock()
	assert.Equal(t, StatusExpired, m.Validate(context.Background()))
	assert.Equal(t, StatusExpired, m.Validate(context.Background()))

	require.Len(t, expired, 1)
	assert.Equal(t, "session invalid", expired[0].Reason)
	assert.ErrorIs(t, expired[0].Err, ErrNoPrincipal)
	status, ttl := m.Status()
	assert.Equal(t, StatusExpired, status)
	assert.Zero(t, ttl)
}

func getRequest(url string) RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}
