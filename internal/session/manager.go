// Package session owns the access/refresh token pair and the signed-in
// identity, and coalesces concurrent token refreshes into one.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ticket-client/internal/clock"
	"ticket-client/internal/status"
	"ticket-client/internal/tokenstore"
	"ticket-client/monitoring"
	"ticket-client/models"
)

type State string

const (
	Anonymous      State = "ANONYMOUS"
	Authenticating State = "AUTHENTICATING"
	Authenticated  State = "AUTHENTICATED"
	Refreshing     State = "REFRESHING"
)

// IdentityAPI is the part of the identity service the session needs.
type IdentityAPI interface {
	Register(ctx context.Context, username, password string) (*models.Identity, error)
	Login(ctx context.Context, username, password string) (*models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*models.AccessGrant, error)
	Logout(ctx context.Context, refreshToken string) error
	AuthenticatedIdentity(ctx context.Context) (*models.Identity, error)
	IdentityWithToken(ctx context.Context, token string) (*models.Identity, error)
}

type Manager struct {
	api     IdentityAPI
	store   tokenstore.Store
	clock   clock.Clock
	logger  *zap.Logger
	monitor *monitoring.Monitor

	refreshTimeout time.Duration
	// expirySkew treats an access token as expired this long before its
	// exp claim.
	expirySkew time.Duration

	// tokens is the committed pair; nil when signed out.
	tokens atomic.Pointer[models.TokenPair]
	flight singleflight.Group

	mu        sync.Mutex
	state     State
	identity  *models.Identity
	listeners []func(State)
}

type Option func(*Manager)

// WithStore persists the token pair across restarts.
func WithStore(s tokenstore.Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMonitor(mon *monitoring.Monitor) Option {
	return func(m *Manager) { m.monitor = mon }
}

// WithRefreshTimeout bounds a single refresh call. The refresh runs detached
// from any one caller's context since its outcome is shared.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

func WithExpirySkew(d time.Duration) Option {
	return func(m *Manager) { m.expirySkew = d }
}

func NewManager(api IdentityAPI, opts ...Option) *Manager {
	m := &Manager{
		api:            api,
		clock:          clock.NewSystem(),
		logger:         zap.NewNop(),
		refreshTimeout: 10 * time.Second,
		expirySkew:     5 * time.Second,
		state:          Anonymous,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.monitor.SetSessionState(string(Anonymous))
	return m
}

// OnChange registers fn to be called after every state change.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether a token pair is held and not mid-login.
func (m *Manager) IsAuthenticated() bool {
	switch m.State() {
	case Authenticated, Refreshing:
		return m.tokens.Load() != nil
	}
	return false
}

// AccessToken returns the latest committed access token, or "".
func (m *Manager) AccessToken() string {
	if p := m.tokens.Load(); p != nil {
		return p.AccessToken
	}
	return ""
}

// Tokens returns a copy of the committed pair, or nil.
func (m *Manager) Tokens() *models.TokenPair {
	p := m.tokens.Load()
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Login signs in and replaces any existing session. The replaced refresh
// token is revoked on a best-effort basis. On failure the session is left
// ANONYMOUS with nothing retained.
func (m *Manager) Login(ctx context.Context, username, password string) (*models.Identity, error) {
	replaced, err := m.beginAuthentication()
	if err != nil {
		return nil, fmt.Errorf("session.Login: %w", err)
	}
	m.revoke(ctx, replaced, "server logout of replaced session failed")

	pair, err := m.api.Login(ctx, username, password)
	if err != nil {
		m.clear(ctx)
		return nil, fmt.Errorf("session.Login: %w", err)
	}
	pair.IssuedAt = m.clock.Now()

	id, err := m.api.IdentityWithToken(ctx, pair.AccessToken)
	if err != nil {
		m.clear(ctx)
		return nil, fmt.Errorf("session.Login: identity: %w", err)
	}

	m.tokens.Store(pair)
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
	m.transition(Authenticated)
	m.persist(ctx, pair)

	m.logger.Info("signed in", zap.String("user_id", id.ID), zap.String("username", id.Username))
	return cloneIdentity(id), nil
}

// Register creates the account and signs in with the same credentials. If
// the account was created but sign-in failed the error wraps
// status.ErrRegisteredNotLoggedIn; registering again would fail.
func (m *Manager) Register(ctx context.Context, username, password string) (*models.Identity, error) {
	if s := m.State(); s == Authenticating || s == Refreshing {
		return nil, fmt.Errorf("session.Register: %w", status.ErrSessionBusy)
	}

	if _, err := m.api.Register(ctx, username, password); err != nil {
		return nil, fmt.Errorf("session.Register: %w", err)
	}

	id, err := m.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("session.Register: %w: %w", status.ErrRegisteredNotLoggedIn, err)
	}
	return id, nil
}

// Refresh mints a new access token. Concurrent calls share one refresh.
// On failure the session is cleared and the error wraps status.ErrAuthExpired.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.RefreshFrom(ctx, m.AccessToken())
}

// RefreshFrom refreshes only if rejected is still the current access token;
// otherwise another caller already replaced it and the current one is
// returned without a network call.
func (m *Manager) RefreshFrom(ctx context.Context, rejected string) (string, error) {
	cur := m.tokens.Load()
	if cur == nil || cur.RefreshToken == "" {
		return "", fmt.Errorf("session.Refresh: %w", status.ErrAuthExpired)
	}
	if cur.AccessToken != rejected {
		return cur.AccessToken, nil
	}

	ch := m.flight.DoChan("refresh", func() (interface{}, error) {
		return m.doRefresh(rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) doRefresh(rejected string) (string, error) {
	cur := m.tokens.Load()
	if cur == nil || cur.RefreshToken == "" {
		return "", fmt.Errorf("session.Refresh: %w", status.ErrAuthExpired)
	}
	if cur.AccessToken != rejected {
		// Replaced between the caller's check and this flight starting.
		return cur.AccessToken, nil
	}

	prev := m.transition(Refreshing)

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	grant, err := m.api.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		m.monitor.TrackRefresh("failure")
		if !m.tokens.CompareAndSwap(cur, nil) {
			// The pair was replaced meanwhile; its session is not ours to end.
			m.logger.Debug("discarding failed refresh of a replaced session", zap.Error(err))
			return "", fmt.Errorf("session.Refresh: %w: %v", status.ErrAuthExpired, err)
		}
		m.logger.Warn("token refresh failed, signing out", zap.Error(err))
		m.signOut(ctx)
		return "", fmt.Errorf("session.Refresh: %w: %v", status.ErrAuthExpired, err)
	}
	m.monitor.TrackRefresh("success")

	next := &models.TokenPair{
		AccessToken:  grant.AccessToken,
		RefreshToken: cur.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
		IssuedAt:     m.clock.Now(),
	}
	if !m.tokens.CompareAndSwap(cur, next) {
		// Logged out or signed in again while the refresh was in flight.
		if latest := m.tokens.Load(); latest != nil {
			return latest.AccessToken, nil
		}
		return "", fmt.Errorf("session.Refresh: %w", status.ErrAuthExpired)
	}

	if prev == Authenticating {
		m.transition(Authenticating)
	} else {
		m.transition(Authenticated)
	}
	m.persist(ctx, next)

	m.logger.Debug("access token refreshed")
	return next.AccessToken, nil
}

// Identity returns the signed-in identity, fetching it with the current
// access token when it is not cached.
func (m *Manager) Identity(ctx context.Context) (*models.Identity, error) {
	m.mu.Lock()
	if m.state == Authenticated && m.identity != nil {
		id := cloneIdentity(m.identity)
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	if m.tokens.Load() == nil {
		return nil, fmt.Errorf("session.Identity: %w", status.ErrNotAuthenticated)
	}

	id, err := m.api.AuthenticatedIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("session.Identity: %w", err)
	}

	if m.tokens.Load() == nil {
		return nil, fmt.Errorf("session.Identity: %w", status.ErrNotAuthenticated)
	}
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
	if m.State() != Refreshing {
		m.transition(Authenticated)
	}
	return cloneIdentity(id), nil
}

// Logout tells the identity service to drop the refresh token, ignoring any
// failure, then clears the local session unconditionally.
func (m *Manager) Logout(ctx context.Context) error {
	m.revoke(ctx, m.tokens.Load(), "server logout failed, clearing local session anyway")
	return m.clear(ctx)
}

func (m *Manager) revoke(ctx context.Context, pair *models.TokenPair, failMsg string) {
	if pair == nil || pair.RefreshToken == "" {
		return
	}
	if err := m.api.Logout(ctx, pair.RefreshToken); err != nil {
		m.logger.Info(failMsg, zap.Error(err))
	}
}

// Expire drops the session after the server rejected a freshly refreshed
// token.
func (m *Manager) Expire(ctx context.Context, cause error) {
	m.logger.Warn("session expired", zap.Error(cause))
	m.clear(ctx)
}

// Restore resumes a persisted session. An access token past its exp claim is
// refreshed first; the pair is then validated against the identity service.
// Any failure clears the persisted pair.
func (m *Manager) Restore(ctx context.Context) (*models.Identity, error) {
	if m.store == nil {
		return nil, fmt.Errorf("session.Restore: %w", status.ErrNotAuthenticated)
	}

	pair, err := m.store.Load(ctx)
	if errors.Is(err, tokenstore.ErrNoTokens) {
		return nil, fmt.Errorf("session.Restore: %w", status.ErrNotAuthenticated)
	}
	if err != nil {
		m.logger.Warn("persisted session unreadable, discarding", zap.Error(err))
		m.clear(ctx)
		return nil, fmt.Errorf("session.Restore: %w", err)
	}

	if _, err := m.beginAuthentication(); err != nil {
		return nil, fmt.Errorf("session.Restore: %w", err)
	}
	m.tokens.Store(pair)

	if m.accessExpired(pair) {
		if _, err := m.RefreshFrom(ctx, pair.AccessToken); err != nil {
			m.clear(ctx)
			return nil, fmt.Errorf("session.Restore: %w", err)
		}
	}

	id, err := m.api.AuthenticatedIdentity(ctx)
	if err != nil {
		m.clear(ctx)
		return nil, fmt.Errorf("session.Restore: %w", err)
	}

	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
	m.transition(Authenticated)

	m.logger.Info("session restored", zap.String("username", id.Username))
	return cloneIdentity(id), nil
}

// accessExpired reads the exp claim without verifying the signature; the
// client has no key and only needs to skip a request it knows will fail.
func (m *Manager) accessExpired(pair *models.TokenPair) bool {
	now := m.clock.Now().Add(m.expirySkew)

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(pair.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return !now.Before(claims.ExpiresAt.Time)
	}

	if exp := pair.ExpiresAt(); !exp.IsZero() {
		return !now.Before(exp)
	}
	return false
}

// beginAuthentication drops the current session and returns the pair it
// held, if any.
func (m *Manager) beginAuthentication() (*models.TokenPair, error) {
	m.mu.Lock()
	if m.state == Authenticating || m.state == Refreshing {
		m.mu.Unlock()
		return nil, status.ErrSessionBusy
	}
	replaced := m.tokens.Swap(nil)
	m.identity = nil
	m.mu.Unlock()

	m.transition(Authenticating)
	return replaced, nil
}

// clear drops tokens and identity, deletes the persisted pair and returns to
// ANONYMOUS.
func (m *Manager) clear(ctx context.Context) error {
	m.tokens.Store(nil)
	return m.signOut(ctx)
}

// signOut is clear for a caller that already dropped the tokens.
func (m *Manager) signOut(ctx context.Context) error {
	m.mu.Lock()
	m.identity = nil
	m.mu.Unlock()
	m.transition(Anonymous)

	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("failed to clear persisted session", zap.Error(err))
		return fmt.Errorf("session: clear store: %w", err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, pair *models.TokenPair) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, pair); err != nil {
		m.logger.Error("failed to persist session", zap.Error(err))
	}
}

// transition sets the state and returns the previous one. Listeners run
// outside the lock.
func (m *Manager) transition(to State) State {
	m.mu.Lock()
	from := m.state
	m.state = to
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	if from != to {
		m.monitor.SetSessionState(string(to))
		for _, fn := range listeners {
			fn(to)
		}
	}
	return from
}

func cloneIdentity(id *models.Identity) *models.Identity {
	cp := *id
	return &cp
}
