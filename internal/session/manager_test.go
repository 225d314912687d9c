package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-client/internal/clock"
	"ticket-client/internal/services/identity"
	"ticket-client/internal/status"
	"ticket-client/internal/tokenstore"
	"ticket-client/internal/transport"
	"ticket-client/models"
)

// fakeIdentity mimics the user service. Only the most recently issued access
// token is accepted.
type fakeIdentity struct {
	mu           sync.Mutex
	valid        string
	issued       int
	refreshCalls int
	logoutCalls  int
	loginFail    bool
	registerFail bool
	refreshFail  bool
	logoutFail   bool
	// gate, when set, holds refresh responses until closed.
	gate chan struct{}
}

func (f *fakeIdentity) nextToken() string {
	f.issued++
	f.valid = fmt.Sprintf("acc-%d", f.issued)
	return f.valid
}

func (f *fakeIdentity) invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = ""
}

func (f *fakeIdentity) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeIdentity) logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

func (f *fakeIdentity) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/users/":
		f.mu.Lock()
		fail := f.registerFail
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"error":"username already exists"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"message":"User created successfully","data":{"id":"u-1","username":"alice"}}`)

	case "/api/v1/login":
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.loginFail {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"Invalid credentials"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":       "Login successful",
			"access_token":  f.nextToken(),
			"refresh_token": "ref-1",
			"expires_in":    900,
		})

	case "/api/v1/refresh":
		f.mu.Lock()
		f.refreshCalls++
		gate := f.gate
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.refreshFail {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"Invalid refresh token"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": f.nextToken(),
			"expires_in":   900,
		})

	case "/api/v1/logout":
		f.mu.Lock()
		f.logoutCalls++
		fail := f.logoutFail
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"Failed to logout"}`)
			return
		}
		io.WriteString(w, `{"message":"Logout successful"}`)

	case "/api/v1/users/auth":
		f.mu.Lock()
		valid := f.valid
		f.mu.Unlock()
		if valid == "" || r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"Invalid or expired token"}`)
			return
		}
		io.WriteString(w, `{"message":"ok","data":{"id":"u-1","username":"alice"}}`)

	default:
		http.NotFound(w, r)
	}
}

type fixture struct {
	fake  *fakeIdentity
	api   *identity.Client
	store *tokenstore.FileStore
	mgr   *Manager
}

func setupManager(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fake := &fakeIdentity{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tr := transport.New("identity", srv.URL)
	api := identity.NewClient(tr)
	store := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))

	mgr := NewManager(api, append([]Option{WithStore(store)}, opts...)...)
	tr.UseTokens(mgr)
	return &fixture{fake: fake, api: api, store: store, mgr: mgr}
}

func TestLogin_Success(t *testing.T) {
	fx := setupManager(t)
	var seen []State
	fx.mgr.OnChange(func(s State) { seen = append(seen, s) })

	id, err := fx.mgr.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, Authenticated, fx.mgr.State())
	assert.True(t, fx.mgr.IsAuthenticated())
	assert.Equal(t, "acc-1", fx.mgr.AccessToken())
	assert.Equal(t, []State{Authenticating, Authenticated}, seen)

	persisted, err := fx.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acc-1", persisted.AccessToken)
	assert.Equal(t, "ref-1", persisted.RefreshToken)
	assert.False(t, persisted.IssuedAt.IsZero())
}

func TestLogin_BadCredentials(t *testing.T) {
	fx := setupManager(t)
	fx.fake.loginFail = true

	_, err := fx.mgr.Login(context.Background(), "alice", "wrong")

	var se *status.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.Equal(t, Anonymous, fx.mgr.State())
	assert.Empty(t, fx.mgr.AccessToken())

	_, err = fx.store.Load(context.Background())
	assert.ErrorIs(t, err, tokenstore.ErrNoTokens)
}

func TestLogin_ReplacesExistingSession(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()

	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	_, err = fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, "acc-2", fx.mgr.AccessToken())
	assert.Equal(t, Authenticated, fx.mgr.State())
	assert.Equal(t, 1, fx.fake.logouts(), "replaced refresh token is revoked")
}

func TestLogin_ReplaceSurvivesServerLogoutFailure(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()

	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	fx.fake.mu.Lock()
	fx.fake.logoutFail = true
	fx.fake.mu.Unlock()

	_, err = fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.fake.logouts())
	assert.Equal(t, "acc-2", fx.mgr.AccessToken())
	assert.Equal(t, Authenticated, fx.mgr.State())
}

func TestLogin_FirstSessionRevokesNothing(t *testing.T) {
	fx := setupManager(t)

	_, err := fx.mgr.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, 0, fx.fake.logouts())
}

func TestRegister_LogsIn(t *testing.T) {
	fx := setupManager(t)

	id, err := fx.mgr.Register(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.ID)
	assert.Equal(t, Authenticated, fx.mgr.State())
}

func TestRegister_CreatedButLoginFailed(t *testing.T) {
	fx := setupManager(t)
	fx.fake.loginFail = true

	_, err := fx.mgr.Register(context.Background(), "alice", "s3cret")

	assert.ErrorIs(t, err, status.ErrRegisteredNotLoggedIn)
	assert.Equal(t, Anonymous, fx.mgr.State())
}

func TestRegister_Rejected(t *testing.T) {
	fx := setupManager(t)
	fx.fake.registerFail = true

	_, err := fx.mgr.Register(context.Background(), "alice", "s3cret")

	var se *status.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Status)
	assert.NotErrorIs(t, err, status.ErrRegisteredNotLoggedIn)
}

func TestConcurrentRejections_RefreshOnce(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	fx.fake.invalidate()

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.api.AuthenticatedIdentity(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, fx.fake.refreshes())
	assert.Equal(t, "acc-2", fx.mgr.AccessToken())
	assert.Equal(t, Authenticated, fx.mgr.State())

	persisted, err := fx.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acc-2", persisted.AccessToken)
	assert.Equal(t, "ref-1", persisted.RefreshToken)
}

func TestRefreshFrom_SharedFlight(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = fx.mgr.RefreshFrom(ctx, "acc-1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fx.fake.refreshes())
	for _, tok := range tokens {
		assert.Equal(t, "acc-2", tok)
	}
}

func TestRefreshFrom_StaleRejectionSkipsNetwork(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	tok, err := fx.mgr.RefreshFrom(ctx, "some-older-token")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", tok)
	assert.Equal(t, 0, fx.fake.refreshes())
}

func TestRefresh_FailureSignsOut(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	fx.fake.invalidate()
	fx.fake.mu.Lock()
	fx.fake.refreshFail = true
	fx.fake.mu.Unlock()

	_, err = fx.api.AuthenticatedIdentity(ctx)

	assert.ErrorIs(t, err, status.ErrAuthExpired)
	assert.Equal(t, Anonymous, fx.mgr.State())
	assert.Empty(t, fx.mgr.AccessToken())
	_, err = fx.store.Load(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNoTokens)

	_, err = fx.mgr.Identity(ctx)
	assert.ErrorIs(t, err, status.ErrNotAuthenticated)
}

func TestRefresh_StaleFailureKeepsNewerSession(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	fx.fake.invalidate()
	gate := make(chan struct{})
	fx.fake.mu.Lock()
	fx.fake.refreshFail = true
	fx.fake.gate = gate
	fx.fake.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := fx.mgr.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return fx.fake.refreshes() == 1 }, time.Second, 5*time.Millisecond)

	// Sign out and back in while the refresh of acc-1 is still in flight.
	require.NoError(t, fx.mgr.Logout(ctx))
	_, err = fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	require.Equal(t, "acc-2", fx.mgr.AccessToken())

	close(gate)
	assert.ErrorIs(t, <-done, status.ErrAuthExpired)

	assert.Equal(t, Authenticated, fx.mgr.State())
	assert.Equal(t, "acc-2", fx.mgr.AccessToken())
	persisted, err := fx.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acc-2", persisted.AccessToken)
}

func TestRefresh_WithoutSession(t *testing.T) {
	fx := setupManager(t)

	_, err := fx.mgr.Refresh(context.Background())
	assert.ErrorIs(t, err, status.ErrAuthExpired)
	assert.Equal(t, 0, fx.fake.refreshes())
}

func TestLogin_BusyWhileRefreshing(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	gate := make(chan struct{})
	fx.fake.mu.Lock()
	fx.fake.gate = gate
	fx.fake.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := fx.mgr.Refresh(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return fx.mgr.State() == Refreshing }, time.Second, 5*time.Millisecond)

	_, err = fx.mgr.Login(ctx, "alice", "s3cret")
	assert.ErrorIs(t, err, status.ErrSessionBusy)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, Authenticated, fx.mgr.State())
	assert.Equal(t, "acc-2", fx.mgr.AccessToken())
}

func TestRefresh_CallerCancelDoesNotAbortFlight(t *testing.T) {
	fx := setupManager(t)
	_, err := fx.mgr.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	gate := make(chan struct{})
	fx.fake.mu.Lock()
	fx.fake.gate = gate
	fx.fake.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fx.mgr.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return fx.fake.refreshes() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool { return fx.mgr.AccessToken() == "acc-2" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Authenticated, fx.mgr.State())
}

func TestLogout_IgnoresServerFailure(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	fx.fake.mu.Lock()
	fx.fake.logoutFail = true
	fx.fake.mu.Unlock()

	require.NoError(t, fx.mgr.Logout(ctx))
	assert.Equal(t, Anonymous, fx.mgr.State())
	assert.Empty(t, fx.mgr.AccessToken())
	_, err = fx.store.Load(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNoTokens)
}

func TestIdentity_Cached(t *testing.T) {
	fx := setupManager(t)
	ctx := context.Background()
	_, err := fx.mgr.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)

	// A cached identity needs no round trip even with a dead token.
	fx.fake.invalidate()
	id, err := fx.mgr.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, 0, fx.fake.refreshes())
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  "u-1",
		"username": "alice",
		"exp":      exp.Unix(),
	}).SignedString([]byte("server-only-secret"))
	require.NoError(t, err)
	return tok
}

func TestRestore_NothingPersisted(t *testing.T) {
	fx := setupManager(t)

	_, err := fx.mgr.Restore(context.Background())
	assert.ErrorIs(t, err, status.ErrNotAuthenticated)
	assert.Equal(t, Anonymous, fx.mgr.State())
}

func TestRestore_ValidToken(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	fx := setupManager(t, WithClock(clock.NewManual(now)))
	ctx := context.Background()

	access := signedToken(t, now.Add(10*time.Minute))
	fx.fake.valid = access
	require.NoError(t, fx.store.Save(ctx, &models.TokenPair{AccessToken: access, RefreshToken: "ref-1", ExpiresIn: 900}))

	id, err := fx.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, Authenticated, fx.mgr.State())
	assert.Equal(t, access, fx.mgr.AccessToken())
	assert.Equal(t, 0, fx.fake.refreshes())
}

func TestRestore_ExpiredTokenRefreshesFirst(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	fx := setupManager(t, WithClock(clock.NewManual(now)))
	ctx := context.Background()

	access := signedToken(t, now.Add(-time.Minute))
	require.NoError(t, fx.store.Save(ctx, &models.TokenPair{AccessToken: access, RefreshToken: "ref-1", ExpiresIn: 900}))

	_, err := fx.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.fake.refreshes())
	assert.Equal(t, "acc-1", fx.mgr.AccessToken())
	assert.Equal(t, Authenticated, fx.mgr.State())
}

func TestRestore_RefreshRejectedClearsStore(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	fx := setupManager(t, WithClock(clock.NewManual(now)))
	ctx := context.Background()
	fx.fake.refreshFail = true

	access := signedToken(t, now.Add(-time.Minute))
	require.NoError(t, fx.store.Save(ctx, &models.TokenPair{AccessToken: access, RefreshToken: "ref-revoked"}))

	_, err := fx.mgr.Restore(ctx)
	assert.ErrorIs(t, err, status.ErrAuthExpired)
	assert.Equal(t, Anonymous, fx.mgr.State())
	_, err = fx.store.Load(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNoTokens)
}

func TestRestore_OpaqueTokenUsesLocalExpiry(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	fx := setupManager(t, WithClock(clock.NewManual(now)))
	ctx := context.Background()

	pair := &models.TokenPair{AccessToken: "opaque", RefreshToken: "ref-1", ExpiresIn: 900, IssuedAt: now.Add(-time.Hour)}
	require.NoError(t, fx.store.Save(ctx, pair))

	_, err := fx.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.fake.refreshes())
	assert.True(t, strings.HasPrefix(fx.mgr.AccessToken(), "acc-"))
}
