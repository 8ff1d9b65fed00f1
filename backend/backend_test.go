package backend_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/backend"
	"github.com/jmcleod/warden/fork"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/lock"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	server *backend.Server
	http   *httptest.Server
	clock  *clock
	alerts []backend.AlertEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: time.Unix(1700000000, 0)}}
	f.server = backend.New(
		backend.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		backend.WithClock(f.clock.Now),
		backend.WithArgon2idParams(util.LightArgon2idParams()),
		backend.WithRegistry(prometheus.NewRegistry()),
		backend.WithAlertFunc(func(e backend.AlertEvent) { f.alerts = append(f.alerts, e) }),
	)
	f.http = httptest.NewServer(f.server.Router())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) client() *api.Client {
	return api.New(f.http.URL,
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithKeyDerivation(util.LightArgon2idParams()))
}

// login returns a client authenticated as a fresh user.
func (f *fixture) login(t *testing.T, name string) *api.Client {
	t.Helper()
	_, err := f.server.AddUser(name, "correct horse")
	require.NoError(t, err)

	c := f.client()
	s, err := c.Authenticate(context.Background(), name, "correct horse")
	require.NoError(t, err)
	c.SetCredentials(api.Credentials{UID: s.UID, AccessToken: s.AccessToken, RefreshToken: s.RefreshToken})
	return c
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, err := f.server.AddUser("alice", "correct horse")
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		s, err := f.client().Authenticate(ctx, "alice", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, userID, s.UserID)
		assert.NotEmpty(t, s.UID)
		assert.NotEmpty(t, s.KeyPassword)

		again, err := f.client().Authenticate(ctx, "alice", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, s.KeyPassword, again.KeyPassword, "key password is stable across logins")
		assert.NotEqual(t, s.UID, again.UID)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, err := f.client().Authenticate(ctx, "alice", "wrong")
		assert.True(t, api.IsStatus(err, http.StatusUnprocessableEntity))
	})

	t.Run("DuplicateUser", func(t *testing.T) {
		_, err := f.server.AddUser("alice", "x")
		assert.Error(t, err)
	})

	t.Run("RateLimited", func(t *testing.T) {
		_, err := f.server.AddUser("bob", "pw")
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, _ = f.client().Authenticate(ctx, "bob", "wrong")
		}
		_, err = f.client().Authenticate(ctx, "bob", "pw")
		assert.True(t, api.IsStatus(err, http.StatusTooManyRequests))
	})
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t, "alice")

	_, err := c.GetUser(ctx)
	require.NoError(t, err)

	t.Run("MissingCredentials", func(t *testing.T) {
		_, err := f.client().GetUser(ctx)
		assert.True(t, api.IsStatus(err, http.StatusUnauthorized))
	})

	t.Run("ExpiredAccessTokenIsRefreshed", func(t *testing.T) {
		before := c.Credentials()
		require.True(t, f.server.ExpireAccessToken(before.UID))

		_, err := c.GetUser(ctx)
		require.NoError(t, err)
		after := c.Credentials()
		assert.Equal(t, before.UID, after.UID)
		assert.NotEqual(t, before.AccessToken, after.AccessToken)
		assert.NotEqual(t, before.RefreshToken, after.RefreshToken)
	})

	t.Run("Logout", func(t *testing.T) {
		sessions := f.server.Sessions()
		require.NoError(t, c.Revoke(ctx))
		assert.Equal(t, sessions-1, f.server.Sessions())
	})
}

func TestLocalKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t, "alice")

	_, err := c.GetLocalKey(ctx)
	assert.True(t, api.IsStatus(err, http.StatusNotFound))

	raw, err := util.RandomBytes(32)
	require.NoError(t, err)
	creds := c.Credentials()
	require.NoError(t, c.SetLocalKey(ctx, creds.UID, creds.AccessToken, raw))

	got, err := c.GetLocalKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	err = c.SetLocalKey(ctx, creds.UID, creds.AccessToken, []byte("short"))
	assert.True(t, api.IsStatus(err, http.StatusBadRequest))
}

func TestSessionLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t, "alice")

	l, err := lock.Check(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, lock.StatusNone, l.Status)

	_, err = lock.Unlock(ctx, c, "123456")
	require.ErrorIs(t, err, lock.ErrLockRemoved)

	token, err := lock.Create(ctx, c, "123456", 5*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = lock.Create(ctx, c, "123456", 5*time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockFailure, "only one lock per session")

	l, err = lock.Check(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, lock.StatusRegistered, l.Status)
	assert.Equal(t, 5*time.Minute, l.TTL)

	t.Run("ActivityExtendsTTL", func(t *testing.T) {
		f.clock.Advance(4 * time.Minute)
		_, err := c.GetUser(ctx)
		require.NoError(t, err)
		f.clock.Advance(4 * time.Minute)
		l, err := lock.Check(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, lock.StatusRegistered, l.Status)
	})

	t.Run("InactivityLocks", func(t *testing.T) {
		f.clock.Advance(6 * time.Minute)
		l, err := lock.Check(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, lock.StatusLocked, l.Status)

		events, stop := c.Subscribe()
		defer stop()
		err = c.UnlockUser(ctx, "correct horse")
		require.Error(t, err)
		assert.True(t, api.IsStatus(err, http.StatusForbidden))
		assert.True(t, c.State().Locked)
		select {
		case e := <-events:
			assert.Equal(t, api.EventSessionLocked, e.Type)
		case <-time.After(time.Second):
			t.Fatal("expected a locked event")
		}

		assert.ErrorIs(t, lock.Delete(ctx, c, "123456"), lock.ErrLockFailure, "locked sessions cannot delete the lock")
	})

	t.Run("Unlock", func(t *testing.T) {
		_, err := lock.Unlock(ctx, c, "000000")
		assert.ErrorIs(t, err, lock.ErrLockFailure)

		got, err := lock.Unlock(ctx, c, "123456")
		require.NoError(t, err)
		assert.Equal(t, token, got)
		c.Reset()
		require.NoError(t, c.UnlockUser(ctx, "correct horse"))
	})

	t.Run("Force", func(t *testing.T) {
		require.NoError(t, lock.Force(ctx, c))
		l, err := lock.Check(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, lock.StatusLocked, l.Status)
		_, err = lock.Unlock(ctx, c, "123456")
		require.NoError(t, err)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, lock.Delete(ctx, c, "123456"))
		l, err := lock.Check(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, lock.StatusNone, l.Status)
	})
}

func TestPINAttemptsAreLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t, "alice")
	_, err := lock.Create(ctx, c, "123456", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Force(ctx, c))

	for i := 0; i < 5; i++ {
		_, err := lock.Unlock(ctx, c, "000000")
		require.ErrorIs(t, err, lock.ErrLockFailure)
	}
	_, err = lock.Unlock(ctx, c, "123456")
	assert.True(t, api.IsStatus(err, http.StatusTooManyRequests))
}

func TestFork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.login(t, "alice")

	tracker := fork.NewTracker(0)
	req, err := fork.Request(fork.RequestOptions{Host: f.http.URL, App: "cli"})
	require.NoError(t, err)
	tracker.Track(req)

	selector, err := fork.Produce(ctx, parent, "key-password", fork.ProduceRequest{App: "cli", State: req.State, Key: req.Key})
	require.NoError(t, err)

	child := f.client()
	s, err := fork.Consume(ctx, child, tracker, fork.Payload{Selector: selector, State: req.State, Key: req.Key})
	require.NoError(t, err)
	assert.Equal(t, "key-password", s.KeyPassword)
	assert.NotEqual(t, parent.Credentials().UID, s.UID)

	t.Run("SelectorIsSingleUse", func(t *testing.T) {
		_, err := child.ConsumeFork(ctx, "", selector)
		assert.True(t, api.IsStatus(err, http.StatusUnprocessableEntity))
	})

	t.Run("Expired", func(t *testing.T) {
		selector, err := parent.CreateFork(ctx, fork.Grant{App: "cli", State: "s", Payload: "p"})
		require.NoError(t, err)
		f.clock.Advance(11 * time.Minute)
		_, err = child.ConsumeFork(ctx, "", selector)
		assert.True(t, api.IsStatus(err, http.StatusUnprocessableEntity))
	})
}

func TestDocsAndMetrics(t *testing.T) {
	f := newFixture(t)
	_ = f.login(t, "alice")

	get := func(path string) (int, string) {
		resp, err := http.Get(f.http.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/openapi.yaml")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(body, "openapi:"))

	status, _ = get("/docs")
	assert.Equal(t, http.StatusOK, status)

	status, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `warden_backend_audit_events_total{event="login_success"} 1`)
}
