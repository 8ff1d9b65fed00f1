package fork

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient keeps registered grants until they are exchanged once.
type fakeClient struct {
	grants     map[string]Grant
	n          int
	stateOverr string
	consumeErr error
	apiURLs    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{grants: make(map[string]Grant)}
}

func (f *fakeClient) CreateFork(_ context.Context, g Grant) (string, error) {
	f.n++
	selector := fmt.Sprintf("selector-%d", f.n)
	f.grants[selector] = g
	return selector, nil
}

func (f *fakeClient) ConsumeFork(_ context.Context, apiURL, selector string) (Fork, error) {
	f.apiURLs = append(f.apiURLs, apiURL)
	if f.consumeErr != nil {
		return Fork{}, f.consumeErr
	}
	g, ok := f.grants[selector]
	if !ok {
		return Fork{}, errors.New("unknown selector")
	}
	delete(f.grants, selector)
	state := g.State
	if f.stateOverr != "" {
		state = f.stateOverr
	}
	localID := 1
	return Fork{
		UID:          "child-uid",
		AccessToken:  "child-access",
		RefreshToken: "child-refresh",
		UserID:       "user-1",
		LocalID:      &localID,
		State:        state,
		Payload:      g.Payload,
	}, nil
}

func TestRequest(t *testing.T) {
	localID := 4
	r, err := Request(RequestOptions{Host: "https://account.example.com", App: "pass-extension", LocalID: &localID, ForceLogin: true})
	require.NoError(t, err)
	assert.NotEmpty(t, r.State)
	assert.NotEmpty(t, r.Key)

	u, err := url.Parse(r.URL)
	require.NoError(t, err)
	assert.Equal(t, "account.example.com", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "pass-extension", u.Query().Get("app"))
	assert.Equal(t, r.State, u.Query().Get("state"))
	assert.Equal(t, "4", u.Query().Get("u"))
	assert.Equal(t, "login", u.Query().Get("prompt"))
	assert.Equal(t, "sk="+r.Key, u.Fragment)

	t.Run("Minimal", func(t *testing.T) {
		r, err := Request(RequestOptions{Host: "https://account.example.com", App: "web"})
		require.NoError(t, err)
		u, err := url.Parse(r.URL)
		require.NoError(t, err)
		assert.False(t, u.Query().Has("u"))
		assert.False(t, u.Query().Has("prompt"))
	})

	t.Run("UniqueState", func(t *testing.T) {
		other, err := Request(RequestOptions{Host: "https://account.example.com", App: "web"})
		require.NoError(t, err)
		assert.NotEqual(t, r.State, other.State)
		assert.NotEqual(t, r.Key, other.Key)
	})

	t.Run("MissingApp", func(t *testing.T) {
		_, err := Request(RequestOptions{Host: "https://account.example.com"})
		assert.Error(t, err)
	})
}

func TestProduceConsume(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient()
	tracker := NewTracker(0)

	r, err := Request(RequestOptions{Host: "https://account.example.com", App: "web"})
	require.NoError(t, err)
	tracker.Track(r)

	selector, err := Produce(ctx, c, "key-password", ProduceRequest{App: "web", State: r.State, Key: r.Key})
	require.NoError(t, err)
	assert.NotContains(t, c.grants[selector].Payload, "key-password")

	s, err := Consume(ctx, c, tracker, Payload{Selector: selector, State: r.State, Key: r.Key, APIURL: "https://api.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://api.example.com"}, c.apiURLs)
	assert.Equal(t, "key-password", s.KeyPassword)
	assert.Equal(t, "child-uid", s.UID)
	assert.Equal(t, 1, *s.LocalID)

	t.Run("ExactlyOnce", func(t *testing.T) {
		_, err := Consume(ctx, c, tracker, Payload{Selector: selector, State: r.State, Key: r.Key})
		assert.ErrorIs(t, err, ErrForkInvalid)
	})
}

func TestConsume_Invalid(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeClient, *Tracker, Payload) {
		t.Helper()
		c := newFakeClient()
		tracker := NewTracker(time.Minute)
		r, err := Request(RequestOptions{Host: "https://account.example.com", App: "web"})
		require.NoError(t, err)
		tracker.Track(r)
		selector, err := Produce(ctx, c, "key-password", ProduceRequest{App: "web", State: r.State, Key: r.Key})
		require.NoError(t, err)
		return c, tracker, Payload{Selector: selector, State: r.State, Key: r.Key}
	}

	t.Run("UnknownState", func(t *testing.T) {
		c, tracker, p := setup(t)
		p.State = "forged"
		_, err := Consume(ctx, c, tracker, p)
		assert.ErrorIs(t, err, ErrForkInvalid)
	})

	t.Run("Expired", func(t *testing.T) {
		c, tracker, p := setup(t)
		tracker.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err := Consume(ctx, c, tracker, p)
		assert.ErrorIs(t, err, ErrForkInvalid)
	})

	t.Run("StateMismatch", func(t *testing.T) {
		c, tracker, p := setup(t)
		c.stateOverr = "other-state"
		_, err := Consume(ctx, c, tracker, p)
		assert.ErrorIs(t, err, ErrForkInvalid)
	})

	t.Run("WrongKey", func(t *testing.T) {
		c, tracker, p := setup(t)
		other, err := Request(RequestOptions{Host: "https://account.example.com", App: "web"})
		require.NoError(t, err)
		p.Key = other.Key
		_, err = Consume(ctx, c, tracker, p)
		assert.ErrorIs(t, err, ErrForkInvalid)
	})

	t.Run("BackendError", func(t *testing.T) {
		c, tracker, p := setup(t)
		c.consumeErr = errors.New("422")
		_, err := Consume(ctx, c, tracker, p)
		assert.ErrorIs(t, err, ErrForkInvalid)
		assert.Zero(t, tracker.Pending(), "a failed attempt still spends the request")
	})
}

func TestTracker_Prunes(t *testing.T) {
	tracker := NewTracker(time.Minute)
	base := time.Now()
	tracker.now = func() time.Time { return base }
	tracker.Track(RequestResult{State: "a", Key: "k"})
	tracker.Track(RequestResult{State: "b", Key: "k"})
	assert.Equal(t, 2, tracker.Pending())

	tracker.now = func() time.Time { return base.Add(time.Minute) }
	assert.Zero(t, tracker.Pending())
}
