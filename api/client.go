// Package api is the client for the backend the session lifecycle talks to.
//
// The Client owns the credentials of the current session. When a call is
// rejected with 401 it rotates the tokens once (concurrent callers share the
// rotation) and retries. Session level conditions detected on the wire are
// published as Events: a lost refresh token makes the session inactive, a
// 403 with CodeSessionLocked means the session was locked elsewhere.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/warden/internal/util"
)

const (
	headerUID        = "x-pm-uid"
	headerRequestID  = "x-request-id"
	headerAppVersion = "x-pm-appversion"

	maxResponseBytes = 1 << 20
	defaultTimeout   = 30 * time.Second
)

// Credentials authenticate requests on behalf of a session.
type Credentials struct {
	UID          string
	AccessToken  string
	RefreshToken string
	RefreshTime  int64
}

// State holds the session conditions observed on the wire since the last
// Reset.
type State struct {
	Locked   bool
	Inactive bool
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	http       *http.Client
	logger     *slog.Logger
	appVersion string
	keyParams  util.Argon2idParams

	mu      sync.RWMutex
	baseURL string
	creds   Credentials
	state   State

	refreshes singleflight.Group
	events    broker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. The client adds component=api.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithAppVersion sets the version header sent with every request.
func WithAppVersion(v string) Option {
	return func(c *Client) { c.appVersion = v }
}

// WithKeyDerivation sets the Argon2id parameters used to derive the key
// password from the account password. They must match what the account was
// set up with.
func WithKeyDerivation(p util.Argon2idParams) Option {
	return func(c *Client) { c.keyParams = p }
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		logger:    slog.Default(),
		keyParams: util.DefaultArgon2idParams(),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetCredentials installs the credentials used by subsequent requests.
func (c *Client) SetCredentials(cr Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = cr
}

// Credentials returns a copy of the current credentials.
func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// ClearCredentials forgets the current session.
func (c *Client) ClearCredentials() {
	c.SetCredentials(Credentials{})
}

func (c *Client) UID() string          { return c.Credentials().UID }
func (c *Client) AccessToken() string  { return c.Credentials().AccessToken }
func (c *Client) RefreshToken() string { return c.Credentials().RefreshToken }

// RefreshTime returns the time of the last rotation in unix seconds, or nil
// if none is known.
func (c *Client) RefreshTime() *int64 {
	t := c.Credentials().RefreshTime
	if t == 0 {
		return nil
	}
	return &t
}

// State returns the observed session conditions.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Reset clears the observed session conditions. Credentials are kept.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{}
}

// Subscribe returns a channel of events and a function that stops delivery.
// Events are delivered in order; a slow subscriber never blocks the client.
func (c *Client) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

type request struct {
	method string
	path   string
	body   any
	// baseURL overrides the client's backend for this request only.
	baseURL string
	// auth overrides the current credentials.
	auth *Credentials
	// anonymous requests carry no credentials and are never refreshed.
	anonymous bool
	header    map[string]string
}

// do sends req, refreshing the tokens and retrying once on 401.
func (c *Client) do(ctx context.Context, req request, out any) error {
	used := c.credentialsFor(req)
	err := c.send(ctx, req, used, out)
	if req.anonymous || used.UID == "" || !IsStatus(err, http.StatusUnauthorized) {
		return c.observe(err)
	}

	if rerr := c.refresh(ctx, used); rerr != nil {
		return rerr
	}
	current := c.Credentials()
	if used.UID != current.UID {
		return err
	}
	return c.observe(c.send(ctx, req, current, out))
}

func (c *Client) credentialsFor(req request) Credentials {
	if req.auth != nil {
		return *req.auth
	}
	if req.anonymous {
		return Credentials{}
	}
	return c.Credentials()
}

// observe turns locked-session rejections into state and an event.
func (c *Client) observe(err error) error {
	if !isLockedSession(err) {
		return err
	}
	c.mu.Lock()
	already := c.state.Locked
	c.state.Locked = true
	c.mu.Unlock()
	if !already {
		c.logger.Info("session locked by backend")
		c.events.publish(Event{Type: EventSessionLocked})
	}
	return err
}

func (c *Client) markInactive() {
	c.mu.Lock()
	already := c.state.Inactive
	c.state.Inactive = true
	c.mu.Unlock()
	if !already {
		c.logger.Warn("session inactive")
		c.events.publish(Event{Type: EventSessionInactive})
	}
}

type refreshRequest struct {
	UID          string `json:"UID"`
	RefreshToken string `json:"RefreshToken"`
	GrantType    string `json:"GrantType"`
}

// refresh rotates the tokens of the session used for a rejected request.
// If they were rotated in the meantime there is nothing to do.
func (c *Client) refresh(ctx context.Context, used Credentials) error {
	_, err, _ := c.refreshes.Do(used.UID, func() (any, error) {
		current := c.Credentials()
		if current.UID != used.UID {
			return nil, nil
		}
		if current.AccessToken != used.AccessToken {
			return nil, nil
		}
		if current.RefreshToken == "" {
			c.markInactive()
			return nil, errors.New("no refresh token")
		}

		var data RefreshData
		err := c.send(ctx, request{
			method:    http.MethodPost,
			path:      "/auth/refresh",
			anonymous: true,
			header:    map[string]string{headerUID: current.UID},
			body: refreshRequest{
				UID:          current.UID,
				RefreshToken: current.RefreshToken,
				GrantType:    "refresh_token",
			},
		}, Credentials{}, &data)
		if err != nil {
			if isInactiveSession(err) {
				c.markInactive()
			}
			return nil, fmt.Errorf("refreshing session: %w", err)
		}

		c.mu.Lock()
		if c.creds.UID == current.UID {
			c.creds = Credentials{
				UID:          data.UID,
				AccessToken:  data.AccessToken,
				RefreshToken: data.RefreshToken,
				RefreshTime:  data.RefreshTime,
			}
		}
		c.mu.Unlock()

		c.logger.Info("session refreshed", "uid", data.UID)
		c.events.publish(Event{Type: EventRefresh, Refresh: data})
		return nil, nil
	})
	return err
}

func (c *Client) send(ctx context.Context, req request, creds Credentials, out any) error {
	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	base := req.baseURL
	if base == "" {
		base = c.BaseURL()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, base+req.path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(headerRequestID, requestID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.appVersion != "" {
		httpReq.Header.Set(headerAppVersion, c.appVersion)
	}
	if !req.anonymous && creds.UID != "" {
		httpReq.Header.Set(headerUID, creds.UID)
		if creds.AccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
	}
	for k, v := range req.header {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.method, req.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}

	c.logger.Debug("api request",
		"method", req.method,
		"path", req.path,
		"status", resp.StatusCode,
		"request_id", requestID)

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", req.method, req.path, err)
		}
	}
	return nil
}
