package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/warden/fork"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/lock"
	"github.com/jmcleod/warden/session"
)

var (
	_ session.KeyService  = (*Client)(nil)
	_ session.TokenSource = (*Client)(nil)
	_ lock.Client         = (*Client)(nil)
	_ fork.Client         = (*Client)(nil)
)

const lockPath = "/pass/v1/user/session/lock"

type authRequest struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
}

type authResponse struct {
	UID          string `json:"UID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	RefreshTime  int64  `json:"RefreshTime"`
	UserID       string `json:"UserID"`
	KeySalt      string `json:"KeySalt"`
}

// Authenticate logs in with a password and returns a complete session. The
// key password is derived locally from the password and the account key
// salt; the password itself is only sent to the backend for verification.
// The client's credentials are not changed.
func (c *Client) Authenticate(ctx context.Context, username, password string) (session.Session, error) {
	var res authResponse
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/auth",
		anonymous: true,
		body:      authRequest{Username: username, Password: password},
	}, &res)
	if err != nil {
		return session.Session{}, err
	}

	salt, err := util.Base64Decode(res.KeySalt)
	if err != nil {
		return session.Session{}, fmt.Errorf("decoding key salt: %w", err)
	}
	key, err := util.DeriveArgon2idKey(password, salt, c.keyParams)
	if err != nil {
		return session.Session{}, err
	}
	defer util.WipeBytes(key)

	s := session.Session{
		AccessToken:  res.AccessToken,
		KeyPassword:  util.Base64Encode(key),
		RefreshToken: res.RefreshToken,
		UID:          res.UID,
		UserID:       res.UserID,
	}
	if res.RefreshTime != 0 {
		s.RefreshTime = &res.RefreshTime
	}
	return s, nil
}

// Revoke ends the current session server-side.
func (c *Client) Revoke(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/auth"}, nil)
}

type localKeyBody struct {
	LocalKey string `json:"LocalKey"`
}

func (c *Client) GetLocalKey(ctx context.Context) ([]byte, error) {
	var res localKeyBody
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/sessions/local/key"}, &res); err != nil {
		return nil, err
	}
	raw, err := util.Base64Decode(res.LocalKey)
	if err != nil {
		return nil, fmt.Errorf("decoding local key: %w", err)
	}
	return raw, nil
}

// SetLocalKey authenticates as uid/accessToken rather than with the current
// credentials: the session being persisted may not be installed yet.
func (c *Client) SetLocalKey(ctx context.Context, uid, accessToken string, raw []byte) error {
	return c.do(ctx, request{
		method: http.MethodPut,
		path:   "/auth/sessions/local/key",
		auth:   &Credentials{UID: uid, AccessToken: accessToken},
		body:   localKeyBody{LocalKey: util.Base64Encode(raw)},
	}, nil)
}

type userResponse struct {
	User session.User `json:"User"`
}

func (c *Client) GetUser(ctx context.Context) (session.User, error) {
	var res userResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/users"}, &res); err != nil {
		return session.User{}, err
	}
	return res.User, nil
}

type unlockUserRequest struct {
	Password string `json:"Password"`
}

// UnlockUser re-authenticates the current user with their password.
func (c *Client) UnlockUser(ctx context.Context, password string) error {
	return c.do(ctx, request{
		method: http.MethodPut,
		path:   "/users/unlock",
		body:   unlockUserRequest{Password: password},
	}, nil)
}

type lockRequest struct {
	LockCode     string `json:"LockCode"`
	UnlockedSecs int64  `json:"UnlockedSecs,omitempty"`
}

type lockTokenResponse struct {
	LockData struct {
		StorageToken string `json:"StorageToken"`
	} `json:"LockData"`
}

type lockStatusResponse struct {
	Lock struct {
		Status lock.Status `json:"Status"`
		TTL    int64       `json:"TTL"`
	} `json:"Lock"`
}

func (c *Client) CreateLock(ctx context.Context, pin string, ttl time.Duration) (string, error) {
	var res lockTokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   lockPath,
		body:   lockRequest{LockCode: pin, UnlockedSecs: int64(ttl / time.Second)},
	}, &res)
	return res.LockData.StorageToken, err
}

func (c *Client) CheckLock(ctx context.Context) (lock.Lock, error) {
	var res lockStatusResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: lockPath}, &res); err != nil {
		return lock.Lock{}, err
	}
	return lock.Lock{Status: res.Lock.Status, TTL: time.Duration(res.Lock.TTL) * time.Second}, nil
}

func (c *Client) UnlockSession(ctx context.Context, pin string) (string, error) {
	var res lockTokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   lockPath + "/unlock",
		body:   lockRequest{LockCode: pin},
	}, &res)
	return res.LockData.StorageToken, err
}

func (c *Client) DeleteLock(ctx context.Context, pin string) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   lockPath,
		body:   lockRequest{LockCode: pin},
	}, nil)
}

func (c *Client) ForceLock(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, path: lockPath + "/force_lock"}, nil)
}

type forkResponse struct {
	Selector string `json:"Selector"`
}

func (c *Client) CreateFork(ctx context.Context, g fork.Grant) (string, error) {
	var res forkResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/auth/sessions/forks", body: g}, &res); err != nil {
		return "", err
	}
	return res.Selector, nil
}

// ConsumeFork is anonymous: the selector is the credential. A non-empty
// apiURL receives this one exchange instead of the client's backend.
func (c *Client) ConsumeFork(ctx context.Context, apiURL, selector string) (fork.Fork, error) {
	var res fork.Fork
	err := c.do(ctx, request{
		method:    http.MethodGet,
		path:      "/auth/sessions/forks/" + url.PathEscape(selector),
		baseURL:   strings.TrimRight(apiURL, "/"),
		anonymous: true,
	}, &res)
	return res, err
}
