// Package fork moves an authenticated session from one application to
// another.
//
// The requesting application generates a state value and a fork key and
// sends the user to the account application (Request). The account
// application, already authorized, seals its key password under the fork key
// and registers the fork with the backend (Produce). The requester then
// exchanges the selector for a fresh child session exactly once (Consume).
package fork

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jmcleod/warden/crypto"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/session"
)

// ErrForkInvalid covers every way a fork can fail to be consumed.
var ErrForkInvalid = errors.New("invalid fork")

const stateSize = 32

// Grant is what an authorized application registers with the backend.
type Grant struct {
	App     string `json:"ChildClientID"`
	State   string `json:"State"`
	Payload string `json:"Payload"`
}

// Fork is the backend's answer to a selector exchange: a new child session
// plus the values the producer registered.
type Fork struct {
	UID          string `json:"UID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	RefreshTime  *int64 `json:"RefreshTime,omitempty"`
	UserID       string `json:"UserID"`
	LocalID      *int   `json:"LocalID,omitempty"`
	State        string `json:"State"`
	Payload      string `json:"Payload"`
}

// Client is the backend surface the fork protocol needs.
type Client interface {
	CreateFork(ctx context.Context, g Grant) (string, error)
	// ConsumeFork exchanges selector at apiURL, or at the client's own
	// backend when apiURL is empty.
	ConsumeFork(ctx context.Context, apiURL, selector string) (Fork, error)
}

// RequestOptions configures Request.
type RequestOptions struct {
	// Host is the base URL of the account application.
	Host string
	// App identifies the requesting application.
	App string
	// LocalID hints which local session the account application should use.
	LocalID *int
	// ForceLogin asks the account application to re-authenticate the user.
	ForceLogin bool
}

// RequestResult is a pending fork request.
type RequestResult struct {
	State string
	Key   string
	URL   string
}

// Payload is what the requester receives back from the account application.
type Payload struct {
	Selector string
	State    string
	Key      string
	// APIURL is where the selector is exchanged. Empty means the client's
	// own backend.
	APIURL string
}

// ProduceRequest identifies the requester of a fork being produced.
type ProduceRequest struct {
	App   string
	State string
	Key   string
}

// Request generates a state and fork key and builds the authorize URL the
// user must visit. It performs no network call.
func Request(opts RequestOptions) (RequestResult, error) {
	if opts.Host == "" || opts.App == "" {
		return RequestResult{}, errors.New("fork request needs a host and an app")
	}
	u, err := url.Parse(opts.Host)
	if err != nil {
		return RequestResult{}, fmt.Errorf("parsing fork host: %w", err)
	}

	state, err := util.RandomToken(stateSize)
	if err != nil {
		return RequestResult{}, err
	}
	raw, err := crypto.NewKeyMaterial()
	if err != nil {
		return RequestResult{}, err
	}
	key := util.Base64URLEncode(raw)
	util.WipeBytes(raw)

	q := url.Values{}
	q.Set("app", opts.App)
	q.Set("state", state)
	if opts.LocalID != nil {
		q.Set("u", strconv.Itoa(*opts.LocalID))
	}
	if opts.ForceLogin {
		q.Set("prompt", "login")
	}
	u = u.JoinPath("authorize")
	u.RawQuery = q.Encode()
	u.Fragment = "sk=" + key

	return RequestResult{State: state, Key: key, URL: u.String()}, nil
}

// Produce seals keyPassword under the requester's fork key and registers the
// fork. It returns the selector the requester will exchange.
func Produce(ctx context.Context, c Client, keyPassword string, req ProduceRequest) (string, error) {
	if keyPassword == "" || req.App == "" || req.State == "" {
		return "", errors.New("fork produce needs a key password, an app and a state")
	}
	key, err := forkKey(req.Key)
	if err != nil {
		return "", err
	}
	payload, err := crypto.EncryptBlob(key, []byte(keyPassword))
	if err != nil {
		return "", err
	}
	selector, err := c.CreateFork(ctx, Grant{App: req.App, State: req.State, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("registering fork: %w", err)
	}
	return selector, nil
}

// Consume exchanges the payload's selector for a child session. The tracked
// request is spent on the first attempt whatever the outcome.
func Consume(ctx context.Context, c Client, tracker *Tracker, p Payload) (session.Session, error) {
	trackedKey, ok := tracker.take(p.State)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: unknown or expired state", ErrForkInvalid)
	}
	if p.Key != "" && subtle.ConstantTimeCompare([]byte(p.Key), []byte(trackedKey)) != 1 {
		return session.Session{}, fmt.Errorf("%w: key does not match request", ErrForkInvalid)
	}
	if p.Selector == "" {
		return session.Session{}, fmt.Errorf("%w: missing selector", ErrForkInvalid)
	}

	f, err := c.ConsumeFork(ctx, p.APIURL, p.Selector)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrForkInvalid, err)
	}
	if subtle.ConstantTimeCompare([]byte(f.State), []byte(p.State)) != 1 {
		return session.Session{}, fmt.Errorf("%w: state mismatch", ErrForkInvalid)
	}

	key, err := forkKey(trackedKey)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrForkInvalid, err)
	}
	keyPassword, err := crypto.DecryptBlob(key, f.Payload)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrForkInvalid, err)
	}
	defer util.WipeBytes(keyPassword)

	s := session.Session{
		AccessToken:  f.AccessToken,
		KeyPassword:  string(keyPassword),
		LocalID:      f.LocalID,
		RefreshTime:  f.RefreshTime,
		RefreshToken: f.RefreshToken,
		UID:          f.UID,
		UserID:       f.UserID,
	}
	if !session.IsValidSession(s) {
		return session.Session{}, fmt.Errorf("%w: incomplete child session", ErrForkInvalid)
	}
	return s, nil
}

func forkKey(encoded string) (*crypto.Key, error) {
	raw, err := util.Base64URLDecode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed fork key", crypto.ErrCryptoFailure)
	}
	defer util.WipeBytes(raw)
	return crypto.DeriveKey(raw, crypto.PurposeFork)
}
