package session

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/warden/crypto"
	"github.com/jmcleod/warden/internal/util"
)

// KeyService is the backend half of session persistence: the per-device
// local key lives server-side and is only handed to an authenticated client.
type KeyService interface {
	// GetLocalKey returns the raw local key registered for the current session.
	GetLocalKey(ctx context.Context) ([]byte, error)
	// SetLocalKey registers raw as the local key, authenticating explicitly
	// as uid/accessToken.
	SetLocalKey(ctx context.Context, uid, accessToken string, raw []byte) error
	// GetUser returns the user owning the current session.
	GetUser(ctx context.Context) (User, error)
}

// Source is a TokenSource that can also produce the full current session.
type Source interface {
	TokenSource
	Session() Session
}

// EncryptWithKey seals the sensitive fields of s under key and returns the
// JSON encoded PersistedSession.
func EncryptWithKey(s Session, key *crypto.Key) (string, error) {
	plain, err := json.Marshal(Blob{KeyPassword: s.KeyPassword, SessionLockToken: s.SessionLockToken})
	if err != nil {
		return "", fmt.Errorf("encoding session blob: %w", err)
	}
	defer util.WipeBytes(plain)

	blob, err := crypto.EncryptBlob(key, plain)
	if err != nil {
		return "", fmt.Errorf("sealing session blob: %w", err)
	}

	out, err := json.Marshal(s.Persisted(blob))
	if err != nil {
		return "", fmt.Errorf("encoding persisted session: %w", err)
	}
	return string(out), nil
}

// DecryptBlob opens a persisted session blob. It fails closed: any crypto or
// parse failure, or a blob without a key password, is reported as
// ErrInvalidPersistedSession and no partial value is returned.
func DecryptBlob(key *crypto.Key, blob string) (Blob, error) {
	plain, err := crypto.DecryptBlob(key, blob)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: failed to decrypt persisted session blob: %w", ErrInvalidPersistedSession, err)
	}
	defer util.WipeBytes(plain)

	var b Blob
	if err := json.Unmarshal(plain, &b); err != nil {
		return Blob{}, fmt.Errorf("%w: failed to parse persisted session blob", ErrInvalidPersistedSession)
	}
	if b.KeyPassword == "" {
		return Blob{}, fmt.Errorf("%w: persisted session blob has no key password", ErrInvalidPersistedSession)
	}
	return b, nil
}

// Encrypt seals the session held by src under a brand new local key. The key
// is registered backend-side first; if that call refreshed the tokens, the
// newest tokens are the ones persisted.
func Encrypt(ctx context.Context, keys KeyService, src Source) (string, error) {
	s := src.Session()
	if !IsValidSession(s) {
		return "", fmt.Errorf("%w: refusing to persist", ErrInvalidSession)
	}

	raw, err := crypto.NewKeyMaterial()
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(raw)

	key, err := crypto.DeriveLocalKey(raw)
	if err != nil {
		return "", err
	}
	if err := keys.SetLocalKey(ctx, s.UID, s.AccessToken, raw); err != nil {
		return "", fmt.Errorf("registering local key: %w", err)
	}
	return EncryptWithKey(MergeSessionTokens(s, src), key)
}

// Resume decrypts a persisted session. The caller must already have
// installed the persisted UID and tokens wherever KeyService reads its
// credentials from, since both backend calls are authenticated. The local
// key is returned so that the session can be re-sealed without rotating it.
func Resume(ctx context.Context, keys KeyService, src TokenSource, persisted *PersistedSession) (Session, *crypto.Key, error) {
	if !IsValidPersistedSession(persisted) {
		return Session{}, nil, fmt.Errorf("%w: missing required fields", ErrInvalidPersistedSession)
	}

	var (
		raw  []byte
		user User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		raw, err = keys.GetLocalKey(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		user, err = keys.GetUser(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Session{}, nil, err
	}
	defer util.WipeBytes(raw)

	if user.ID != persisted.UserID {
		return Session{}, nil, fmt.Errorf("%w: %w", ErrInvalidPersistedSession, ErrInactiveSession)
	}

	key, err := crypto.DeriveLocalKey(raw)
	if err != nil {
		return Session{}, nil, fmt.Errorf("%w: %w", ErrInvalidPersistedSession, err)
	}
	b, err := DecryptBlob(key, persisted.Blob)
	if err != nil {
		return Session{}, nil, err
	}

	return MergeSessionTokens(persisted.WithBlob(b), src), key, nil
}
