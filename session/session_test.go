package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/crypto"
)

func validSession() Session {
	localID := 3
	refreshTime := int64(1700000000)
	return Session{
		AccessToken:      "access-1",
		KeyPassword:      "key-password",
		LocalID:          &localID,
		RefreshTime:      &refreshTime,
		RefreshToken:     "refresh-1",
		SessionLockToken: "lock-token",
		UID:              "uid-1",
		UserID:           "user-1",
	}
}

// fakeTokens is a TokenSource/Source backed by plain fields.
type fakeTokens struct {
	session     Session
	access      string
	refresh     string
	refreshTime *int64
	uid         string
}

func (f *fakeTokens) AccessToken() string  { return f.access }
func (f *fakeTokens) RefreshToken() string { return f.refresh }
func (f *fakeTokens) RefreshTime() *int64  { return f.refreshTime }
func (f *fakeTokens) UID() string          { return f.uid }
func (f *fakeTokens) Session() Session     { return f.session }

// fakeKeys is an in-memory KeyService.
type fakeKeys struct {
	mu      sync.Mutex
	raw     []byte
	user    User
	keyErr  error
	userErr error
	setUID  string
	setTok  string
	setErr  error
	onSet   func()
}

func (f *fakeKeys) GetLocalKey(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyErr != nil {
		return nil, f.keyErr
	}
	return append([]byte(nil), f.raw...), nil
}

func (f *fakeKeys) SetLocalKey(_ context.Context, uid, accessToken string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.raw = append([]byte(nil), raw...)
	f.setUID, f.setTok = uid, accessToken
	if f.onSet != nil {
		f.onSet()
	}
	return nil
}

func (f *fakeKeys) GetUser(context.Context) (User, error) {
	if f.userErr != nil {
		return User{}, f.userErr
	}
	return f.user, nil
}

func TestIsValidSession(t *testing.T) {
	assert.True(t, IsValidSession(validSession()))

	t.Run("OptionalFieldsMayBeAbsent", func(t *testing.T) {
		s := validSession()
		s.LocalID, s.RefreshTime, s.SessionLockToken = nil, nil, ""
		assert.True(t, IsValidSession(s))
	})

	required := map[string]func(*Session){
		"AccessToken":  func(s *Session) { s.AccessToken = "" },
		"KeyPassword":  func(s *Session) { s.KeyPassword = "" },
		"RefreshToken": func(s *Session) { s.RefreshToken = "" },
		"UID":          func(s *Session) { s.UID = "" },
		"UserID":       func(s *Session) { s.UserID = "" },
	}
	for name, clear := range required {
		t.Run("Missing"+name, func(t *testing.T) {
			s := validSession()
			clear(&s)
			assert.False(t, IsValidSession(s))
		})
	}
}

func TestIsValidPersistedSession(t *testing.T) {
	p := validSession().Persisted("blob")
	assert.True(t, IsValidPersistedSession(&p))
	assert.False(t, IsValidPersistedSession(nil))

	p.Blob = ""
	assert.False(t, IsValidPersistedSession(&p))
}

func TestParsePersistedSession(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		data := []byte(`{"AccessToken":"a","RefreshToken":"r","UID":"u","UserID":"id","LocalID":0,"blob":"b"}`)
		p, err := ParsePersistedSession(data)
		require.NoError(t, err)
		require.NotNil(t, p.LocalID)
		assert.Equal(t, 0, *p.LocalID)
		assert.Equal(t, "b", p.Blob)
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := ParsePersistedSession([]byte("{"))
		assert.ErrorIs(t, err, ErrInvalidPersistedSession)
	})

	t.Run("MissingBlob", func(t *testing.T) {
		_, err := ParsePersistedSession([]byte(`{"AccessToken":"a","RefreshToken":"r","UID":"u","UserID":"id"}`))
		assert.ErrorIs(t, err, ErrInvalidPersistedSession)
	})
}

func TestMergeSessionTokens(t *testing.T) {
	s := validSession()

	t.Run("EmptySourceKeepsSession", func(t *testing.T) {
		assert.Equal(t, s, MergeSessionTokens(s, &fakeTokens{}))
	})

	t.Run("NewerTokensWin", func(t *testing.T) {
		rt := int64(1800000000)
		merged := MergeSessionTokens(s, &fakeTokens{access: "access-2", refresh: "refresh-2", refreshTime: &rt, uid: "uid-2"})
		assert.Equal(t, "access-2", merged.AccessToken)
		assert.Equal(t, "refresh-2", merged.RefreshToken)
		assert.Equal(t, "uid-2", merged.UID)
		assert.Equal(t, rt, *merged.RefreshTime)
		assert.Equal(t, s.KeyPassword, merged.KeyPassword)
		assert.Equal(t, s.SessionLockToken, merged.SessionLockToken)
		assert.Equal(t, "access-1", s.AccessToken, "input must not be mutated")
	})
}

func TestEncryptWithKey_RoundTrip(t *testing.T) {
	raw, err := crypto.NewKeyMaterial()
	require.NoError(t, err)
	key, err := crypto.DeriveLocalKey(raw)
	require.NoError(t, err)

	s := validSession()
	out, err := EncryptWithKey(s, key)
	require.NoError(t, err)
	assert.NotContains(t, out, s.KeyPassword)
	assert.NotContains(t, out, s.SessionLockToken)

	var generic map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &generic))
	assert.Contains(t, generic, "blob")
	assert.NotContains(t, generic, "keyPassword")

	p, err := ParsePersistedSession([]byte(out))
	require.NoError(t, err)
	b, err := DecryptBlob(key, p.Blob)
	require.NoError(t, err)
	assert.Equal(t, s, p.WithBlob(b))
}

func TestDecryptBlob_FailsClosed(t *testing.T) {
	newKey := func() *crypto.Key {
		raw, err := crypto.NewKeyMaterial()
		require.NoError(t, err)
		key, err := crypto.DeriveLocalKey(raw)
		require.NoError(t, err)
		return key
	}
	key := newKey()

	sealedJSON := func(plain string) string {
		blob, err := crypto.EncryptBlob(key, []byte(plain))
		require.NoError(t, err)
		return blob
	}

	out, err := EncryptWithKey(validSession(), key)
	require.NoError(t, err)
	p, err := ParsePersistedSession([]byte(out))
	require.NoError(t, err)

	cases := map[string]struct {
		key  *crypto.Key
		blob string
	}{
		"WrongKey":         {newKey(), p.Blob},
		"Garbage":          {key, "not-a-blob"},
		"NotJSON":          {key, sealedJSON("keyPassword")},
		"NoKeyPassword":    {key, sealedJSON(`{"sessionLockToken":"x"}`)},
		"EmptyKeyPassword": {key, sealedJSON(`{"keyPassword":""}`)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := DecryptBlob(tc.key, tc.blob)
			assert.ErrorIs(t, err, ErrInvalidPersistedSession)
			assert.Equal(t, Blob{}, b)
		})
	}
}

func TestEncrypt(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidSessionIsRejected", func(t *testing.T) {
		s := validSession()
		s.KeyPassword = ""
		keys := &fakeKeys{}
		_, err := Encrypt(ctx, keys, &fakeTokens{session: s})
		assert.ErrorIs(t, err, ErrInvalidSession)
		assert.Nil(t, keys.raw, "no local key may be registered")
	})

	t.Run("RegistersKeyAndPersistsNewestTokens", func(t *testing.T) {
		s := validSession()
		src := &fakeTokens{session: s}
		// The key registration triggers a token refresh.
		keys := &fakeKeys{onSet: func() { src.access, src.refresh = "access-2", "refresh-2" }}

		out, err := Encrypt(ctx, keys, src)
		require.NoError(t, err)
		assert.Equal(t, s.UID, keys.setUID)
		assert.Equal(t, s.AccessToken, keys.setTok)

		p, err := ParsePersistedSession([]byte(out))
		require.NoError(t, err)
		assert.Equal(t, "access-2", p.AccessToken)
		assert.Equal(t, "refresh-2", p.RefreshToken)

		key, err := crypto.DeriveLocalKey(keys.raw)
		require.NoError(t, err)
		b, err := DecryptBlob(key, p.Blob)
		require.NoError(t, err)
		assert.Equal(t, s.KeyPassword, b.KeyPassword)
	})

	t.Run("KeyRegistrationFailure", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Encrypt(ctx, &fakeKeys{setErr: boom}, &fakeTokens{session: validSession()})
		assert.ErrorIs(t, err, boom)
	})
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	persist := func(t *testing.T) (*PersistedSession, *fakeKeys) {
		t.Helper()
		s := validSession()
		keys := &fakeKeys{user: User{ID: s.UserID}}
		out, err := Encrypt(ctx, keys, &fakeTokens{session: s})
		require.NoError(t, err)
		p, err := ParsePersistedSession([]byte(out))
		require.NoError(t, err)
		return p, keys
	}

	t.Run("Success", func(t *testing.T) {
		p, keys := persist(t)
		got, key, err := Resume(ctx, keys, &fakeTokens{access: "access-9"}, p)
		require.NoError(t, err)
		require.NotNil(t, key)
		want := validSession()
		want.AccessToken = "access-9"
		assert.Equal(t, want, got)
	})

	t.Run("UserMismatchIsInactive", func(t *testing.T) {
		p, keys := persist(t)
		keys.user = User{ID: "someone-else"}
		_, _, err := Resume(ctx, keys, &fakeTokens{}, p)
		assert.ErrorIs(t, err, ErrInactiveSession)
		assert.ErrorIs(t, err, ErrInvalidPersistedSession)
	})

	t.Run("RotatedKeyIsInvalid", func(t *testing.T) {
		p, keys := persist(t)
		other, err := crypto.NewKeyMaterial()
		require.NoError(t, err)
		keys.raw = other
		_, _, err = Resume(ctx, keys, &fakeTokens{}, p)
		assert.ErrorIs(t, err, ErrInvalidPersistedSession)
	})

	t.Run("NetworkErrorIsNotInvalid", func(t *testing.T) {
		p, keys := persist(t)
		offline := errors.New("offline")
		keys.keyErr = offline
		_, _, err := Resume(ctx, keys, &fakeTokens{}, p)
		assert.ErrorIs(t, err, offline)
		assert.NotErrorIs(t, err, ErrInvalidPersistedSession)
	})

	t.Run("IncompletePersistedSession", func(t *testing.T) {
		_, _, err := Resume(ctx, &fakeKeys{}, &fakeTokens{}, &PersistedSession{UID: "u"})
		assert.ErrorIs(t, err, ErrInvalidPersistedSession)
	})
}
