// Package session defines the authenticated session material, its at-rest
// representation and the sequences that move a session between the two.
//
// A Session splits into a "safe" half (UID and tokens, stored in plaintext)
// and a "sensitive" half (key password and lock token) which only ever
// leaves memory sealed under a per-device local key.
package session

import (
	"encoding/json"
	"fmt"
)

// Session is the full set of credentials needed to act as a user.
type Session struct {
	AccessToken      string `json:"AccessToken"`
	KeyPassword      string `json:"keyPassword"`
	LocalID          *int   `json:"LocalID,omitempty"`
	RefreshTime      *int64 `json:"RefreshTime,omitempty"`
	RefreshToken     string `json:"RefreshToken"`
	SessionLockToken string `json:"sessionLockToken,omitempty"`
	UID              string `json:"UID"`
	UserID           string `json:"UserID"`
}

// PersistedSession is the at-rest form of a Session. Blob holds the sealed
// Blob value.
type PersistedSession struct {
	AccessToken  string `json:"AccessToken"`
	LocalID      *int   `json:"LocalID,omitempty"`
	RefreshTime  *int64 `json:"RefreshTime,omitempty"`
	RefreshToken string `json:"RefreshToken"`
	UID          string `json:"UID"`
	UserID       string `json:"UserID"`
	Blob         string `json:"blob"`
}

// Blob is the decrypted content of PersistedSession.Blob.
type Blob struct {
	KeyPassword      string `json:"keyPassword"`
	SessionLockToken string `json:"sessionLockToken,omitempty"`
}

// User is the account the backend associates with the current session.
type User struct {
	ID   string `json:"ID"`
	Name string `json:"Name,omitempty"`
}

// TokenSource exposes the newest token material known to the process.
// Empty values mean "unknown" and never override a session's own fields.
type TokenSource interface {
	AccessToken() string
	RefreshToken() string
	RefreshTime() *int64
	UID() string
}

// IsValidSession reports whether every field required to log in is present.
func IsValidSession(s Session) bool {
	return s.AccessToken != "" &&
		s.KeyPassword != "" &&
		s.RefreshToken != "" &&
		s.UID != "" &&
		s.UserID != ""
}

// IsValidPersistedSession reports whether the non-sensitive fields and the
// sealed blob are present.
func IsValidPersistedSession(p *PersistedSession) bool {
	return p != nil &&
		p.AccessToken != "" &&
		p.RefreshToken != "" &&
		p.UID != "" &&
		p.UserID != "" &&
		p.Blob != ""
}

// ParsePersistedSession decodes the JSON produced by EncryptWithKey.
func ParsePersistedSession(data []byte) (*PersistedSession, error) {
	var p PersistedSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPersistedSession, err)
	}
	if !IsValidPersistedSession(&p) {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidPersistedSession)
	}
	return &p, nil
}

// MergeSessionTokens returns a copy of s whose tokens are replaced by any
// newer values held by src. Call it before persisting or logging in with a
// session assembled earlier in the same flow: a token refresh may have
// happened in between.
func MergeSessionTokens(s Session, src TokenSource) Session {
	merged := s
	if v := src.AccessToken(); v != "" {
		merged.AccessToken = v
	}
	if v := src.RefreshToken(); v != "" {
		merged.RefreshToken = v
	}
	if v := src.RefreshTime(); v != nil {
		t := *v
		merged.RefreshTime = &t
	}
	if v := src.UID(); v != "" {
		merged.UID = v
	}
	return merged
}

// Persisted returns the safe half of s with the given sealed blob attached.
func (s Session) Persisted(blob string) PersistedSession {
	return PersistedSession{
		AccessToken:  s.AccessToken,
		LocalID:      s.LocalID,
		RefreshTime:  s.RefreshTime,
		RefreshToken: s.RefreshToken,
		UID:          s.UID,
		UserID:       s.UserID,
		Blob:         blob,
	}
}

// WithBlob rebuilds a Session from the safe half and a decrypted blob.
func (p PersistedSession) WithBlob(b Blob) Session {
	return Session{
		AccessToken:      p.AccessToken,
		KeyPassword:      b.KeyPassword,
		LocalID:          p.LocalID,
		RefreshTime:      p.RefreshTime,
		RefreshToken:     p.RefreshToken,
		SessionLockToken: b.SessionLockToken,
		UID:              p.UID,
		UserID:           p.UserID,
	}
}
