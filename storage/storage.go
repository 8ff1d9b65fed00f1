// Package storage defines where persisted sessions live between runs.
//
// Records are keyed by the session's local ID: several sessions (one per
// account) can coexist on the same device. Stored values are always the
// encrypted form produced by session.EncryptWithKey.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmcleod/warden/session"
)

// ErrNotFound is returned by Load when no session is stored under the ID.
var ErrNotFound = errors.New("persisted session not found")

// DefaultLocalID keys sessions that carry no local ID.
const DefaultLocalID = 0

// Store persists encrypted sessions.
type Store interface {
	// Load returns the session stored under localID or ErrNotFound.
	Load(ctx context.Context, localID int) (*session.PersistedSession, error)
	// Save stores p under its local ID, replacing any previous value.
	Save(ctx context.Context, p *session.PersistedSession) error
	// Remove deletes the session stored under localID. Removing an absent
	// session is not an error.
	Remove(ctx context.Context, localID int) error
	// List returns the local IDs currently stored, in ascending order.
	List(ctx context.Context) ([]int, error)
}

// LocalID returns the key p is stored under.
func LocalID(p *session.PersistedSession) int {
	if p == nil || p.LocalID == nil {
		return DefaultLocalID
	}
	return *p.LocalID
}

// Marshal encodes p for storage backends that hold opaque bytes.
func Marshal(p *session.PersistedSession) ([]byte, error) {
	if !session.IsValidPersistedSession(p) {
		return nil, fmt.Errorf("refusing to store: %w", session.ErrInvalidPersistedSession)
	}
	return json.Marshal(p)
}

// Unmarshal decodes a stored record.
func Unmarshal(data []byte) (*session.PersistedSession, error) {
	return session.ParsePersistedSession(data)
}
