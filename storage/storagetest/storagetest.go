// Package storagetest holds the behavioural suite every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
)

// Persisted returns a structurally valid persisted session for localID.
func Persisted(localID int, blob string) *session.PersistedSession {
	id := localID
	rt := int64(1700000000)
	return &session.PersistedSession{
		AccessToken:  "access",
		RefreshToken: "refresh",
		RefreshTime:  &rt,
		UID:          "uid",
		UserID:       "user",
		LocalID:      &id,
		Blob:         blob,
	}
}

// Run exercises s. The store must be empty.
func Run(t *testing.T, s storage.Store) {
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := s.Load(ctx, 42)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveLoad", func(t *testing.T) {
		p := Persisted(1, "blob-1")
		require.NoError(t, s.Save(ctx, p))

		got, err := s.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Persisted(1, "blob-2")))
		got, err := s.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "blob-2", got.Blob)
	})

	t.Run("NilLocalIDUsesDefault", func(t *testing.T) {
		p := Persisted(0, "blob-default")
		p.LocalID = nil
		require.NoError(t, s.Save(ctx, p))
		got, err := s.Load(ctx, storage.DefaultLocalID)
		require.NoError(t, err)
		assert.Equal(t, "blob-default", got.Blob)
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		p := Persisted(7, "")
		assert.ErrorIs(t, s.Save(ctx, p), session.ErrInvalidPersistedSession)
		_, err := s.Load(ctx, 7)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Persisted(3, "blob-3")))
		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 3}, ids)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, 1))
		_, err := s.Load(ctx, 1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, s.Remove(ctx, 1), "removing twice is not an error")

		other, err := s.Load(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "blob-3", other.Blob)
	})
}
