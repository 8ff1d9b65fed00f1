package auth_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/auth"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
	"github.com/jmcleod/warden/storage/memory"
	"github.com/jmcleod/warden/storage/storagetest"
)

func TestBindStore(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()

	var persisted, refreshed, unauthorized int
	cfg := auth.BindStore(auth.Config{
		OnSessionPersist: func(context.Context, string) error { persisted++; return nil },
		OnSessionRefresh: func(context.Context, *int, api.RefreshData, bool) error { refreshed++; return nil },
		OnUnauthorized:   func(string, *int, bool) { unauthorized++ },
	}, st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p, err := cfg.GetPersistedSession(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, p, "missing sessions are not an error")

	t.Run("Persist", func(t *testing.T) {
		assert.Error(t, cfg.OnSessionPersist(ctx, "{}"))
		assert.Zero(t, persisted)

		rec := storagetest.Persisted(3, "sealed")
		require.NoError(t, cfg.OnSessionPersist(ctx, string(mustMarshal(t, rec))))
		assert.Equal(t, 1, persisted)

		localID := 3
		got, err := cfg.GetPersistedSession(ctx, &localID)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("Refresh", func(t *testing.T) {
		localID := 3
		rec, err := st.Load(ctx, localID)
		require.NoError(t, err)

		require.NoError(t, cfg.OnSessionRefresh(ctx, &localID, api.RefreshData{UID: "stale", AccessToken: "x"}, true))
		got, err := st.Load(ctx, localID)
		require.NoError(t, err)
		assert.Equal(t, rec.AccessToken, got.AccessToken, "other sessions are left alone")

		data := api.RefreshData{UID: rec.UID, AccessToken: "access-2", RefreshToken: "refresh-2", RefreshTime: 42}
		require.NoError(t, cfg.OnSessionRefresh(ctx, &localID, data, true))
		got, err = st.Load(ctx, localID)
		require.NoError(t, err)
		assert.Equal(t, "access-2", got.AccessToken)
		assert.Equal(t, "refresh-2", got.RefreshToken)
		assert.EqualValues(t, 42, *got.RefreshTime)
		assert.Equal(t, rec.Blob, got.Blob)
		assert.Equal(t, 2, refreshed)
	})

	t.Run("UnauthorizedWithoutSession", func(t *testing.T) {
		localID := 3
		cfg.OnUnauthorized("", &localID, false)
		assert.Equal(t, 1, unauthorized)
		_, err := st.Load(ctx, localID)
		assert.NoError(t, err, "an empty logout keeps the stored session")
	})

	t.Run("Unauthorized", func(t *testing.T) {
		localID := 3
		cfg.OnUnauthorized("user", &localID, false)
		assert.Equal(t, 2, unauthorized)
		_, err := st.Load(ctx, localID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func mustMarshal(t *testing.T, p *session.PersistedSession) []byte {
	t.Helper()
	data, err := storage.Marshal(p)
	require.NoError(t, err)
	return data
}
