package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/fork"
	"github.com/jmcleod/warden/lock"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
)

// NotificationSessionLock keys notifications about the PIN lock.
const NotificationSessionLock = "session-lock"

// Notification is a user facing message emitted by the Service.
type Notification struct {
	Key  string
	Text string
}

// ResumeOptions tune a resume sequence.
type ResumeOptions struct {
	// ForceLock resumes the session in a locked state.
	ForceLock bool
	// Retryable tells the application the resume may be attempted again.
	Retryable bool
}

// LogoutOptions tune Logout.
type LogoutOptions struct {
	// Soft skips revoking the session server-side.
	Soft bool
	// Broadcast is passed to OnUnauthorized.
	Broadcast bool
}

// LockOptions tune Lock.
type LockOptions struct {
	// Soft skips forcing the lock server-side.
	Soft bool
	// Broadcast is passed to OnSessionLocked.
	Broadcast bool
}

// Config holds the hooks through which the application takes part in the
// session lifecycle. Every field is optional.
type Config struct {
	// GetMemorySession returns an already decrypted session that can be
	// logged in without touching the backend.
	GetMemorySession func(ctx context.Context) (*session.Session, error)
	// GetPersistedSession loads the persisted session for a local slot. It
	// returns nil when there is none.
	GetPersistedSession func(ctx context.Context, localID *int) (*session.PersistedSession, error)
	// OnInit replaces the default Init logic, a plain ResumeSession.
	OnInit func(ctx context.Context, opts ResumeOptions) (bool, error)

	OnAuthorize    func()
	OnAuthorized   func(userID string, localID *int)
	OnUnauthorized func(userID string, localID *int, broadcast bool)

	// OnForkConsumed runs before the forked session is logged in. An error
	// invalidates the fork.
	OnForkConsumed func(ctx context.Context, s session.Session, state string) error
	OnForkInvalid  func()
	OnForkRequest  func(r fork.RequestResult)

	// OnSessionInvalid is called when a persisted session cannot be
	// decrypted or no longer belongs to the backend's user.
	OnSessionInvalid func()
	// OnSessionEmpty is called when there is nothing to resume from.
	OnSessionEmpty func()
	OnSessionLocked func(localID *int, broadcast bool)
	// OnSessionLockUpdate is called whenever the lock is created, deleted or
	// probed. Errors are logged.
	OnSessionLockUpdate func(ctx context.Context, l lock.Lock, broadcast bool) error
	OnSessionUnlocked   func(lockToken string)
	// OnSessionPersist receives every encrypted session. It is the place
	// to write it to durable storage.
	OnSessionPersist func(ctx context.Context, encrypted string) error
	// OnSessionFailure is called when a session could not be logged in or
	// resumed for a reason other than a locked or inactive session.
	OnSessionFailure func(opts ResumeOptions)
	// OnSessionRefresh runs before rotated tokens are applied. If it fails
	// the tokens are not applied.
	OnSessionRefresh func(ctx context.Context, localID *int, data api.RefreshData, broadcast bool) error
	OnNotification   func(n Notification)
}

// BindStore returns a copy of cfg whose persistence hooks read and write st.
// Hooks already set in cfg still run after the store was updated. A nil
// logger means slog.Default.
func BindStore(cfg Config, st storage.Store, logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}

	slot := func(localID *int) int {
		if localID == nil {
			return storage.DefaultLocalID
		}
		return *localID
	}

	cfg.GetPersistedSession = func(ctx context.Context, localID *int) (*session.PersistedSession, error) {
		p, err := st.Load(ctx, slot(localID))
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return p, err
	}

	persist := cfg.OnSessionPersist
	cfg.OnSessionPersist = func(ctx context.Context, encrypted string) error {
		p, err := session.ParsePersistedSession([]byte(encrypted))
		if err != nil {
			return err
		}
		if err := st.Save(ctx, p); err != nil {
			return err
		}
		if persist != nil {
			return persist(ctx, encrypted)
		}
		return nil
	}

	refresh := cfg.OnSessionRefresh
	cfg.OnSessionRefresh = func(ctx context.Context, localID *int, data api.RefreshData, broadcast bool) error {
		p, err := st.Load(ctx, slot(localID))
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		case p.UID == data.UID:
			p.AccessToken = data.AccessToken
			p.RefreshToken = data.RefreshToken
			if data.RefreshTime != 0 {
				t := data.RefreshTime
				p.RefreshTime = &t
			}
			if err := st.Save(ctx, p); err != nil {
				return err
			}
		}
		if refresh != nil {
			return refresh(ctx, localID, data, broadcast)
		}
		return nil
	}

	unauthorized := cfg.OnUnauthorized
	cfg.OnUnauthorized = func(userID string, localID *int, broadcast bool) {
		// Nothing was installed: the slot belongs to someone else.
		if userID != "" {
			if err := st.Remove(context.Background(), slot(localID)); err != nil {
				logger.Warn("removing persisted session failed", "local_id", slot(localID), "error", err)
			}
		}
		if unauthorized != nil {
			unauthorized(userID, localID, broadcast)
		}
	}
	return cfg
}
