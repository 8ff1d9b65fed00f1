package auth

import (
	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/lock"
)

// listen reacts to client events, one at a time, until Close.
func (s *Service) listen(events <-chan api.Event) {
	defer s.bridge.Done()
	for e := range events {
		if !s.store.HasSession() {
			continue
		}
		s.metrics.events.WithLabelValues(string(e.Type)).Inc()
		s.handle(e)
	}
}

func (s *Service) handle(e api.Event) {
	ctx := s.ctx
	switch e.Type {
	case api.EventSessionInactive:
		s.notify(Notification{Text: "Your session is inactive."})
		s.Logout(ctx, LogoutOptions{Soft: true, Broadcast: true})

	case api.EventSessionLocked:
		if s.store.LockStatus() != lock.StatusLocked {
			s.notify(Notification{Key: NotificationSessionLock, Text: "Your session was locked."})
		}
		s.Lock(ctx, LockOptions{Soft: true, Broadcast: true})

	case api.EventRefresh:
		data := e.Refresh
		if s.store.UID() != data.UID {
			s.logger.Debug("ignoring refresh of another session", "uid", data.UID)
			return
		}
		// Persist first: the store must never hold tokens that were not
		// saved.
		if s.cfg.OnSessionRefresh != nil {
			if err := s.cfg.OnSessionRefresh(ctx, s.store.LocalID(), data, true); err != nil {
				s.logger.Warn("session refresh hook failed", "error", err)
				return
			}
		}
		s.store.SetTokens(data.UID, data.AccessToken, data.RefreshToken, data.RefreshTime)
	}
}
