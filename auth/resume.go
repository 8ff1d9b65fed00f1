package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/session"
)

// ResumeSession logs in from an in-memory session if one is available and
// the service was not locked since, otherwise from the persisted session of
// localID. With opts.ForceLock the resumed session loses its lock token,
// and is re-persisted without it, so that it lands locked now and on every
// later resume. Failures are reported through the hooks.
func (s *Service) ResumeSession(ctx context.Context, localID *int, opts ResumeOptions) bool {
	s.attempts.Add(1)
	ok := s.resume(ctx, localID, opts)
	if ok {
		s.attempts.Store(0)
	}
	return ok
}

func (s *Service) resume(ctx context.Context, localID *int, opts ResumeOptions) bool {
	if mem := s.memorySession(ctx); mem != nil {
		s.logger.Info("resuming in-memory session", "force_lock", opts.ForceLock)
		ok := s.Login(ctx, *mem)
		s.metrics.resumes.WithLabelValues("memory", loginResult(ok)).Inc()
		return ok
	}

	persisted, err := s.persistedSession(ctx, localID)
	if err != nil {
		return s.resumeFailed(err, opts)
	}
	if persisted == nil {
		s.logger.Info("no persisted session found")
		s.metrics.resumes.WithLabelValues("persisted", resultEmpty).Inc()
		if s.cfg.OnSessionEmpty != nil {
			s.cfg.OnSessionEmpty()
		}
		return false
	}

	s.logger.Info("resuming persisted session", "force_lock", opts.ForceLock)
	if s.cfg.OnAuthorize != nil {
		s.cfg.OnAuthorize()
	}
	s.store.SetPersisted(persisted)
	s.client.SetCredentials(credentialsOf(persisted.WithBlob(session.Blob{})))
	s.client.Reset()

	sess, key, err := session.Resume(ctx, s.client, s.client, persisted)
	if err != nil {
		return s.resumeFailed(err, opts)
	}
	s.logger.Info("session successfully resumed")

	if sess.SessionLockToken != "" && opts.ForceLock {
		sess.SessionLockToken = ""
		encrypted, err := session.EncryptWithKey(sess, key)
		if err == nil && s.cfg.OnSessionPersist != nil {
			err = s.cfg.OnSessionPersist(ctx, encrypted)
		}
		if err != nil {
			return s.resumeFailed(fmt.Errorf("persisting locked session: %w", err), opts)
		}
	}

	ok := s.Login(ctx, sess)
	s.metrics.resumes.WithLabelValues("persisted", loginResult(ok)).Inc()
	return ok
}

func (s *Service) memorySession(ctx context.Context) *session.Session {
	if s.cfg.GetMemorySession == nil {
		return nil
	}
	s.mu.Lock()
	locked := s.memoryLocked
	s.mu.Unlock()
	if locked {
		s.logger.Debug("in-memory session skipped after lock")
		return nil
	}

	mem, err := s.cfg.GetMemorySession(ctx)
	if err != nil {
		s.logger.Debug("reading in-memory session failed", "error", err)
		return nil
	}
	if mem == nil || !session.IsValidSession(*mem) {
		return nil
	}
	return mem
}

func (s *Service) persistedSession(ctx context.Context, localID *int) (*session.PersistedSession, error) {
	if s.cfg.GetPersistedSession == nil {
		return nil, nil
	}
	return s.cfg.GetPersistedSession(ctx, localID)
}

// resumeFailed reports a failed resume. An unusable persisted session only
// triggers OnSessionInvalid. Other failures trigger OnSessionFailure unless
// the client saw the session locked or inactive: the event bridge handles
// those.
func (s *Service) resumeFailed(err error, opts ResumeOptions) bool {
	text := "Your session could not be resumed."
	if msg := api.ErrorMessage(err); msg != "" {
		text += " (" + msg + ")"
	}
	s.logger.Warn("resuming session failed", "error", err)
	s.notify(Notification{Text: text})

	if errors.Is(err, session.ErrInvalidPersistedSession) {
		s.metrics.resumes.WithLabelValues("persisted", resultInvalid).Inc()
		if s.cfg.OnSessionInvalid != nil {
			s.cfg.OnSessionInvalid()
		}
		return false
	}

	s.metrics.resumes.WithLabelValues("persisted", resultFailure).Inc()
	state := s.client.State()
	if !state.Locked && !state.Inactive && s.cfg.OnSessionFailure != nil {
		s.cfg.OnSessionFailure(opts)
	}
	return false
}

func loginResult(ok bool) string {
	if ok {
		return resultAuthorized
	}
	return resultLocked
}
