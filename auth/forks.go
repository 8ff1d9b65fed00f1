package auth

import (
	"context"
	"errors"

	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/fork"
	"github.com/jmcleod/warden/lock"
)

// ErrUnauthorized is returned by operations that need an authorized session.
var ErrUnauthorized = errors.New("session is not authorized")

// RequestFork prepares a fork request and tracks it so that its answer can
// be consumed.
func (s *Service) RequestFork(opts fork.RequestOptions) (fork.RequestResult, error) {
	r, err := fork.Request(opts)
	s.metrics.forks.WithLabelValues("request", outcome(err)).Inc()
	if err != nil {
		return fork.RequestResult{}, err
	}
	s.tracker.Track(r)
	if s.cfg.OnForkRequest != nil {
		s.cfg.OnForkRequest(r)
	}
	return r, nil
}

// ProduceFork answers a fork request on behalf of the authorized session
// and returns the selector the requester exchanges.
func (s *Service) ProduceFork(ctx context.Context, req fork.ProduceRequest) (string, error) {
	if s.State() != StateAuthorized {
		return "", ErrUnauthorized
	}
	selector, err := fork.Produce(ctx, s.client, s.store.KeyPassword(), req)
	s.metrics.forks.WithLabelValues("produce", outcome(err)).Inc()
	return selector, err
}

// ConsumeFork exchanges a fork payload for a session and logs it in. When
// apiURL is set only the exchange itself is sent there. The session is persisted
// once logged in, and also when it turned out locked so that it survives
// without another fork. Any failure ends in a soft logout.
func (s *Service) ConsumeFork(ctx context.Context, payload fork.Payload, apiURL string) bool {
	if s.cfg.OnAuthorize != nil {
		s.cfg.OnAuthorize()
	}
	if apiURL != "" {
		payload.APIURL = apiURL
	}

	sess, err := fork.Consume(ctx, s.client, s.tracker, payload)
	if err == nil && s.cfg.OnForkConsumed != nil {
		err = s.cfg.OnForkConsumed(ctx, sess, payload.State)
	}
	if err != nil {
		s.metrics.forks.WithLabelValues("consume", resultInvalid).Inc()
		s.logger.Warn("consuming fork failed", "error", err)
		s.notify(Notification{Text: "Your session could not be authorized. (" + api.ErrorMessage(err) + ")"})
		if s.cfg.OnForkInvalid != nil {
			s.cfg.OnForkInvalid()
		}
		s.Logout(ctx, LogoutOptions{Soft: true})
		return false
	}

	loggedIn := s.Login(ctx, sess)
	locked := s.store.LockStatus() == lock.StatusLocked
	s.metrics.forks.WithLabelValues("consume", loginResult(loggedIn)).Inc()

	if locked {
		s.client.Reset()
	}
	if loggedIn || locked {
		s.PersistSession(ctx)
	}
	return loggedIn
}
