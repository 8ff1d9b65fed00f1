// Package auth drives the client-side session lifecycle: login and logout,
// resuming persisted sessions, session forks, the PIN lock and reacting to
// what the network layer observes.
//
// A Service owns one Store and one Backend. The application takes part
// through the hooks in Config and reads the Store; it never writes to it.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/fork"
	"github.com/jmcleod/warden/lock"
	"github.com/jmcleod/warden/session"
)

// Backend is the network layer the Service drives. *api.Client implements
// it.
type Backend interface {
	session.KeyService
	session.TokenSource
	lock.Client
	fork.Client

	SetCredentials(api.Credentials)
	ClearCredentials()
	Reset()
	State() api.State
	Subscribe() (<-chan api.Event, func())
	Revoke(ctx context.Context) error
	UnlockUser(ctx context.Context, password string) error
}

var _ Backend = (*api.Client)(nil)

// State is the lifecycle state derived from the Store.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthorizing     State = "authorizing"
	StateAuthorized      State = "authorized"
	StateLocked          State = "locked"
)

// ErrNoPersistedSession is returned by Unlock when the locked session was
// never decrypted and its persisted copy is gone.
var ErrNoPersistedSession = errors.New("no persisted session to unlock")

// Service is the session state machine. It is safe for concurrent use.
type Service struct {
	client  Backend
	cfg     Config
	store   *Store
	tracker *fork.Tracker
	logger  *slog.Logger
	metrics *metrics
	now     func() time.Time

	mu         sync.Mutex
	authorized bool
	// memoryLocked disables the in-memory resume path until the next
	// successful login.
	memoryLocked bool

	initFlight singleflight.Group
	attempts   atomic.Int64

	persists sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	stop      func()
	bridge    sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The service adds component=auth.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRegisterer registers the service metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.metrics = newMetrics(reg) }
}

// WithTracker shares a fork tracker between services.
func WithTracker(t *fork.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

// WithStore installs st instead of a fresh Store.
func WithStore(st *Store) Option {
	return func(s *Service) { s.store = st }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service and starts listening to client events. Call Close
// to stop.
func New(client Backend, cfg Config, opts ...Option) *Service {
	s := &Service{
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewStore()
	}
	if s.tracker == nil {
		s.tracker = fork.NewTracker(fork.DefaultTrackerTTL)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	s.logger = s.logger.With("component", "auth")
	s.ctx, s.cancel = context.WithCancel(context.Background())

	events, stop := client.Subscribe()
	s.stop = stop
	s.bridge.Add(1)
	go s.listen(events)
	return s
}

// Store returns the store holding the active session.
func (s *Service) Store() *Store { return s.store }

// Tracker returns the tracker of pending fork requests.
func (s *Service) Tracker() *fork.Tracker { return s.tracker }

// State derives the lifecycle state.
func (s *Service) State() State {
	if !s.store.HasSession() {
		return StateUnauthenticated
	}
	if s.store.LockStatus() == lock.StatusLocked {
		return StateLocked
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorized {
		return StateAuthorized
	}
	return StateAuthorizing
}

// Init bootstraps the service. Concurrent calls share one run. Failures
// are logged and reported as false.
func (s *Service) Init(ctx context.Context, opts ResumeOptions) bool {
	v, _, _ := s.initFlight.Do("init", func() (any, error) {
		s.logger.Info("initialization start")
		if s.cfg.OnInit == nil {
			return s.ResumeSession(ctx, nil, opts), nil
		}
		ok, err := s.cfg.OnInit(ctx, opts)
		if err != nil {
			s.logger.Warn("initialization failure", "error", err)
			return false, nil
		}
		return ok, nil
	})
	return v.(bool)
}

// Login installs sess. It returns false if sess is invalid or the session
// turns out to be locked, in which case the service is left locked.
func (s *Service) Login(ctx context.Context, sess session.Session) bool {
	if s.cfg.OnAuthorize != nil {
		s.cfg.OnAuthorize()
	}
	s.setAuthorized(false)

	if !session.IsValidSession(sess) {
		s.store.Clear()
		s.loginFailed(session.ErrInvalidSession)
		return false
	}

	s.store.SetSession(sess)
	s.client.SetCredentials(credentialsOf(sess))
	s.client.Reset()

	status := s.store.LockStatus()
	if status == lock.StatusUnknown {
		l, err := s.CheckLock(ctx)
		if err != nil {
			s.loginFailed(err)
			return false
		}
		status = l.Status
	}

	locked := status == lock.StatusLocked
	hasToken := sess.SessionLockToken != ""
	if locked || (status == lock.StatusRegistered && !hasToken) {
		s.logger.Info("detected locked session", "locked", locked, "token", hasToken)
		s.Lock(ctx, LockOptions{Soft: true})
		s.metrics.logins.WithLabelValues(resultLocked).Inc()
		return false
	}

	s.mu.Lock()
	s.authorized = true
	s.memoryLocked = false
	s.mu.Unlock()
	s.attempts.Store(0)
	s.metrics.logins.WithLabelValues(resultAuthorized).Inc()

	s.logger.Info("user is authorized", "uid", sess.UID)
	if s.cfg.OnAuthorized != nil {
		s.cfg.OnAuthorized(s.store.UserID(), s.store.LocalID())
	}
	return true
}

func (s *Service) loginFailed(err error) {
	s.logger.Warn("logging in session failed", "error", err)
	s.metrics.logins.WithLabelValues(resultFailure).Inc()
	s.notify(Notification{Text: "Your session could not be resumed."})
	if s.cfg.OnSessionFailure != nil {
		s.cfg.OnSessionFailure(ResumeOptions{ForceLock: true, Retryable: true})
	}
}

// Logout forgets the session. It always succeeds locally; revoking the
// session server-side is best effort.
func (s *Service) Logout(ctx context.Context, opts LogoutOptions) {
	s.logger.Info("user is not authorized", "soft", opts.Soft)
	localID := s.store.LocalID()
	userID := s.store.UserID()

	if !opts.Soft {
		if err := s.client.Revoke(ctx); err != nil {
			s.logger.Debug("revoking session failed", "error", err)
		}
	}

	s.client.Reset()
	s.client.ClearCredentials()
	s.store.Clear()
	s.attempts.Store(0)
	s.mu.Lock()
	s.authorized = false
	s.memoryLocked = false
	s.mu.Unlock()

	if s.cfg.OnUnauthorized != nil {
		s.cfg.OnUnauthorized(userID, localID, opts.Broadcast)
	}
}

// Lock locks the session locally. Unless soft, or already locked, the lock
// is also forced server-side; a failure there does not prevent the local
// lock.
func (s *Service) Lock(ctx context.Context, opts LockOptions) {
	s.logger.Info("locking session", "soft", opts.Soft)
	if s.cfg.OnSessionLocked != nil {
		s.cfg.OnSessionLocked(s.store.LocalID(), opts.Broadcast)
	}

	if s.store.LockStatus() != lock.StatusLocked && !opts.Soft {
		err := lock.Force(ctx, s.client)
		s.metrics.locks.WithLabelValues("force", outcome(err)).Inc()
		if err != nil {
			s.logger.Warn("forcing server lock failed", "error", err)
		}
	}

	s.store.SetLockStatus(lock.StatusLocked)
	s.store.SetLockToken("")
	s.store.SetLockLastExtend(time.Time{})

	s.mu.Lock()
	s.authorized = false
	s.memoryLocked = true
	s.mu.Unlock()
}

// Unlock exchanges pin for a lock token and logs the session back in. A
// lock removed by another client counts as unlocked without a token. Any
// other failure is returned and leaves the session locked.
func (s *Service) Unlock(ctx context.Context, pin string) error {
	s.logger.Info("unlocking session")
	s.client.Reset()

	token, err := lock.Unlock(ctx, s.client, pin)
	if errors.Is(err, lock.ErrLockRemoved) {
		s.notify(Notification{
			Key:  NotificationSessionLock,
			Text: "Your PIN code was removed by another client.",
		})
		token, err = "", nil
	}
	s.metrics.locks.WithLabelValues("unlock", outcome(err)).Inc()
	if err != nil {
		s.logger.Warn("session unlock failure", "error", err)
		return err
	}

	if s.store.KeyPassword() == "" {
		// Locked before the persisted blob could be opened.
		sess, err := s.openPersisted(ctx)
		if err != nil {
			s.logger.Warn("session unlock failure", "error", err)
			return err
		}
		s.store.SetSession(sess)
	}

	s.store.SetLockToken(token)
	if _, err := s.CheckLock(ctx); err != nil {
		s.logger.Warn("session unlock failure", "error", err)
		return err
	}
	s.PersistSession(ctx)

	loggedIn := s.Login(ctx, session.MergeSessionTokens(s.store.Session(), s.tokens()))
	if loggedIn && token != "" && s.cfg.OnSessionUnlocked != nil {
		s.cfg.OnSessionUnlocked(token)
	}
	return nil
}

func (s *Service) openPersisted(ctx context.Context) (session.Session, error) {
	persisted, err := s.persistedSession(ctx, s.store.LocalID())
	if err != nil {
		return session.Session{}, err
	}
	if persisted == nil || persisted.UID != s.store.UID() {
		return session.Session{}, ErrNoPersistedSession
	}
	sess, _, err := session.Resume(ctx, s.client, s.client, persisted)
	return sess, err
}

// CheckLock probes the lock, which also extends its TTL server-side, and
// records the result.
func (s *Service) CheckLock(ctx context.Context) (lock.Lock, error) {
	s.logger.Debug("checking session lock status")
	l, err := lock.Check(ctx, s.client)
	if err != nil {
		return lock.Lock{}, err
	}
	s.store.SetLockStatus(l.Status)
	s.store.SetLockTTL(l.TTL)
	s.store.SetLockLastExtend(s.now())
	s.lockUpdated(ctx, l, false)
	return l, nil
}

// CreateLock registers a PIN lock and persists the session in the
// background.
func (s *Service) CreateLock(ctx context.Context, pin string, ttl time.Duration) error {
	token, err := lock.Create(ctx, s.client, pin, ttl)
	s.metrics.locks.WithLabelValues("create", outcome(err)).Inc()
	if err != nil {
		return err
	}

	s.store.SetLockToken(token)
	s.store.SetLockTTL(ttl)
	s.store.SetLockStatus(lock.StatusRegistered)
	s.lockUpdated(ctx, lock.Lock{Status: lock.StatusRegistered, TTL: ttl}, true)
	s.persistAsync(ctx)
	return nil
}

// DeleteLock removes the PIN lock and persists the session in the
// background.
func (s *Service) DeleteLock(ctx context.Context, pin string) error {
	err := lock.Delete(ctx, s.client, pin)
	s.metrics.locks.WithLabelValues("delete", outcome(err)).Inc()
	if err != nil {
		return err
	}

	s.store.SetLockToken("")
	s.store.SetLockTTL(0)
	s.store.SetLockStatus(lock.StatusNone)
	s.lockUpdated(ctx, lock.Lock{Status: lock.StatusNone}, true)
	s.persistAsync(ctx)
	return nil
}

func (s *Service) lockUpdated(ctx context.Context, l lock.Lock, broadcast bool) {
	if s.cfg.OnSessionLockUpdate == nil {
		return
	}
	if err := s.cfg.OnSessionLockUpdate(ctx, l, broadcast); err != nil {
		s.logger.Warn("lock update hook failed", "error", err)
	}
}

// PersistSession seals the current session under a fresh local key and
// hands it to OnSessionPersist. Failures are logged, never returned.
func (s *Service) PersistSession(ctx context.Context) {
	s.logger.Info("persisting session")
	encrypted, err := session.Encrypt(ctx, s.client, liveSession{TokenSource: s.tokens(), store: s.store})
	if err == nil && s.cfg.OnSessionPersist != nil {
		err = s.cfg.OnSessionPersist(ctx, encrypted)
	}
	if err != nil {
		s.metrics.persistFailures.Inc()
		s.logger.Warn("persisting session failure", "error", err)
	}
}

// persistAsync persists without making the caller wait. Wait blocks until
// every such run is done.
func (s *Service) persistAsync(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.persists.Add(1)
	go func() {
		defer s.persists.Done()
		s.PersistSession(ctx)
	}()
}

// ConfirmPassword re-authenticates the user with the backend. Failures are
// reported through OnNotification.
func (s *Service) ConfirmPassword(ctx context.Context, password string) bool {
	if err := s.client.UnlockUser(ctx, password); err != nil {
		s.notify(Notification{Text: api.ErrorMessage(err)})
		return false
	}
	return true
}

// ResumeAttempts returns how many resumes ran since the last success, login
// or logout.
func (s *Service) ResumeAttempts() int {
	return int(s.attempts.Load())
}

// Wait blocks until background persistence is done.
func (s *Service) Wait() {
	s.persists.Wait()
}

// Close stops handling client events and waits for background work.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.stop()
		s.cancel()
		s.bridge.Wait()
		s.persists.Wait()
	})
}

func (s *Service) setAuthorized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = v
}

func (s *Service) notify(n Notification) {
	if s.cfg.OnNotification != nil {
		s.cfg.OnNotification(n)
	}
}

// tokens returns the client as a token source only while it still
// authenticates as the stored session.
func (s *Service) tokens() session.TokenSource {
	return matchingTokens{client: s.client, uid: s.store.UID()}
}

type matchingTokens struct {
	client Backend
	uid    string
}

func (m matchingTokens) current() bool { return m.uid != "" && m.client.UID() == m.uid }

func (m matchingTokens) UID() string {
	if !m.current() {
		return ""
	}
	return m.uid
}

func (m matchingTokens) AccessToken() string {
	if !m.current() {
		return ""
	}
	return m.client.AccessToken()
}

func (m matchingTokens) RefreshToken() string {
	if !m.current() {
		return ""
	}
	return m.client.RefreshToken()
}

func (m matchingTokens) RefreshTime() *int64 {
	if !m.current() {
		return nil
	}
	return m.client.RefreshTime()
}

// liveSession is the stored session with the newest tokens.
type liveSession struct {
	session.TokenSource
	store *Store
}

func (l liveSession) Session() session.Session { return l.store.Session() }

func credentialsOf(sess session.Session) api.Credentials {
	c := api.Credentials{
		UID:          sess.UID,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
	}
	if sess.RefreshTime != nil {
		c.RefreshTime = *sess.RefreshTime
	}
	return c
}
