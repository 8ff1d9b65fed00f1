// Package backend is a reference implementation of the account backend the
// session lifecycle talks to. It keeps everything in memory and is meant for
// tests, demos and local development, not as an identity provider.
package backend

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/warden/internal/util"
)

const (
	defaultAccessTTL = 1 * time.Hour
	defaultForkTTL   = 10 * time.Minute
)

//go:embed openapi.yaml
var openapiSpec []byte

// Server holds the backend state and its HTTP handlers.
type Server struct {
	state     *state
	now       func() time.Time
	params    util.Argon2idParams
	accessTTL time.Duration
	forkTTL   time.Duration

	logger   *slog.Logger
	alertFn  AlertFunc
	registry *prometheus.Registry
	audit    *auditLogger

	loginLimiter    *attemptLimiter
	pinLimiter      *attemptLimiter
	passwordLimiter *attemptLimiter
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger for request and audit logs.
// If not set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithArgon2idParams sets the parameters used to hash passwords and PINs.
func WithArgon2idParams(p util.Argon2idParams) Option {
	return func(s *Server) { s.params = p }
}

// WithAccessTokenTTL sets how long access tokens stay valid.
func WithAccessTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.accessTTL = ttl }
}

// WithAlertFunc sets the callback for failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(s *Server) { s.alertFn = fn }
}

// WithRegistry registers backend metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// New creates a Server with no users.
func New(opts ...Option) *Server {
	s := &Server{
		state:     newState(),
		now:       time.Now,
		params:    util.DefaultArgon2idParams(),
		accessTTL: defaultAccessTTL,
		forkTTL:   defaultForkTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "backend")
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.audit = newAuditLogger(s.logger, newMetricsCollector(s.registry, s.alertFn, s.now), s.now)
	s.loginLimiter = newAttemptLimiter(s.now)
	s.pinLimiter = newAttemptLimiter(s.now)
	s.passwordLimiter = newAttemptLimiter(s.now)
	return s
}

// Router returns a chi.Router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Post("/auth", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Get("/auth/sessions/forks/{selector}", s.handleConsumeFork)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Delete("/auth", s.handleLogout)
		r.Get("/auth/sessions/local/key", s.handleGetLocalKey)
		r.Put("/auth/sessions/local/key", s.handleSetLocalKey)
		r.Get("/users", s.handleGetUser)

		r.Route("/pass/v1/user/session/lock", func(r chi.Router) {
			r.Get("/", s.handleCheckLock)
			r.Post("/", s.handleCreateLock)
			r.Delete("/", s.handleDeleteLock)
			r.Post("/unlock", s.handleUnlock)
			r.Post("/force_lock", s.handleForceLock)
		})

		// Everything below is refused while the session is locked.
		r.Group(func(r chi.Router) {
			r.Use(s.requireUnlocked)
			r.Put("/users/unlock", s.handleUnlockUser)
			r.Post("/auth/sessions/forks", s.handleCreateFork)
		})
	})

	return r
}

// AddUser registers an account and returns its ID.
func (s *Server) AddUser(name, password string) (string, error) {
	if name == "" || password == "" {
		return "", fmt.Errorf("user name and password are required")
	}
	keySalt, err := util.RandomBytes(saltSize)
	if err != nil {
		return "", err
	}
	pwSalt, err := util.RandomBytes(saltSize)
	if err != nil {
		return "", err
	}
	hash, err := util.DeriveArgon2idKey(password, pwSalt, s.params)
	if err != nil {
		return "", err
	}
	u := &userRecord{
		id:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		name:         name,
		keySalt:      keySalt,
		passwordSalt: pwSalt,
		passwordHash: hash,
	}
	if err := s.state.addUser(u); err != nil {
		return "", err
	}
	return u.id, nil
}

// RevokeSession ends a session as if it was revoked from another device.
func (s *Server) RevokeSession(uid string) bool {
	return s.state.removeSession(uid)
}

// ExpireAccessToken makes the session's current access token stale.
func (s *Server) ExpireAccessToken(uid string) bool {
	err := s.state.withSession(uid, func(rec *sessionRecord) error {
		rec.accessExpires = s.now().Add(-time.Second)
		return nil
	})
	return err == nil
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.sessions)
}

// Sweep drops expired forks and stale rate limit records.
func (s *Server) Sweep() {
	s.state.sweep(s.now())
	s.loginLimiter.sweep()
	s.pinLimiter.sweep()
	s.passwordLimiter.sweep()
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
