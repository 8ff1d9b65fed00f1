package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmcleod/warden/api"
	"github.com/jmcleod/warden/auth"
	"github.com/jmcleod/warden/internal/config"
	"github.com/jmcleod/warden/storage"
	bboltstorage "github.com/jmcleod/warden/storage/bbolt"
	"github.com/jmcleod/warden/storage/memory"
	pgstorage "github.com/jmcleod/warden/storage/postgres"
	redisstorage "github.com/jmcleod/warden/storage/redis"
)

var errNotLoggedIn = errors.New("not logged in: run \"warden login\" first")

// app wires the session service to the configured backend and store.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	client     *api.Client
	svc        *auth.Service
	store      storage.Store
	closeStore func() error
}

func openApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	st, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	opts := []api.Option{api.WithLogger(logger)}
	if cfg.AppVersion != "" {
		opts = append(opts, api.WithAppVersion(cfg.AppVersion))
	} else {
		opts = append(opts, api.WithAppVersion("cli-warden@"+Version))
	}
	client := api.New(cfg.APIURL, opts...)

	hooks := auth.Config{
		OnNotification: func(n auth.Notification) {
			fmt.Fprintf(stderr, "warden: %s\n", n.Text)
		},
	}
	svc := auth.New(client, auth.BindStore(hooks, st, logger), auth.WithLogger(logger))

	return &app{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		svc:        svc,
		store:      st,
		closeStore: closeStore,
	}, nil
}

func (a *app) Close() {
	a.svc.Close()
	if err := a.closeStore(); err != nil {
		a.logger.Warn("closing session store", "error", err)
	}
}

func (a *app) localID() *int {
	id := a.cfg.LocalID
	return &id
}

// resume restores the persisted session. It fails only when there is
// nothing to work with; a locked session is returned as is.
func (a *app) resume(ctx context.Context) error {
	if a.svc.ResumeSession(ctx, a.localID(), auth.ResumeOptions{}) {
		return nil
	}
	// The event bridge applies these asynchronously; a one-shot command
	// settles them before reading the state.
	switch state := a.client.State(); {
	case state.Inactive:
		a.svc.Logout(ctx, auth.LogoutOptions{Soft: true})
		return errors.New("session is no longer active: run \"warden login\" again")
	case state.Locked && a.svc.State() != auth.StateLocked:
		a.svc.Lock(ctx, auth.LockOptions{Soft: true})
	}
	if !a.svc.Store().HasSession() {
		return errNotLoggedIn
	}
	return nil
}

// authorized resumes and requires the session to be unlocked.
func (a *app) authorized(ctx context.Context) error {
	if err := a.resume(ctx); err != nil {
		return err
	}
	switch a.svc.State() {
	case auth.StateAuthorized:
		return nil
	case auth.StateLocked:
		return errors.New("session is locked: run \"warden lock unlock\" first")
	default:
		return errors.New("session could not be resumed")
	}
}

func openStore(ctx context.Context, sc config.StorageConfig) (storage.Store, func() error, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return memory.NewStore(), func() error { return nil }, nil

	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewStoreFromFile(sc.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return s, s.Close, nil

	case config.DriverPostgres:
		s, err := pgstorage.NewStoreFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil

	case config.DriverRedis:
		var opts []redisstorage.Option
		if sc.RedisPrefix != "" {
			opts = append(opts, redisstorage.WithPrefix(sc.RedisPrefix))
		}
		if sc.TTL > 0 {
			opts = append(opts, redisstorage.WithTTL(sc.TTL))
		}
		s, err := redisstorage.NewStoreFromAddr(ctx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
}

// secret returns value, or else the environment variable env, or else a
// line read from in after printing label.
func secret(in io.Reader, out io.Writer, value, env, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	if v, ok := os.LookupEnv(env); ok && v != "" {
		return v, nil
	}
	fmt.Fprintf(out, "%s: ", label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	return line, nil
}
