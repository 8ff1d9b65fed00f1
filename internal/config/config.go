// Package config loads the warden CLI configuration: a YAML file whose
// values can be overridden by WARDEN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bbolt"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the complete CLI configuration.
type Config struct {
	// APIURL is the backend the client talks to.
	APIURL     string        `yaml:"api_url"`
	AppVersion string        `yaml:"app_version,omitempty"`
	LocalID    int           `yaml:"local_id,omitempty"`
	LogLevel   string        `yaml:"log_level,omitempty"`
	Storage    StorageConfig `yaml:"storage"`
	Server     ServerConfig  `yaml:"server"`
}

// StorageConfig selects where persisted sessions live.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the bbolt database file.
	Path string `yaml:"path,omitempty"`
	// DSN is the postgres connection string.
	DSN           string        `yaml:"dsn,omitempty"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
	RedisPrefix   string        `yaml:"redis_prefix,omitempty"`
	TTL           time.Duration `yaml:"ttl,omitempty"`
}

// ServerConfig configures the reference backend started by "warden serve".
type ServerConfig struct {
	Port           int           `yaml:"port"`
	TLSCert        string        `yaml:"tls_cert,omitempty"`
	TLSKey         string        `yaml:"tls_key,omitempty"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl,omitempty"`
	SweepInterval  time.Duration `yaml:"sweep_interval,omitempty"`
	Users          []UserConfig  `yaml:"users,omitempty"`
}

// UserConfig is an account seeded into the reference backend.
type UserConfig struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		APIURL:   "http://localhost:8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Driver: DriverBolt,
			Path:   filepath.Join(defaultDataDir(), "sessions.db"),
		},
		Server: ServerConfig{
			Port:           8080,
			AccessTokenTTL: time.Hour,
			SweepInterval:  time.Minute,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "warden")
	}
	return "./data"
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads the file at path over the defaults and applies the
// environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides values from WARDEN_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("WARDEN_API_URL", &c.APIURL)
	str("WARDEN_LOG_LEVEL", &c.LogLevel)
	str("WARDEN_STORAGE_DRIVER", &c.Storage.Driver)
	str("WARDEN_STORAGE_PATH", &c.Storage.Path)
	str("WARDEN_POSTGRES_DSN", &c.Storage.DSN)
	str("WARDEN_REDIS_ADDR", &c.Storage.RedisAddr)
	str("WARDEN_REDIS_PASSWORD", &c.Storage.RedisPassword)
	for key, dst := range map[string]*int{
		"WARDEN_LOCAL_ID":    &c.LocalID,
		"WARDEN_REDIS_DB":    &c.Storage.RedisDB,
		"WARDEN_SERVER_PORT": &c.Server.Port,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the selected storage driver is fully configured.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api_url is required")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for bbolt")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (must be memory, bbolt, postgres or redis)", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	for i, u := range c.Server.Users {
		if u.Name == "" || u.Password == "" {
			return fmt.Errorf("server.users[%d]: name and password are required", i)
		}
	}
	return nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
