// Package config loads warden configuration from a TOML file and the environment.
//
// Precedence, lowest first: built-in defaults, the config file, WARDEN_*
// environment variables, command line flags (applied by the CLI).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/layer-3/warden/session"
)

// Store backends
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Event backends
const (
	EventsNone        = "none"
	EventsGoChannel   = "gochannel"
	EventsRedisStream = "redisstream"
)

// Config is the complete warden configuration
type Config struct {
	Client  ClientConfig  `toml:"client"`
	Renewal RenewalConfig `toml:"renewal"`
	Redis   RedisConfig   `toml:"redis"`
	Events  EventsConfig  `toml:"events"`
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`

	// MetricsAddr exposes Prometheus metrics when set, e.g. ":9100"
	MetricsAddr string `toml:"metrics_addr"`
}

// ClientConfig configures the session manager
type ClientConfig struct {
	ServerURL      string        `toml:"server_url"`
	Store          string        `toml:"store"`
	CredentialFile string        `toml:"credential_file"`
	Session        string        `toml:"session"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	VerifyTimeout  time.Duration `toml:"verify_timeout"`
	CleanupTimeout time.Duration `toml:"cleanup_timeout"`
	PublicRoutes   []string      `toml:"public_routes"`
}

// RenewalConfig configures the renewal scheduler
type RenewalConfig struct {
	Lifetime    time.Duration `toml:"lifetime"`
	Fraction    float64       `toml:"fraction"`
	Backoff     time.Duration `toml:"backoff"`
	MaxBackoff  time.Duration `toml:"max_backoff"`
	MinInterval time.Duration `toml:"min_interval"`
	Jitter      float64       `toml:"jitter"`
}

// RedisConfig configures the Redis connection shared by the Redis adapters
type RedisConfig struct {
	URL string `toml:"url"`
}

// EventsConfig configures the session event sink
type EventsConfig struct {
	Backend      string `toml:"backend"`
	StateTopic   string `toml:"state_topic"`
	ExpiredTopic string `toml:"expired_topic"`
	LogoutTopic  string `toml:"logout_topic"`
}

// ServerConfig configures the reference auth server
type ServerConfig struct {
	Listen      string            `toml:"listen"`
	Issuer      string            `toml:"issuer"`
	AccessTTL   time.Duration     `toml:"access_ttl"`
	Revocations string            `toml:"revocations"`
	Accounts    map[string]string `toml:"accounts"`

	// SigningKeyFile is a PEM encoded ECDSA P-256 key; a key is generated per run when empty
	SigningKeyFile string `toml:"signing_key_file"`
}

// LogConfig configures logging
type LogConfig struct {
	// Verbosity is the logr V-level; 1 enables debug output
	Verbosity int `toml:"verbosity"`
}

// Default returns the built-in configuration
func Default() *Config {
	credentialFile := filepath.Join(os.TempDir(), "warden", "credential")
	if dir, err := Dir(); err == nil {
		credentialFile = filepath.Join(dir, "credential")
	}

	return &Config{
		Client: ClientConfig{
			ServerURL:      "http://localhost:9000",
			Store:          StoreFile,
			CredentialFile: credentialFile,
			Session:        "default",
			RequestTimeout: 15 * time.Second,
			VerifyTimeout:  session.DefaultVerifyTimeout,
			CleanupTimeout: session.DefaultCleanupTimeout,
			PublicRoutes:   append([]string(nil), session.DefaultPublicRoutes...),
		},
		Renewal: RenewalConfig{
			Lifetime:    session.DefaultCredentialLifetime,
			Fraction:    session.DefaultRenewalFraction,
			Backoff:     session.DefaultRenewalBackoff,
			MaxBackoff:  session.DefaultMaxRenewalBackoff,
			MinInterval: session.DefaultMinRenewalInterval,
			Jitter:      0.1,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Events: EventsConfig{
			Backend: EventsNone,
		},
		Server: ServerConfig{
			Listen:      ":9000",
			Issuer:      "warden",
			AccessTTL:   5 * time.Minute,
			Revocations: StoreMemory,
			Accounts:    map[string]string{},
		},
	}
}

// Dir returns the per-user warden directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".warden"), nil
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		return p
	}
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.toml")
}

// Load reads the config file at path over the defaults and applies environment
// overrides. An empty path loads DefaultPath if that file exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	if path != "" {
		err := LoadTOML(cfg, path)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the TOML file at path into cfg
func LoadTOML(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides applies WARDEN_* and REDIS_URL environment variables
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WARDEN_SERVER_URL"); v != "" {
		c.Client.ServerURL = v
	}
	if v := os.Getenv("WARDEN_STORE"); v != "" {
		c.Client.Store = strings.ToLower(v)
	}
	if v := os.Getenv("WARDEN_CREDENTIAL_FILE"); v != "" {
		c.Client.CredentialFile = v
	}
	if v := os.Getenv("WARDEN_SESSION"); v != "" {
		c.Client.Session = v
	}
	if v := os.Getenv("WARDEN_EVENTS"); v != "" {
		c.Events.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("WARDEN_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("WARDEN_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("WARDEN_LOG_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Log.Verbosity = n
		}
	}

	// REDIS_URL is shared with other services on the same host
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for values the components would reject
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Client.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("client.server_url", "must be an http or https URL, got %q", c.Client.ServerURL)
	}

	switch c.Client.Store {
	case StoreFile:
		if c.Client.CredentialFile == "" {
			add("client.credential_file", "required when client.store is %q", StoreFile)
		}
	case StoreMemory, StoreRedis:
	default:
		add("client.store", "invalid store %q, must be one of: file, memory, redis", c.Client.Store)
	}

	if c.Client.Session == "" {
		add("client.session", "must not be empty")
	}

	switch c.Events.Backend {
	case EventsNone, EventsGoChannel, EventsRedisStream:
	default:
		add("events.backend", "invalid backend %q, must be one of: none, gochannel, redisstream", c.Events.Backend)
	}

	switch c.Server.Revocations {
	case StoreMemory, StoreRedis:
	default:
		add("server.revocations", "invalid store %q, must be one of: memory, redis", c.Server.Revocations)
	}

	if c.Renewal.Fraction <= 0 || c.Renewal.Fraction >= 1 {
		add("renewal.fraction", "must be between 0 and 1, got %v", c.Renewal.Fraction)
	}
	if c.Renewal.Jitter < 0 || c.Renewal.Jitter >= 1 {
		add("renewal.jitter", "must be in [0, 1), got %v", c.Renewal.Jitter)
	}
	if c.Renewal.MaxBackoff > 0 && c.Renewal.MaxBackoff < c.Renewal.Backoff {
		add("renewal.max_backoff", "must not be lower than renewal.backoff")
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"client.request_timeout", c.Client.RequestTimeout},
		{"client.verify_timeout", c.Client.VerifyTimeout},
		{"client.cleanup_timeout", c.Client.CleanupTimeout},
		{"renewal.lifetime", c.Renewal.Lifetime},
		{"renewal.backoff", c.Renewal.Backoff},
		{"renewal.min_interval", c.Renewal.MinInterval},
		{"server.access_ttl", c.Server.AccessTTL},
	} {
		if d.value < 0 {
			add(d.field, "must not be negative")
		}
	}

	if c.Client.Store == StoreRedis || c.Events.Backend == EventsRedisStream || c.Server.Revocations == StoreRedis {
		if c.Redis.URL == "" {
			add("redis.url", "required by the configured redis backends")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SessionRenewal converts the renewal section for the session package
func (c *Config) SessionRenewal() session.RenewalConfig {
	return session.RenewalConfig{
		Lifetime:    c.Renewal.Lifetime,
		Fraction:    c.Renewal.Fraction,
		Backoff:     c.Renewal.Backoff,
		MaxBackoff:  c.Renewal.MaxBackoff,
		MinInterval: c.Renewal.MinInterval,
		Jitter:      c.Renewal.Jitter,
	}
}
