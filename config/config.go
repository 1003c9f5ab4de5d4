// Package config loads the attendd runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// StoreBackend selects the Store Gateway implementation
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreRedis    StoreBackend = "redis"
	StorePostgres StoreBackend = "postgres"
)

// Config contains all runtime configuration. Defaults are provided via struct tags.
type Config struct {
	HTTPAddr string `env:"ATTEND_HTTP_ADDR,default=:9000"`
	LogLevel string `env:"ATTEND_LOG_LEVEL,default=info"`

	// Comma-separated origins allowed to open the token stream.
	// Empty keeps the same-origin check.
	WSAllowedOrigins string `env:"ATTEND_WS_ALLOWED_ORIGINS"`

	// Protocol timings
	RotationInterval   time.Duration `env:"ATTEND_ROTATION_INTERVAL,default=5s"`
	HeartbeatInterval  time.Duration `env:"ATTEND_HEARTBEAT_INTERVAL,default=7s"`
	ActivationDebounce time.Duration `env:"ATTEND_ACTIVATION_DEBOUNCE,default=5s"`
	StoreTimeout       time.Duration `env:"ATTEND_STORE_TIMEOUT,default=3s"`

	// Activation policy
	ActivationMaxAttempts int           `env:"ATTEND_ACTIVATION_MAX_ATTEMPTS,default=3"`
	ActivationBackoff     time.Duration `env:"ATTEND_ACTIVATION_BACKOFF,default=250ms"`
	RaceRepeatDelay       time.Duration `env:"ATTEND_RACE_REPEAT_DELAY,default=1s"`

	// Storage
	Store       StoreBackend `env:"ATTEND_STORE,default=memory"`
	RedisURL    string       `env:"ATTEND_REDIS_URL,default=redis://localhost:6379/0"`
	RedisPrefix string       `env:"ATTEND_REDIS_PREFIX,default=attendance:"`
	DatabaseURL string       `env:"ATTEND_DATABASE_URL"`

	// Events and remote scan ingestion over redis streams
	EventsEnabled bool   `env:"ATTEND_EVENTS_ENABLED,default=false"`
	ScanTopic     string `env:"ATTEND_SCAN_TOPIC,default=attendance.scans"`
	ConsumerGroup string `env:"ATTEND_CONSUMER_GROUP,default=attendd"`

	ShutdownTimeout time.Duration `env:"ATTEND_SHUTDOWN_TIMEOUT,default=10s"`
}

// Load decodes Config from the environment and validates it
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Store = StoreBackend(strings.ToLower(strings.TrimSpace(string(cfg.Store))))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AllowedOrigins returns WSAllowedOrigins split into a list
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.WSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate rejects configurations the protocol cannot run with.
// The heartbeat must be longer than the rotation so a missed heartbeat does
// not invalidate tokens still in flight.
func (c Config) Validate() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"rotation interval", c.RotationInterval},
		{"heartbeat interval", c.HeartbeatInterval},
		{"store timeout", c.StoreTimeout},
		{"shutdown timeout", c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.ActivationDebounce < 0 || c.ActivationBackoff < 0 || c.RaceRepeatDelay < 0 {
		return errors.New("activation delays must not be negative")
	}
	if c.HeartbeatInterval <= c.RotationInterval {
		return fmt.Errorf("heartbeat interval (%s) must be longer than rotation interval (%s)", c.HeartbeatInterval, c.RotationInterval)
	}
	if c.ActivationMaxAttempts < 1 {
		return fmt.Errorf("activation max attempts must be at least 1, got %d", c.ActivationMaxAttempts)
	}

	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("ATTEND_REDIS_URL is required for the redis store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("ATTEND_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}

	if c.EventsEnabled && c.RedisURL == "" {
		return errors.New("ATTEND_REDIS_URL is required when events are enabled")
	}
	return nil
}
