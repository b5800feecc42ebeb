package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for report-sync.
type Config struct {
	// Backend the engine talks to for mutations and delivery acks.
	BackendBaseURL string `env:"BACKEND_BASE_URL"`

	// Bearer token forwarded on every request. Issuing and refreshing
	// tokens is the embedding application's job.
	APIToken string `env:"API_TOKEN"`

	// Path to the channel routing file (see LoadChannels).
	ChannelsFile string `env:"CHANNELS_FILE" envDefault:"channels.yaml"`

	// Leader lease database path. When empty it defaults to
	// ~/.report-sync/leader.db.
	LeaseFile string `env:"LEASE_FILE"`

	// LeaseTTL is how long a leader heartbeat stays valid. A leader
	// that misses renewals past the TTL steps down and re-contests;
	// followers retry acquisition on the renew interval.
	LeaseTTL      time.Duration `env:"LEASE_TTL" envDefault:"15s"`
	RenewInterval time.Duration `env:"LEASE_RENEW_INTERVAL" envDefault:"5s"`

	// IdleThreshold is how long without user activity before a follower
	// suspends its push transports.
	IdleThreshold time.Duration `env:"IDLE_THRESHOLD" envDefault:"5m"`

	// ActivityFile, when set, is touched by the UI shell on user input
	// (pointer, key, touch, scroll, visibility). The idle monitor watches
	// it so activity can be fed in without linking the engine.
	ActivityFile string `env:"ACTIVITY_FILE"`

	// AuthorityLogSize bounds how far back duplicate push events can be
	// detected. An explicit, tunable parameter rather than an accident.
	AuthorityLogSize int `env:"AUTHORITY_LOG_SIZE" envDefault:"512"`

	// Circuit breaker tuning: open after CircuitFailureThreshold
	// consecutive failures within CircuitWindow; close after
	// CircuitCooldown or a successful round-trip.
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitWindow           time.Duration `env:"CIRCUIT_WINDOW" envDefault:"30s"`
	CircuitCooldown         time.Duration `env:"CIRCUIT_COOLDOWN" envDefault:"15s"`

	// TelemetryBuffer is the emitter queue depth.
	TelemetryBuffer int `env:"TELEMETRY_BUFFER" envDefault:"256"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "report-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.LeaseFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.LeaseFile = filepath.Join(home, ".report-sync", "leader.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}

	if _, err := url.Parse(c.BackendBaseURL); err != nil {
		return fmt.Errorf("BACKEND_BASE_URL is not a valid URL: %w", err)
	}

	if c.IdleThreshold <= 0 {
		return fmt.Errorf("IDLE_THRESHOLD must be positive")
	}

	if c.AuthorityLogSize <= 0 {
		return fmt.Errorf("AUTHORITY_LOG_SIZE must be positive")
	}

	if c.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be positive")
	}

	if c.LeaseTTL <= c.RenewInterval {
		return fmt.Errorf("LEASE_TTL must be longer than LEASE_RENEW_INTERVAL")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ChannelRoute describes one logical push channel: its key, the endpoint
// URL, and the event types it carries.
type ChannelRoute struct {
	Key    string   `yaml:"key"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

type channelsFile struct {
	Channels []ChannelRoute `yaml:"channels"`
}

// LoadChannels parses the channel routing file. Each entry must carry a
// unique key and a URL; the event list may be empty (the channel then
// delivers only the generic message type).
func LoadChannels(path string) ([]ChannelRoute, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading channels file: %w", err)
	}

	var cf channelsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parsing channels file: %w", err)
	}

	seen := make(map[string]struct{}, len(cf.Channels))

	for i, route := range cf.Channels {
		if route.Key == "" {
			return nil, fmt.Errorf("channel entry %d has no key", i+1)
		}

		if route.URL == "" {
			return nil, fmt.Errorf("channel %q has no url", route.Key)
		}

		if _, dup := seen[route.Key]; dup {
			return nil, fmt.Errorf("duplicate channel key %q", route.Key)
		}

		seen[route.Key] = struct{}{}
	}

	return cf.Channels, nil
}
