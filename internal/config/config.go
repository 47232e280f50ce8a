package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/stbridge/internal/samsung"
)

// Config represents the application configuration
type Config struct {
	SmartThings     SmartThingsConfig   `yaml:"smartthings"`
	Webhook         WebhookConfig       `yaml:"webhook"`
	Relay           RelayConfig         `yaml:"relay"`
	Subscriptions   SubscriptionsConfig `yaml:"subscriptions"`
	Samsung         SamsungConfig       `yaml:"samsung"`
	TVs             []TVConfig          `yaml:"tvs"`
	Storage         StorageConfig       `yaml:"storage"`
	Database        DatabaseConfig      `yaml:"database"`
	Log             LogConfig           `yaml:"log"`
	Ledger          LedgerConfig        `yaml:"ledger"`
	Healthcheck     HealthcheckConfig   `yaml:"healthcheck"`
	EventBus        EventBusConfig      `yaml:"eventbus"`
	ShutdownTimeout Duration            `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// SmartThingsConfig contains cloud API settings
type SmartThingsConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Token          string   `yaml:"token"`
	InstalledAppID string   `yaml:"installed_app_id"` // used until one is captured from a lifecycle request
	LocationID     string   `yaml:"location_id"`
	Timeout        Duration `yaml:"timeout"`

	// RefreshInterval re-lists devices and replans subscriptions when the
	// capability set changed (0 = only at startup)
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// WebhookConfig contains inbound webhook server settings
type WebhookConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TargetURL string `yaml:"target_url"` // public URL echoed on CONFIRMATION
}

// RelayConfig contains long-poll relay settings
type RelayConfig struct {
	Enabled     bool     `yaml:"enabled"`
	URL         string   `yaml:"url"`
	Token       string   `yaml:"token"`
	PollTimeout Duration `yaml:"poll_timeout"`

	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // default: 1s
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // default: 5m
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // default: 2.0
	MaxReconnects   int      `yaml:"max_reconnects"`    // 0 = infinite
}

// SubscriptionsConfig contains push subscription budget settings
type SubscriptionsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Limit        int      `yaml:"limit"`          // default: 20
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // pace of create calls
	Capabilities []string `yaml:"capabilities"`   // explicit selection, overrides prioritization
}

// SamsungConfig contains local TV control channel timeouts
type SamsungConfig struct {
	AppName            string   `yaml:"app_name"`
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	PairingTimeout     Duration `yaml:"pairing_timeout"`
	HoldConnectTimeout Duration `yaml:"hold_connect_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	RemoteWait         Duration `yaml:"remote_wait"`
	ArtConnectTimeout  Duration `yaml:"art_connect_timeout"`
	ArtReadyGrace      Duration `yaml:"art_ready_grace"`
	ArtWait            Duration `yaml:"art_wait"`
	StatusTimeout      Duration `yaml:"status_timeout"`
	SettleDelay        Duration `yaml:"settle_delay"`
	// StatusDebounce groups power events before the art mode is re-read.
	StatusDebounce     Duration `yaml:"status_debounce"`
}

// TVConfig is one locally controlled TV
type TVConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	DeviceID string `yaml:"device_id"` // cloud device the TV corresponds to
}

// StorageConfig contains the directory for token files and the capability list
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // default: 1, keeps events ordered
	QueueSize int `yaml:"queue_size"` // default: 256
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./stbridge.sqlite"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "."
	}

	if cfg.SmartThings.Timeout == 0 {
		cfg.SmartThings.Timeout = Duration(30 * time.Second)
	}

	if cfg.Webhook.Host == "" {
		cfg.Webhook.Host = "0.0.0.0"
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 3000
	}

	if cfg.Relay.PollTimeout == 0 {
		cfg.Relay.PollTimeout = Duration(85 * time.Second)
	}
	if cfg.Relay.MinRetryBackoff == 0 {
		cfg.Relay.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Relay.MaxRetryBackoff == 0 {
		cfg.Relay.MaxRetryBackoff = Duration(5 * time.Minute)
	}
	if cfg.Relay.RetryMultiplier == 0 {
		cfg.Relay.RetryMultiplier = 2.0
	}

	if cfg.Subscriptions.Limit == 0 {
		cfg.Subscriptions.Limit = 20
	}
	if cfg.Subscriptions.RateLimitRPS == 0 {
		cfg.Subscriptions.RateLimitRPS = 5.0
	}

	cfg.Samsung.applyDefaults()

	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	if cfg.EventBus.Workers <= 0 {
		cfg.EventBus.Workers = 1
	}
	if cfg.EventBus.QueueSize <= 0 {
		cfg.EventBus.QueueSize = 256
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Subscriptions.Limit < 1 || c.Subscriptions.Limit > 20 {
		return fmt.Errorf("subscriptions.limit must be between 1 and 20, got %d", c.Subscriptions.Limit)
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when relay is enabled")
	}
	seen := make(map[string]bool)
	for i, tv := range c.TVs {
		if tv.Name == "" || tv.Address == "" {
			return fmt.Errorf("tvs[%d]: name and address are required", i)
		}
		if seen[tv.Name] {
			return fmt.Errorf("tvs[%d]: duplicate name %q", i, tv.Name)
		}
		seen[tv.Name] = true
	}
	return nil
}

// TV returns the TV with the given name.
func (c *Config) TV(name string) (TVConfig, bool) {
	for _, tv := range c.TVs {
		if tv.Name == name {
			return tv, true
		}
	}
	return TVConfig{}, false
}

func (s *SamsungConfig) applyDefaults() {
	d := samsung.DefaultConfig()
	if s.AppName == "" {
		s.AppName = d.AppName
	}
	set := func(v *Duration, def time.Duration) {
		if *v == 0 {
			*v = Duration(def)
		}
	}
	set(&s.ConnectTimeout, d.ConnectTimeout)
	set(&s.PairingTimeout, d.PairingTimeout)
	set(&s.HoldConnectTimeout, d.HoldConnectTimeout)
	set(&s.IdleTimeout, d.IdleTimeout)
	set(&s.RemoteWait, d.RemoteWaitCeiling)
	set(&s.ArtConnectTimeout, d.ArtConnectTimeout)
	set(&s.ArtReadyGrace, d.ArtReadyGrace)
	set(&s.ArtWait, d.ArtWaitCeiling)
	set(&s.StatusTimeout, d.StatusTimeout)
	set(&s.SettleDelay, d.SettleDelay)
	set(&s.StatusDebounce, 2*time.Second)
}

// Client converts the section to the control channel client configuration.
func (s SamsungConfig) Client() samsung.Config {
	c := samsung.DefaultConfig()
	c.AppName = s.AppName
	c.ConnectTimeout = s.ConnectTimeout.Duration()
	c.PairingTimeout = s.PairingTimeout.Duration()
	c.HoldConnectTimeout = s.HoldConnectTimeout.Duration()
	c.IdleTimeout = s.IdleTimeout.Duration()
	c.RemoteWaitCeiling = s.RemoteWait.Duration()
	c.ArtConnectTimeout = s.ArtConnectTimeout.Duration()
	c.ArtReadyGrace = s.ArtReadyGrace.Duration()
	c.ArtWaitCeiling = s.ArtWait.Duration()
	c.StatusTimeout = s.StatusTimeout.Duration()
	c.SettleDelay = s.SettleDelay.Duration()
	return c
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
