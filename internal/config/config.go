package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Fencing       FencingConfig       `toml:"fencing"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Detector      DetectorConfig      `toml:"detector"`
	Workers       WorkersConfig       `toml:"workers"`
	Billing       BillingConfig       `toml:"billing"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Inbox         InboxConfig         `toml:"inbox"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	InstanceID   string `toml:"instance_id"` // defaults to the hostname
	Debug        bool   `toml:"debug"`
}

// FencingConfig holds run lease settings
type FencingConfig struct {
	LeaseTTL      string `toml:"lease_ttl"`
	RenewInterval string `toml:"renew_interval"`
}

// SchedulerConfig holds subtask scheduling settings
type SchedulerConfig struct {
	DefaultMaxAttempts int    `toml:"default_max_attempts"`
	DispatchInterval   string `toml:"dispatch_interval"`
}

// DetectorConfig holds stalled-run detection settings
type DetectorConfig struct {
	StallThreshold   string `toml:"stall_threshold"`
	HeartbeatTimeout string `toml:"heartbeat_timeout"`
	Schedule         string `toml:"schedule"`
}

// WorkersConfig holds Worker API transport settings
type WorkersConfig struct {
	WebSocketPort     int    `toml:"websocket_port"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

// BillingConfig selects the billing gateway. An empty endpoint uses the
// in-memory gateway with default_balance credits per tenant.
type BillingConfig struct {
	Endpoint       string `toml:"endpoint"`
	DefaultBalance int64  `toml:"default_balance"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds admin API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// InboxConfig holds the run-spec inbox directory; empty disables it
type InboxConfig struct {
	Dir string `toml:"dir"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".run-orchestrator", "runs.db"),
		},
		Fencing: FencingConfig{
			LeaseTTL:      "30s",
			RenewInterval: "10s",
		},
		Scheduler: SchedulerConfig{
			DefaultMaxAttempts: 3,
			DispatchInterval:   "2s",
		},
		Detector: DetectorConfig{
			StallThreshold:   "5m",
			HeartbeatTimeout: "1m",
			Schedule:         "@every 30s",
		},
		Workers: WorkersConfig{
			WebSocketPort:     8081,
			HeartbeatInterval: "10s",
		},
		Billing: BillingConfig{
			DefaultBalance: 1000,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Inbox.Dir = ExpandPath(cfg.Inbox.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Durations is the parsed form of every duration setting
type Durations struct {
	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	DispatchInterval  time.Duration
	StallThreshold    time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
}

// Durations parses the duration strings
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		out   *time.Duration
	}{
		{"fencing.lease_ttl", c.Fencing.LeaseTTL, &d.LeaseTTL},
		{"fencing.renew_interval", c.Fencing.RenewInterval, &d.RenewInterval},
		{"scheduler.dispatch_interval", c.Scheduler.DispatchInterval, &d.DispatchInterval},
		{"detector.stall_threshold", c.Detector.StallThreshold, &d.StallThreshold},
		{"detector.heartbeat_timeout", c.Detector.HeartbeatTimeout, &d.HeartbeatTimeout},
		{"workers.heartbeat_interval", c.Workers.HeartbeatInterval, &d.HeartbeatInterval},
	}
	for _, f := range fields {
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return d, fmt.Errorf("%s: %w", f.name, err)
		}
		if v <= 0 {
			return d, fmt.Errorf("%s must be positive", f.name)
		}
		*f.out = v
	}
	return d, nil
}

// Validate checks settings that depend on each other
func (c *Config) Validate() error {
	d, err := c.Durations()
	if err != nil {
		return err
	}
	if d.RenewInterval >= d.LeaseTTL {
		return fmt.Errorf("fencing.renew_interval (%v) must be shorter than fencing.lease_ttl (%v)", d.RenewInterval, d.LeaseTTL)
	}
	if d.HeartbeatInterval >= d.HeartbeatTimeout {
		return fmt.Errorf("workers.heartbeat_interval (%v) must be shorter than detector.heartbeat_timeout (%v)", d.HeartbeatInterval, d.HeartbeatTimeout)
	}
	if c.Scheduler.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("scheduler.default_max_attempts must be positive")
	}
	return nil
}

// InstanceID returns the configured instance id or the hostname
func (c *Config) InstanceID() string {
	if c.General.InstanceID != "" {
		return c.General.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "run-orch"
	}
	return host
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "run-orchestrator", "config.toml")
}
