// Package config handles thermserve configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/thermserve/config.yaml, /config/config.yaml,
// /etc/thermserve/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thermserve", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/thermserve/config.yaml")
	return paths
}

// searchPathsFunc is swapped out in tests so FindConfig("") doesn't pick
// up a real config file on the developer or deploy machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all thermserve configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	StatusListen StatusListenConfig `yaml:"status_listen"`
	Database     DatabaseConfig     `yaml:"database"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the device-facing protocol listener.
type ListenConfig struct {
	Address        string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"` // passed to netutil.LimitListener
}

// StatusListenConfig defines the frontend-facing read/health listener.
type StatusListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig defines the SQLite backing store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WatchdogConfig defines availability sweep timing.
type WatchdogConfig struct {
	TimeoutMS       int64 `yaml:"timeout_ms"`
	CheckIntervalMS int64 `yaml:"check_interval_ms"`
}

// SubscriptionConfig defines long-poll waiter defaults.
type SubscriptionConfig struct {
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`
}

// MQTTConfig defines the broker connection used by every per-user MQTT
// bridge; there is no per-user override of these settings.
type MQTTConfig struct {
	BrokerURL               string `yaml:"broker_url"`
	Username                string `yaml:"username"`
	Password                string `yaml:"password"`
	TopicPrefix             string `yaml:"topic_prefix"`
	DiscoveryPrefix         string `yaml:"discovery_prefix"`
	PublishRaw              bool   `yaml:"publish_raw"`
	HomeAssistantDiscovery  bool   `yaml:"homeassistant_discovery"`
	ReconcileIntervalMS     int64  `yaml:"reconcile_interval_ms"`
	ConnectTimeoutMS        int64  `yaml:"connect_timeout_ms"`
	ReconnectPeriodMS       int64  `yaml:"reconnect_period_ms"`
}

// RateLimitConfig defines per-serial request rate limiting on the
// device protocol listener.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8443
	}
	if c.Listen.MaxConnections == 0 {
		c.Listen.MaxConnections = 4096
	}
	if c.StatusListen.Port == 0 {
		c.StatusListen.Port = 8081
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "thermserve.db")
	}
	if c.Watchdog.TimeoutMS == 0 {
		c.Watchdog.TimeoutMS = 300_000
	}
	if c.Watchdog.CheckIntervalMS == 0 {
		c.Watchdog.CheckIntervalMS = 30_000
	}
	if c.Subscription.DefaultTimeoutMS == 0 {
		c.Subscription.DefaultTimeoutMS = 60_000
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "nest"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.ReconcileIntervalMS == 0 {
		c.MQTT.ReconcileIntervalMS = 10_000
	}
	if c.MQTT.ConnectTimeoutMS == 0 {
		c.MQTT.ConnectTimeoutMS = 10_000
	}
	if c.MQTT.ReconnectPeriodMS == 0 {
		c.MQTT.ReconnectPeriodMS = 5_000
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.StatusListen.Port < 1 || c.StatusListen.Port > 65535 {
		return fmt.Errorf("status_listen.port %d out of range (1-65535)", c.StatusListen.Port)
	}
	if c.Watchdog.TimeoutMS <= c.Watchdog.CheckIntervalMS {
		return fmt.Errorf("watchdog.timeout_ms (%d) must exceed watchdog.check_interval_ms (%d)",
			c.Watchdog.TimeoutMS, c.Watchdog.CheckIntervalMS)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
