package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc so this doesn't depend on the absence of real
	// config files on the machine running the test.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${THERMSERVE_TEST_PASSWORD}\n"), 0600)
	os.Setenv("THERMSERVE_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("THERMSERVE_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: plain-inline-secret\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "plain-inline-secret" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "plain-inline-secret")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Listen.Port != 8443 {
		t.Errorf("listen.port = %d, want 8443", cfg.Listen.Port)
	}
	if cfg.Listen.MaxConnections != 4096 {
		t.Errorf("listen.max_connections = %d, want 4096", cfg.Listen.MaxConnections)
	}
	if cfg.StatusListen.Port != 8081 {
		t.Errorf("status_listen.port = %d, want 8081", cfg.StatusListen.Port)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("data_dir = %q, want ./data", cfg.DataDir)
	}
	if cfg.Database.Path != filepath.Join(cfg.DataDir, "thermserve.db") {
		t.Errorf("database.path = %q, want %q", cfg.Database.Path, filepath.Join(cfg.DataDir, "thermserve.db"))
	}
	if cfg.Watchdog.TimeoutMS != 300_000 {
		t.Errorf("watchdog.timeout_ms = %d, want 300000", cfg.Watchdog.TimeoutMS)
	}
	if cfg.Watchdog.CheckIntervalMS != 30_000 {
		t.Errorf("watchdog.check_interval_ms = %d, want 30000", cfg.Watchdog.CheckIntervalMS)
	}
	if cfg.Subscription.DefaultTimeoutMS != 60_000 {
		t.Errorf("subscription.default_timeout_ms = %d, want 60000", cfg.Subscription.DefaultTimeoutMS)
	}
	if cfg.MQTT.TopicPrefix != "nest" {
		t.Errorf("mqtt.topic_prefix = %q, want nest", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("mqtt.discovery_prefix = %q, want homeassistant", cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("rate_limit.requests_per_second = %d, want 20", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("rate_limit.burst = %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestApplyDefaults_DatabasePathFollowsCustomDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/thermserve\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := filepath.Join("/var/lib/thermserve", "thermserve.db")
	if cfg.Database.Path != want {
		t.Errorf("database.path = %q, want %q", cfg.Database.Path, want)
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for out-of-range listen.port")
	}
}

func TestValidate_StatusListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.StatusListen.Port = 0
	cfg.Listen.Port = 8443 // keep this one valid to isolate the failure

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for out-of-range status_listen.port")
	}
}

func TestValidate_WatchdogTimeoutMustExceedInterval(t *testing.T) {
	cfg := Default()
	cfg.Watchdog.TimeoutMS = 10_000
	cfg.Watchdog.CheckIntervalMS = 30_000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when watchdog.timeout_ms <= watchdog.check_interval_ms")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestValidate_DefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate cleanly, got: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
listen:
  port: 9443
mqtt:
  broker_url: "tls://broker.example.com:8883"
  topic_prefix: "thermostats"
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9443 {
		t.Errorf("listen.port = %d, want 9443", cfg.Listen.Port)
	}
	if cfg.MQTT.BrokerURL != "tls://broker.example.com:8883" {
		t.Errorf("mqtt.broker_url = %q, want tls://broker.example.com:8883", cfg.MQTT.BrokerURL)
	}
	if cfg.MQTT.TopicPrefix != "thermostats" {
		t.Errorf("mqtt.topic_prefix = %q, want thermostats", cfg.MQTT.TopicPrefix)
	}
	// Untouched sections still get their defaults.
	if cfg.StatusListen.Port != 8081 {
		t.Errorf("status_listen.port = %d, want 8081", cfg.StatusListen.Port)
	}
}
