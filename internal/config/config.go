// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvConfigDir overrides the default config directory.
const EnvConfigDir = "PORTALKOMBAT_CONFIG_DIR"

var DefaultConfigDir = defaultConfigDir()

// NetworkConfig selects how the current network is discovered.
type NetworkConfig struct {
	// Provider is one of auto, nmcli, networksetup, static.
	Provider            string `yaml:"provider"`
	Interface           string `yaml:"interface,omitempty"`
	SSID                string `yaml:"ssid,omitempty"`
	BSSID               string `yaml:"bssid,omitempty"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// ProfileSeed is a credential profile declared in the config file. Seeds
// are written to the credential store on start when it has no row for the
// network.
type ProfileSeed struct {
	SSID      string            `yaml:"ssid"`
	BSSID     string            `yaml:"bssid,omitempty"`
	Username  string            `yaml:"username"`
	SecretEnv string            `yaml:"secret_env,omitempty"`
	Secret    string            `yaml:"secret,omitempty"`
	FormHints map[string]string `yaml:"form_hints,omitempty"`
}

// Config holds the daemon configuration.
type Config struct {
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
	ProbeSchedule        string `yaml:"probe_schedule,omitempty"`
	ProbeTimeoutSeconds  int    `yaml:"probe_timeout_seconds"`

	MaxRetries         int `yaml:"max_retries"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`

	ConnectivityCheckURL string `yaml:"connectivity_check_url"`
	ExpectedStatus       int    `yaml:"expected_status"`
	ExpectedBody         string `yaml:"expected_body,omitempty"`

	RedirectHopLimit    int      `yaml:"redirect_hop_limit"`
	LoginTimeoutSeconds int      `yaml:"login_timeout_seconds"`
	FallbackURL         string   `yaml:"fallback_url"`
	Strategies          []string `yaml:"strategies"`

	HistorySize     int    `yaml:"history_size"`
	SocketPath      string `yaml:"socket_path"`
	DataDir         string `yaml:"data_dir,omitempty"`
	LogLevel        string `yaml:"log_level"`
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`

	Network  NetworkConfig `yaml:"network"`
	Profiles []ProfileSeed `yaml:"profiles,omitempty"`

	ConfigDir string `yaml:"-"` // not persisted
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	setInt(&c.ProbeIntervalSeconds, 30)
	setInt(&c.ProbeTimeoutSeconds, 5)
	setInt(&c.MaxRetries, 3)
	setInt(&c.BackoffBaseSeconds, 2)
	setInt(&c.BackoffMaxSeconds, 60)
	setInt(&c.ExpectedStatus, 204)
	setInt(&c.RedirectHopLimit, 5)
	setInt(&c.LoginTimeoutSeconds, 30)
	setInt(&c.HistorySize, 20)
	setInt(&c.Network.PollIntervalSeconds, 5)
	setString(&c.ConnectivityCheckURL, "http://connectivitycheck.gstatic.com/generate_204")
	setString(&c.FallbackURL, "http://neverssl.com/")
	setString(&c.SocketPath, defaultSocketPath())
	setString(&c.LogLevel, "info")
	setString(&c.Network.Provider, "auto")
	if len(c.Strategies) == 0 {
		c.Strategies = []string{"pfsense", "fortigate", "generic"}
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if strings.TrimSpace(*v) == "" {
		*v = def
	}
}

// ResolveConfigDir picks the flag value, then $PORTALKOMBAT_CONFIG_DIR,
// then the default.
func ResolveConfigDir(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfigDir)); v != "" {
		return v
	}
	return DefaultConfigDir
}

// ConfigPath returns the full path to the config file.
func ConfigPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	return filepath.Join(configDir, "config.yaml")
}

// Load reads config.yaml from configDir. A missing file yields defaults.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	var cfg Config
	data, err := os.ReadFile(ConfigPath(configDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ConfigDir = configDir
	cfg.applyDefaults()
	if cfg.DataDir == "" {
		cfg.DataDir = configDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk with restrictive permissions.
func (c *Config) Save(configDir string) error {
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(configDir), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"probe_interval_seconds", c.ProbeIntervalSeconds},
		{"probe_timeout_seconds", c.ProbeTimeoutSeconds},
		{"max_retries", c.MaxRetries},
		{"backoff_base_seconds", c.BackoffBaseSeconds},
		{"backoff_max_seconds", c.BackoffMaxSeconds},
		{"redirect_hop_limit", c.RedirectHopLimit},
		{"login_timeout_seconds", c.LoginTimeoutSeconds},
		{"history_size", c.HistorySize},
		{"network.poll_interval_seconds", c.Network.PollIntervalSeconds},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if c.BackoffMaxSeconds < c.BackoffBaseSeconds {
		return fmt.Errorf("backoff_max_seconds (%d) must be >= backoff_base_seconds (%d)", c.BackoffMaxSeconds, c.BackoffBaseSeconds)
	}
	if c.ExpectedStatus < 100 || c.ExpectedStatus > 599 {
		return fmt.Errorf("expected_status %d is not an HTTP status", c.ExpectedStatus)
	}
	for name, raw := range map[string]string{
		"connectivity_check_url": c.ConnectivityCheckURL,
		"fallback_url":           c.FallbackURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s %q must be an absolute http(s) url", name, raw)
		}
	}
	if c.ProbeSchedule != "" {
		if _, err := cron.ParseStandard(c.ProbeSchedule); err != nil {
			return fmt.Errorf("probe_schedule: %w", err)
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.Network.Provider {
	case "auto", "nmcli", "networksetup":
	case "static":
		if strings.TrimSpace(c.Network.SSID) == "" {
			return errors.New("network.ssid is required for the static provider")
		}
	default:
		return fmt.Errorf("network.provider %q must be one of auto, nmcli, networksetup, static", c.Network.Provider)
	}
	for i, p := range c.Profiles {
		if strings.TrimSpace(p.SSID) == "" || strings.TrimSpace(p.Username) == "" {
			return fmt.Errorf("profiles[%d]: ssid and username are required", i)
		}
		if p.Secret == "" && p.SecretEnv == "" {
			return fmt.Errorf("profiles[%d]: one of secret or secret_env is required", i)
		}
	}
	return nil
}

// Schedule returns the probe schedule: the cron expression when set,
// else a fixed interval.
func (c *Config) Schedule() (cron.Schedule, error) {
	if c.ProbeSchedule != "" {
		return cron.ParseStandard(c.ProbeSchedule)
	}
	return cron.Every(c.ProbeInterval()), nil
}

func (c *Config) ProbeInterval() time.Duration { return seconds(c.ProbeIntervalSeconds) }
func (c *Config) ProbeTimeout() time.Duration  { return seconds(c.ProbeTimeoutSeconds) }
func (c *Config) BackoffBase() time.Duration   { return seconds(c.BackoffBaseSeconds) }
func (c *Config) BackoffMax() time.Duration    { return seconds(c.BackoffMaxSeconds) }
func (c *Config) LoginTimeout() time.Duration  { return seconds(c.LoginTimeoutSeconds) }
func (c *Config) PollInterval() time.Duration  { return seconds(c.Network.PollIntervalSeconds) }

// KeyPath is the credential master key file.
func (c *Config) KeyPath() string { return filepath.Join(c.DataDir, "master.key") }

// DBPath is the credential database.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "credentials.db") }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ResolveSecret returns the seed's secret, preferring the environment variable.
func (p ProfileSeed) ResolveSecret() (string, error) {
	if p.SecretEnv != "" {
		if v, ok := os.LookupEnv(p.SecretEnv); ok && v != "" {
			return v, nil
		}
		if p.Secret == "" {
			return "", fmt.Errorf("environment variable %s is not set", p.SecretEnv)
		}
	}
	return p.Secret, nil
}
