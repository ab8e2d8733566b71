// Package config loads the gateway's runtime configuration from environment
// variables (§6), with viper doing the env-binding the way config.Load did
// before it, generalised from a YAML-file-first load to a pure-environment
// one since the gateway has no endpoint list of its own — that list lives
// in the proxy file the Reload Watcher owns.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultSecret       = "dev-secret-do-not-use-in-prod"
	DefaultEnableAuth   = true
	DefaultProxyFile    = "proxies.txt"
	DefaultStickyTTL    = 0 * time.Second
	DefaultProxyPort    = 8888
	DefaultMetricsPort  = 9090
	DefaultLogLevel     = "info"
)

// Config holds every environment-tunable setting named in §6 plus the
// component defaults §4 calls out.
type Config struct {
	Secret      string        `mapstructure:"secret"`
	EnableAuth  bool          `mapstructure:"enable_auth"`
	ProxyFile   string        `mapstructure:"proxy_file"`
	StickyTTL   time.Duration `mapstructure:"sticky_ttl"`
	ProxyPort   int           `mapstructure:"proxy_port"`
	MetricsPort int           `mapstructure:"metrics_port"`

	ClockSkewWindow time.Duration `mapstructure:"clock_skew_window"`

	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerOpenDuration     time.Duration `mapstructure:"breaker_open_duration"`
	BreakerProbationWindow  time.Duration `mapstructure:"breaker_probation_window"`

	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
	ProbeCanaryHost  string        `mapstructure:"probe_canary_host"`

	TunnelIdleTimeout time.Duration `mapstructure:"tunnel_idle_timeout"`
	TunnelDrainTimeout time.Duration `mapstructure:"tunnel_drain_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config populated with §6, §4.3, §4.4 and §4.6's defaults.
func DefaultConfig() *Config {
	return &Config{
		Secret:      DefaultSecret,
		EnableAuth:  DefaultEnableAuth,
		ProxyFile:   DefaultProxyFile,
		StickyTTL:   DefaultStickyTTL,
		ProxyPort:   DefaultProxyPort,
		MetricsPort: DefaultMetricsPort,

		ClockSkewWindow: 300 * time.Second,

		BreakerFailureThreshold: 5,
		BreakerOpenDuration:     30 * time.Second,
		BreakerProbationWindow:  2 * time.Second,

		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		ProbeConcurrency: 8,
		ProbeCanaryHost:  "www.google.com:443",

		TunnelIdleTimeout:  120 * time.Second,
		TunnelDrainTimeout: 10 * time.Second,

		LogLevel:  DefaultLogLevel,
		LogFormat: "json",
	}
}

// Load populates a Config from environment variables, falling back to the
// spec's defaults for anything unset. Env var names follow §6 exactly for
// the six gateway-specific settings (PG_SECRET, PG_ENABLE_AUTH,
// PG_PROXY_FILE, PG_STICKY_TTL, PROXY_PORT, METRICS_PORT; the two ports are
// also accepted as PG_PROXY_PORT and PG_METRICS_PORT, which take precedence);
// the remaining tunables use a PG_ prefix with viper's automatic env mapping.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("PG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("proxy_port", "PG_PROXY_PORT", "PROXY_PORT")
	_ = v.BindEnv("metrics_port", "PG_METRICS_PORT", "METRICS_PORT")

	bindDefaults(v, cfg)

	if v.IsSet("secret") {
		cfg.Secret = v.GetString("secret")
	}
	if v.IsSet("enable_auth") {
		cfg.EnableAuth = v.GetBool("enable_auth")
	}
	if v.IsSet("proxy_file") {
		cfg.ProxyFile = v.GetString("proxy_file")
	}
	if v.IsSet("sticky_ttl") {
		cfg.StickyTTL = time.Duration(v.GetInt64("sticky_ttl")) * time.Second
	}
	if v.IsSet("proxy_port") {
		cfg.ProxyPort = v.GetInt("proxy_port")
	}
	if v.IsSet("metrics_port") {
		cfg.MetricsPort = v.GetInt("metrics_port")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("log_format") {
		cfg.LogFormat = v.GetString("log_format")
	}
	if v.IsSet("clock_skew_window") {
		cfg.ClockSkewWindow = time.Duration(v.GetInt64("clock_skew_window")) * time.Second
	}
	if v.IsSet("breaker_failure_threshold") {
		cfg.BreakerFailureThreshold = v.GetInt("breaker_failure_threshold")
	}
	if v.IsSet("breaker_open_duration") {
		cfg.BreakerOpenDuration = time.Duration(v.GetInt64("breaker_open_duration")) * time.Second
	}
	if v.IsSet("breaker_probation_window") {
		cfg.BreakerProbationWindow = time.Duration(v.GetInt64("breaker_probation_window")) * time.Second
	}
	if v.IsSet("probe_interval") {
		cfg.ProbeInterval = time.Duration(v.GetInt64("probe_interval")) * time.Second
	}
	if v.IsSet("probe_timeout") {
		cfg.ProbeTimeout = time.Duration(v.GetInt64("probe_timeout")) * time.Second
	}
	if v.IsSet("probe_concurrency") {
		cfg.ProbeConcurrency = v.GetInt("probe_concurrency")
	}
	if v.IsSet("probe_canary_host") {
		cfg.ProbeCanaryHost = v.GetString("probe_canary_host")
	}
	if v.IsSet("tunnel_idle_timeout") {
		cfg.TunnelIdleTimeout = time.Duration(v.GetInt64("tunnel_idle_timeout")) * time.Second
	}
	if v.IsSet("tunnel_drain_timeout") {
		cfg.TunnelDrainTimeout = time.Duration(v.GetInt64("tunnel_drain_timeout")) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("secret", cfg.Secret)
	v.SetDefault("enable_auth", cfg.EnableAuth)
	v.SetDefault("proxy_file", cfg.ProxyFile)
	v.SetDefault("sticky_ttl", int64(cfg.StickyTTL/time.Second))
	v.SetDefault("proxy_port", cfg.ProxyPort)
	v.SetDefault("metrics_port", cfg.MetricsPort)
	v.SetDefault("log_level", cfg.LogLevel)
}

// Validate rejects configuration that would fail fast at startup (§7:
// ConfigInvalid is fatal).
func (c *Config) Validate() error {
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("proxy_port out of range: %d", c.ProxyPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", c.MetricsPort)
	}
	if c.ProxyFile == "" {
		return fmt.Errorf("proxy_file must not be empty")
	}
	if c.StickyTTL < 0 {
		return fmt.Errorf("sticky_ttl must not be negative")
	}
	return nil
}
