// Package config defines the runtime configuration structs, parsing helpers,
// and validation shared across the proxy.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"dny/pkg/storage"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
//
//nolint:fieldalignment // Struct is organized for readability; padding cost is acceptable.
type Config struct {
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Server     ServerConfig     `yaml:"server"`
	Upstreams  UpstreamsConfig  `yaml:"upstreams"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Policy     PolicyConfig     `yaml:"policy"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Notify     NotifyConfig     `yaml:"notifications"`
	System     SystemConfig     `yaml:"system"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   storage.Config   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig holds the UDP listener settings
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`   // host:port the proxy binds
	MaxPacketSize   int           `yaml:"max_packet_size"`  // bytes read per datagram (DNS UDP MTU)
	MaxWorkers      int           `yaml:"max_workers"`      // cap on concurrent query workers
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`   // how long to wait for in-flight workers
	ReuseAddr       bool          `yaml:"reuse_addr"`       // set SO_REUSEADDR on the listen socket
}

// UpstreamsConfig holds the ordered upstream resolver list.
// The primary is discovered from the host OS at startup; fallbacks are tried
// in the order listed here.
type UpstreamsConfig struct {
	Fallbacks []UpstreamEntry `yaml:"fallbacks"`
}

// UpstreamEntry represents a single upstream resolver in the config
type UpstreamEntry struct {
	Host  string `yaml:"host"`  // IPv4/IPv6 literal
	Port  uint16 `yaml:"port"`  // defaults to 53
	Label string `yaml:"label"` // human-readable name used in events and logs
}

// ResolverConfig holds per-attempt upstream exchange settings
type ResolverConfig struct {
	Timeout time.Duration `yaml:"timeout"` // per-upstream attempt deadline
}

// PolicyConfig holds answer-validation policy settings
type PolicyConfig struct {
	KnownBadIPs []string          `yaml:"known_bad_ips"` // literal addresses always treated as blocked
	Rules       []PolicyRuleEntry `yaml:"rules"`         // custom expression rules
}

// PolicyRuleEntry represents a single custom block rule in the config
type PolicyRuleEntry struct {
	Name    string `yaml:"name"`    // Human-readable name
	Logic   string `yaml:"logic"`   // Expression to evaluate
	Enabled bool   `yaml:"enabled"` // Whether the rule is active
}

// ClassifierConfig holds content-classifier collaborator settings
type ClassifierConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"` // chat-completions URL
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"` // prefer env DNY_OPENAI_API_KEY
	Timeout  time.Duration `yaml:"timeout"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	Enabled    bool `yaml:"enabled"`
	HistorySize int `yaml:"history_size"` // bounded in-memory event history
}

// SystemConfig selects the OS handler used for primary discovery and DNS reconfiguration
type SystemConfig struct {
	Handler        string `yaml:"handler"`         // "resolvconf", "static"
	ResolvConfPath string `yaml:"resolvconf_path"` // override for tests
	StaticPrimary  string `yaml:"static_primary"`  // primary literal for handler=static
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"` // single configured TTL; per-record TTLs are ignored
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	SystemStats       bool   `yaml:"system_stats"` // export process CPU/RSS gauges
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by user via CLI flag, this is intentional
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

const envClassifierAPIKey = "DNY_OPENAI_API_KEY"

func (c *Config) applyEnvOverrides() {
	if key := strings.TrimSpace(os.Getenv(envClassifierAPIKey)); key != "" {
		c.Classifier.APIKey = key
	}
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0:53"
	}
	if c.Server.MaxPacketSize == 0 {
		c.Server.MaxPacketSize = 512
	}
	if c.Server.MaxWorkers == 0 {
		c.Server.MaxWorkers = 1024
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 2 * time.Second
	}
	c.Server.ReuseAddr = true

	// Upstream defaults: Google and Cloudflare anycast resolvers
	if len(c.Upstreams.Fallbacks) == 0 {
		c.Upstreams.Fallbacks = []UpstreamEntry{
			{Host: "8.8.8.8", Port: 53, Label: "google-a"},
			{Host: "8.8.4.4", Port: 53, Label: "google-b"},
			{Host: "1.1.1.1", Port: 53, Label: "cloudflare-a"},
			{Host: "1.0.0.1", Port: 53, Label: "cloudflare-b"},
		}
	}
	for i := range c.Upstreams.Fallbacks {
		if c.Upstreams.Fallbacks[i].Port == 0 {
			c.Upstreams.Fallbacks[i].Port = 53
		}
	}

	// Resolver defaults
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = 5 * time.Second
	}

	// Cache defaults: an untouched cache section means "on".
	if !c.Cache.Enabled && c.Cache.MaxEntries == 0 && c.Cache.TTL == 0 {
		c.Cache.Enabled = true
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 300 * time.Second
	}

	// Classifier defaults
	if c.Classifier.Endpoint == "" {
		c.Classifier.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = "gpt-3.5-turbo"
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 10 * time.Second
	}

	// Notification defaults: an untouched section means "on".
	if !c.Notify.Enabled && c.Notify.HistorySize == 0 {
		c.Notify.Enabled = true
	}
	if c.Notify.HistorySize == 0 {
		c.Notify.HistorySize = 256
	}

	// System handler defaults
	if c.System.Handler == "" {
		c.System.Handler = "resolvconf"
	}
	if c.System.ResolvConfPath == "" {
		c.System.ResolvConfPath = "/etc/resolv.conf"
	}

	// Database defaults
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "./dny.db"
	}
	if c.Database.SQLite.BusyTimeout == 0 {
		c.Database.SQLite.BusyTimeout = 5000
	}
	if c.Database.BufferSize == 0 {
		c.Database.BufferSize = 500
	}
	if c.Database.FlushInterval == 0 {
		c.Database.FlushInterval = 5 * time.Second
	}
	if c.Database.BatchSize == 0 {
		c.Database.BatchSize = 100
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 7
	}
	c.Database.SQLite.WALMode = true

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dny"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MaxPacketSize < 12 {
		return fmt.Errorf("server.max_packet_size must be at least 12 bytes, got %d", c.Server.MaxPacketSize)
	}
	if c.Server.MaxWorkers < 1 {
		return fmt.Errorf("server.max_workers must be positive, got %d", c.Server.MaxWorkers)
	}

	if len(c.Upstreams.Fallbacks) == 0 {
		return fmt.Errorf("at least one fallback upstream must be configured")
	}
	for i, up := range c.Upstreams.Fallbacks {
		if _, err := netip.ParseAddr(up.Host); err != nil {
			return fmt.Errorf("upstreams.fallbacks[%d].host %q is not an IP literal: %w", i, up.Host, err)
		}
		if up.Port == 0 {
			return fmt.Errorf("upstreams.fallbacks[%d].port cannot be zero", i)
		}
	}

	if c.Resolver.Timeout <= 0 {
		return fmt.Errorf("resolver.timeout must be positive")
	}

	if c.Cache.Enabled && c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}

	for i, ip := range c.Policy.KnownBadIPs {
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("policy.known_bad_ips[%d] %q is not an IP literal: %w", i, ip, err)
		}
	}

	switch c.System.Handler {
	case "resolvconf", "static":
	default:
		return fmt.Errorf("system.handler must be 'resolvconf' or 'static', got %q", c.System.Handler)
	}
	if c.System.Handler == "static" {
		if _, err := netip.ParseAddr(c.System.StaticPrimary); err != nil {
			return fmt.Errorf("system.static_primary %q is not an IP literal: %w", c.System.StaticPrimary, err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
