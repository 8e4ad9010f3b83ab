// ABOUTME: Configuration loading and parsing for gatehouse
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gatehouse configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Gates     GatesConfig     `yaml:"gates"`
	Backend   BackendConfig   `yaml:"backend"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GatesConfig holds gate-related timing configuration
type GatesConfig struct {
	CommandTimeout    time.Duration `yaml:"-"`
	StaleAfter        time.Duration `yaml:"-"`
	IdleStreamTimeout time.Duration `yaml:"-"`
	SessionRetention  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CommandTimeoutRaw    string `yaml:"command_timeout"`
	StaleAfterRaw        string `yaml:"stale_after"`
	IdleStreamTimeoutRaw string `yaml:"idle_stream_timeout"`
	SessionRetentionRaw  string `yaml:"session_retention"`
}

// BackendConfig holds the collaborator backend endpoints for close-gate and
// call-end notifications
type BackendConfig struct {
	BaseURL       string `yaml:"base_url"`
	CloseGatePath string `yaml:"close_gate_path"`
	EndCallPath   string `yaml:"end_call_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when the file leaves a field unset.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultCommandTimeout    = 10 * time.Second
	DefaultStaleAfter        = 90 * time.Second
	DefaultIdleStreamTimeout = 60 * time.Second
	DefaultSessionRetention  = 30 * time.Second
	DefaultMetricsPath       = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Gates.CommandTimeout == 0 {
		c.Gates.CommandTimeout = DefaultCommandTimeout
	}
	if c.Gates.StaleAfter == 0 {
		c.Gates.StaleAfter = DefaultStaleAfter
	}
	if c.Gates.IdleStreamTimeout == 0 {
		c.Gates.IdleStreamTimeout = DefaultIdleStreamTimeout
	}
	if c.Gates.SessionRetention == 0 {
		c.Gates.SessionRetention = DefaultSessionRetention
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// An HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Backend.BaseURL == "" {
		if c.Backend.CloseGatePath != "" || c.Backend.EndCallPath != "" {
			return fmt.Errorf("backend.base_url is required when backend paths are set")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"command_timeout", cfg.Gates.CommandTimeoutRaw, &cfg.Gates.CommandTimeout},
		{"stale_after", cfg.Gates.StaleAfterRaw, &cfg.Gates.StaleAfter},
		{"idle_stream_timeout", cfg.Gates.IdleStreamTimeoutRaw, &cfg.Gates.IdleStreamTimeout},
		{"session_retention", cfg.Gates.SessionRetentionRaw, &cfg.Gates.SessionRetention},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
