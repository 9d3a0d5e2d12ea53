// Package config provides configuration parsing and validation for socks5d.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete socks5d configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Listen    ListenConfig    `yaml:"listen"`
	WebSocket WebSocketYAML   `yaml:"websocket"`
	Auth      AuthYAMLConfig  `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ListenConfig configures the plain SOCKS5-over-TCP listener.
type ListenConfig struct {
	Address        string `yaml:"address"`
	MaxConnections int    `yaml:"max_connections"`
	ChunkSize      int    `yaml:"chunk_size"`
}

// WebSocketYAML configures the optional SOCKS5-over-WebSocket listener.
type WebSocketYAML struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	PlainText bool   `yaml:"plaintext"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// AuthYAMLConfig configures RFC 1929 username/password authentication.
type AuthYAMLConfig struct {
	Required bool              `yaml:"required"`
	Users    map[string]string `yaml:"users"`        // username -> plaintext password
	Hashed   map[string]string `yaml:"hashed_users"` // username -> bcrypt hash, preferred
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TimeoutsConfig bounds how long various phases of a session may take.
type TimeoutsConfig struct {
	Connect time.Duration `yaml:"connect"`
	Idle    time.Duration `yaml:"idle"`
}

// Default returns socks5d's out-of-the-box configuration: plain TCP on
// 127.0.0.1:1080, no auth, no WebSocket, no metrics.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Listen: ListenConfig{
			Address:        "127.0.0.1:1080",
			MaxConnections: 1000,
			ChunkSize:      4096,
		},
		WebSocket: WebSocketYAML{
			Path: "/socks5",
		},
		Auth: AuthYAMLConfig{
			Required: false,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9090",
		},
		Timeouts: TimeoutsConfig{
			Connect: 30 * time.Second,
			Idle:    5 * time.Minute,
		},
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} /
// ${VAR:-default} environment references first, then filling any unset
// field from Default and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces $VAR / ${VAR} / ${VAR:-default} references with
// their environment values, so credentials don't need to live in the file.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, collecting every problem
// found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen.Address == "" {
		errs = append(errs, "listen.address is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Listen.ChunkSize < 1024 {
		errs = append(errs, "listen.chunk_size must be at least 1024")
	}

	if c.WebSocket.Enabled {
		if c.WebSocket.Address == "" {
			errs = append(errs, "websocket.address is required when websocket.enabled")
		}
		if !c.WebSocket.PlainText && (c.WebSocket.TLSCert == "" || c.WebSocket.TLSKey == "") {
			errs = append(errs, "websocket requires tls_cert and tls_key unless plaintext is set")
		}
	}

	if c.Auth.Required && len(c.Auth.Users) == 0 && len(c.Auth.Hashed) == 0 {
		errs = append(errs, "auth.required is set but no users or hashed_users are configured")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
