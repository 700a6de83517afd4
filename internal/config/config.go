// Package config provides configuration parsing and validation for the
// proxy.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metroo-labs/metroo-proxy/internal/proxyerr"
)

// Config is the complete proxy configuration.
type Config struct {
	Addr           string         `yaml:"addr"`
	SocksAddr      string         `yaml:"socks_addr"`
	HTTPAddr       string         `yaml:"http_addr"`
	Whitelist      []string       `yaml:"whitelist"`
	LogPath        string         `yaml:"log_path"`
	LogLevel       string         `yaml:"log_level"`
	LogFormat      string         `yaml:"log_format"`
	Postgres       PostgresConfig `yaml:"postgres"`
	StaticDir      string         `yaml:"static_dir"`
	EnableDatabase bool           `yaml:"enableDatabase"`
	IdleTimeouts   IdleTimeouts   `yaml:"idle_timeouts"`
	DialTimeout    time.Duration  `yaml:"dial_timeout"`
	MetricsAddr    string         `yaml:"metrics_addr"`
	DrainTimeout   time.Duration  `yaml:"drain_timeout"`
}

// PostgresConfig describes the storage backend connection.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Pool     int    `yaml:"pool"`
}

// DSN renders the connection string pgxpool.ParseConfig accepts.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		p.User, p.Password, p.Host, p.Port, p.Database, p.effectivePool())
}

func (p PostgresConfig) effectivePool() int {
	if p.Pool <= 0 {
		return 10
	}
	return p.Pool
}

// IdleTimeouts holds the per-path timeouts. Connect is the relay's idle
// window, reset before every read of a CONNECT tunnel. HTTP bounds a whole
// forwarded HTTP exchange: the direct path uses it as the http.Client
// timeout and the SOCKS5 path as one connection deadline; neither is reset
// between reads.
type IdleTimeouts struct {
	HTTP    time.Duration `yaml:"http"`
	Connect time.Duration `yaml:"connect"`
}

// Default returns a Config with production-ready defaults.
func Default() *Config {
	return &Config{
		Addr:        ":8888",
		SocksAddr:   "127.0.0.1:1080",
		HTTPAddr:    ":8080",
		Whitelist:   []string{},
		LogLevel:    "info",
		LogFormat:   "text",
		Postgres:    PostgresConfig{Host: "localhost", Port: 5432, Pool: 10},
		StaticDir:   "./web",
		DialTimeout: 10 * time.Second,
		IdleTimeouts: IdleTimeouts{
			HTTP:    30 * time.Second,
			Connect: 60 * time.Second,
		},
		DrainTimeout: 10 * time.Second,
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} / $VAR
// references against the process environment before unmarshalling.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	// addr and socks_addr are required keys, so the file must set them.
	cfg.Addr, cfg.SocksAddr = "", ""
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
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

// Validate checks the configuration for errors: required keys, valid
// log level/format, and well-formed whitelist entries.
func (c *Config) Validate() error {
	var errs []string

	if c.Addr == "" {
		errs = append(errs, "addr is required")
	}
	if c.SocksAddr == "" {
		errs = append(errs, "socks_addr is required")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	for i, w := range c.Whitelist {
		if err := validateWhitelistEntry(w); err != nil {
			errs = append(errs, fmt.Sprintf("whitelist[%d]: %v", i, err))
		}
	}

	if c.EnableDatabase {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres.host is required when enableDatabase is true")
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres.database is required when enableDatabase is true")
		}
	}

	if c.DialTimeout < 0 {
		errs = append(errs, "dial_timeout must not be negative")
	}
	if c.IdleTimeouts.HTTP < 0 {
		errs = append(errs, "idle_timeouts.http must not be negative")
	}
	if c.IdleTimeouts.Connect < 0 {
		errs = append(errs, "idle_timeouts.connect must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: validation errors:\n  - %s", proxyerr.ErrConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateWhitelistEntry(entry string) error {
	if entry == "" {
		return fmt.Errorf("empty whitelist entry")
	}
	trimmed := strings.TrimPrefix(entry, "*.")
	if trimmed == "" {
		return fmt.Errorf("whitelist wildcard entry missing a suffix: %q", entry)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
