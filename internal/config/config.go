// Package config loads the server configuration from a YAML file with
// environment variable overrides. A .env file is honored when present so
// secrets can live outside the config file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings. ServerName is the public
// host this instance is reachable at; sources pointing at it are resolved
// internally instead of over HTTP.
type ServerConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	ServerName             string `yaml:"server_name"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis connection used for shared run
// tracking. Empty URL disables Redis; tracking falls back to memory.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ArtifactsConfig holds where public artifact files are written.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// SchedulerConfig bounds the refresh worker pool.
type SchedulerConfig struct {
	Workers             int `yaml:"workers"`
	MisfireGraceSeconds int `yaml:"misfire_grace_seconds"`
}

// TransportConfig holds outbound proxy and TLS settings. Environment
// variables (HTTP_PROXY, HTTPS_PROXY, NO_PROXY, VERIFY_SSL,
// REQUESTS_CA_BUNDLE) override these at load.
type TransportConfig struct {
	HTTPProxy  string `yaml:"http_proxy"`
	HTTPSProxy string `yaml:"https_proxy"`
	NoProxy    string `yaml:"no_proxy"`
	VerifySSL  *bool  `yaml:"verify_ssl"`
	CABundle   string `yaml:"ca_bundle"`
}

// LoggingConfig controls log verbosity and secret redaction.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	RedactSecrets *bool  `yaml:"redact_secrets"`
}

// Load reads and parses the configuration file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is read first so local development and
// containerized deployments share one mechanism. A missing config file is
// not an error; the defaults plus environment carry a minimal setup.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_NAME"); v != "" {
		cfg.Server.ServerName = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PUBLIC_FILES_DIR"); v != "" {
		cfg.Artifacts.Dir = v
	}
	if v := os.Getenv("SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Egress settings follow the conventional variables, lowercase included.
	if v := envAny("HTTP_PROXY", "http_proxy"); v != "" {
		cfg.Transport.HTTPProxy = v
	}
	if v := envAny("HTTPS_PROXY", "https_proxy"); v != "" {
		cfg.Transport.HTTPSProxy = v
	}
	if v := envAny("NO_PROXY", "no_proxy"); v != "" {
		cfg.Transport.NoProxy = v
	}
	if v := os.Getenv("VERIFY_SSL"); v != "" {
		verify := !isFalsy(v)
		cfg.Transport.VerifySSL = &verify
	}
	if v := envAny("REQUESTS_CA_BUNDLE", "SSL_CERT_FILE"); v != "" {
		cfg.Transport.CABundle = v
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 30
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "public_files"
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 20
	}
	if c.Scheduler.MisfireGraceSeconds == 0 {
		c.Scheduler.MisfireGraceSeconds = 3600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// MisfireGrace returns the scheduler's stale-tick cutoff.
func (c *SchedulerConfig) MisfireGrace() time.Duration {
	return time.Duration(c.MisfireGraceSeconds) * time.Second
}

// VerifySSLOrDefault reports whether TLS verification is on (the default).
func (c *TransportConfig) VerifySSLOrDefault() bool {
	if c.VerifySSL == nil {
		return true
	}
	return *c.VerifySSL
}

func envAny(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func isFalsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "no", "off":
		return true
	}
	return false
}
