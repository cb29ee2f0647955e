package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Credential store backends.
const (
	BackendSystem = "system"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	configDirName  = ".plansync"
	configFileName = "config.yaml"
)

// Config holds the client configuration. Values come from the YAML file and
// are then overridden by PLANSYNC_* environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Redis       RedisConfig       `yaml:"redis"`
	HTTP        HTTPConfig        `yaml:"http"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	URL string `yaml:"url" env:"PLANSYNC_SERVER_URL"`
}

// RealtimeConfig configures the realtime endpoint. An empty URL means the
// server URL.
type RealtimeConfig struct {
	URL          string        `yaml:"url,omitempty" env:"PLANSYNC_REALTIME_URL"`
	ReconnectMin time.Duration `yaml:"reconnect_min" env:"PLANSYNC_REALTIME_RECONNECT_MIN"`
	ReconnectMax time.Duration `yaml:"reconnect_max" env:"PLANSYNC_REALTIME_RECONNECT_MAX"`
}

type CredentialsConfig struct {
	Backend      string        `yaml:"backend" env:"PLANSYNC_CREDENTIAL_BACKEND"`
	PollInterval time.Duration `yaml:"poll_interval" env:"PLANSYNC_CREDENTIAL_POLL_INTERVAL"`
}

type RedisConfig struct {
	Address   string `yaml:"address,omitempty" env:"PLANSYNC_REDIS_ADDR"`
	Password  string `yaml:"password,omitempty" env:"PLANSYNC_REDIS_PASSWORD"`
	DB        int    `yaml:"db,omitempty" env:"PLANSYNC_REDIS_DB"`
	Namespace string `yaml:"namespace,omitempty" env:"PLANSYNC_REDIS_NAMESPACE"`
	Channel   string `yaml:"channel,omitempty" env:"PLANSYNC_REDIS_CHANNEL"`
}

type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout" env:"PLANSYNC_HTTP_TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"PLANSYNC_HTTP_MAX_RETRIES"`
}

type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled" env:"PLANSYNC_BREAKER_ENABLED"`
	MaxFailures uint32        `yaml:"max_failures" env:"PLANSYNC_BREAKER_MAX_FAILURES"`
	OpenTimeout time.Duration `yaml:"open_timeout" env:"PLANSYNC_BREAKER_OPEN_TIMEOUT"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" env:"PLANSYNC_CACHE_TTL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"PLANSYNC_LOG_LEVEL"`
	Format string `yaml:"format,omitempty" env:"PLANSYNC_LOG_FORMAT"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "http://localhost:8080"},
		Realtime: RealtimeConfig{
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
		},
		Credentials: CredentialsConfig{
			Backend:      BackendSystem,
			PollInterval: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Cache:   CacheConfig{TTL: 30 * time.Second},
		Logging: LoggingConfig{Level: "info"},
	}
}

// GetConfigDir returns the configuration directory. PLANSYNC_HOME overrides
// the default of ~/.plansync.
func GetConfigDir() string {
	if dir := os.Getenv("PLANSYNC_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return configDirName
	}
	return filepath.Join(home, configDirName)
}

// GetConfigPath returns the path of the configuration file.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), configFileName)
}

// Load reads the configuration file, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load() (*Config, error) {
	cfg, err := LoadFile(GetConfigPath())
	if err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads a configuration file without environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration file, creating the directory if needed.
func (c *Config) Save() error {
	dir := GetConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validateURL("server URL", c.Server.URL); err != nil {
		return err
	}
	if c.Realtime.URL != "" {
		if err := validateURL("realtime URL", c.Realtime.URL); err != nil {
			return err
		}
	}
	if c.Realtime.ReconnectMin < 0 || c.Realtime.ReconnectMax < c.Realtime.ReconnectMin {
		return errors.New("realtime reconnect bounds are invalid")
	}

	switch c.Credentials.Backend {
	case BackendSystem, BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for the redis credential backend")
		}
	default:
		return fmt.Errorf("unknown credential backend %q", c.Credentials.Backend)
	}

	if c.HTTP.Timeout < 0 || c.HTTP.MaxRetries < 0 {
		return errors.New("http timeout and retries cannot be negative")
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache ttl cannot be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

// IsInsecure reports whether credentials would travel over plain HTTP to a
// non-loopback host.
func (c *Config) IsInsecure() bool {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme != "http" {
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}
