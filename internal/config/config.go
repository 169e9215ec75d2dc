// Package config loads the oracle configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Keeper   KeeperConfig   `yaml:"keeper"`

	// RateSources maps binding names to pool endpoints.
	RateSources map[string]RateSourceConfig `yaml:"rate_sources"`

	// Assets registered at startup.
	Assets []AssetConfig `yaml:"assets"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"SERVER_HOST"`
	Port         int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`

	// RateLimit caps requests per second across the API; zero disables it.
	RateLimit float64 `yaml:"rate_limit" env:"SERVER_RATE_LIMIT"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres store when set; empty keeps everything in
	// memory.
	DSN            string `yaml:"dsn" env:"DATABASE_DSN"`
	MigrationsPath string `yaml:"migrations_path" env:"DATABASE_MIGRATIONS_PATH"`
}

type AdminConfig struct {
	// Secret signs capability tokens. Privileged routes stay locked when it
	// is empty.
	Secret string `yaml:"secret" env:"ADMIN_SECRET"`
}

type KeeperConfig struct {
	Enabled  bool          `yaml:"enabled" env:"KEEPER_ENABLED"`
	Schedule string        `yaml:"schedule" env:"KEEPER_SCHEDULE"`
	Interval time.Duration `yaml:"interval" env:"KEEPER_INTERVAL"`
}

type RateSourceConfig struct {
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	UtilizationPath string `yaml:"utilization_path"`
	RatePath        string `yaml:"rate_path"`
}

type AssetConfig struct {
	Symbol string `yaml:"symbol"`
	Source string `yaml:"source"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{
			MigrationsPath: "migrations",
		},
		Keeper: KeeperConfig{Enabled: true, Interval: 30 * time.Second},
	}
}

// Load reads the YAML file at path (when it exists) and applies environment
// overrides on top. A missing file is not an error; an unreadable or invalid
// one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env-only configuration
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// envdecode reports a sentinel when no environment variable matched;
	// file-only or default-only configuration is still valid.
	if err := envdecode.Decode(&cfg); err != nil &&
		!errors.Is(err, envdecode.ErrInvalidTarget) &&
		!errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	for name, src := range c.RateSources {
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("rate source %s: url is required", name)
		}
		if src.UtilizationPath == "" || src.RatePath == "" {
			return fmt.Errorf("rate source %s: utilization_path and rate_path are required", name)
		}
	}
	for _, asset := range c.Assets {
		if asset.Symbol == "" || asset.Source == "" {
			return fmt.Errorf("asset entries need both symbol and source")
		}
		if _, ok := c.RateSources[asset.Source]; !ok {
			return fmt.Errorf("asset %s references unknown rate source %s", asset.Symbol, asset.Source)
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
