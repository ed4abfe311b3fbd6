// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration. An empty URL
// falls back to the in-memory store (development mode).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig holds the optional read-through cache configuration.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"` // empty disables caching
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RiskConfig holds the exposure limiter caps. Zero disables a cap.
type RiskConfig struct {
	MaxSharesPerMarket float64 `mapstructure:"max_shares_per_market"`
	MaxSharesPerEvent  float64 `mapstructure:"max_shares_per_event"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the file at path (optional) and environment
// variables prefixed with GRIDPRIX_.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GRIDPRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Missing file is fine; defaults and env vars apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.url", "") // empty = in-memory store
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("redis.addr", "") // empty = no cache
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("risk.max_shares_per_market", 10000)
	v.SetDefault("risk.max_shares_per_event", 25000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Database.URL != "" && c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1")
	}
	if c.Redis.Addr != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be positive when redis is enabled")
	}
	if c.Risk.MaxSharesPerMarket < 0 || c.Risk.MaxSharesPerEvent < 0 {
		return fmt.Errorf("risk limits must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}
