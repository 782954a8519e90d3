// Package config handles configuration loading and validation for the
// object storage service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig holds configuration for the HTTP bearer-token auth.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"` // HS256 signing secret; required when enabled
	TokenTTL  string `yaml:"token_ttl"`  // Duration string, e.g. "24h"
}

// LockConfig holds configuration for the filesystem lock protocol.
type LockConfig struct {
	Timeout string `yaml:"timeout"` // Duration string, e.g. "30s"
}

// JanitorConfig holds configuration for the stale-lock sweep.
type JanitorConfig struct {
	Interval string `yaml:"interval"` // Duration string, e.g. "1m"
}

// Config holds the full server configuration.
type Config struct {
	Listen   string        `yaml:"listen"`
	DataDir  string        `yaml:"data_dir"` // Storage base directory (default: /var/lib/objectstorage)
	LogLevel string        `yaml:"log_level"`
	Auth     AuthConfig    `yaml:"auth"`
	Lock     LockConfig    `yaml:"lock"`
	Janitor  JanitorConfig `yaml:"janitor"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads server configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/objectstorage"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Lock.Timeout == "" {
		c.Lock.Timeout = "30s"
	}
	if c.Janitor.Interval == "" {
		c.Janitor.Interval = "1m"
	}
	if c.Auth.TokenTTL == "" {
		c.Auth.TokenTTL = "24h"
	}
}

// Validate checks durations parse and auth is usable when enabled.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Lock.Timeout); err != nil {
		return fmt.Errorf("invalid lock.timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Janitor.Interval); err != nil {
		return fmt.Errorf("invalid janitor.interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Auth.TokenTTL); err != nil {
		return fmt.Errorf("invalid auth.token_ttl: %w", err)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// LockTimeout returns the parsed lock timeout. Call Validate first.
func (c *Config) LockTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Lock.Timeout)
	return d
}

// JanitorInterval returns the parsed janitor sweep interval. Call Validate first.
func (c *Config) JanitorInterval() time.Duration {
	d, _ := time.ParseDuration(c.Janitor.Interval)
	return d
}

// TokenTTL returns the parsed auth token lifetime. Call Validate first.
func (c *Config) TokenTTL() time.Duration {
	d, _ := time.ParseDuration(c.Auth.TokenTTL)
	return d
}
