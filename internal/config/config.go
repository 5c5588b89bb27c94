// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for chatrelay.
//
// Configuration is TOML with environment variable overrides, loaded from
// ~/.chatrelay/config.toml or an explicit path. Secrets (upstream key,
// identity secret) are normally supplied via environment variables so
// the file can be checked in.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatrelay configuration.
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Upstream completion API settings
	Upstream UpstreamConfig `toml:"upstream"`

	// Identity verification settings
	Identity IdentityConfig `toml:"identity"`

	// Storage settings
	Storage StorageConfig `toml:"storage"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `toml:"port"`
	// AllowedOrigins is the CORS origin allowlist.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// UpstreamConfig contains the upstream completion API configuration.
type UpstreamConfig struct {
	// APIKey authenticates against the upstream API.
	APIKey string `toml:"api_key"`
	// BaseURL is the upstream API base URL.
	BaseURL string `toml:"base_url"`
	// DefaultModel is used when a request does not name a model.
	DefaultModel string `toml:"default_model"`
}

// IdentityConfig contains identity verification configuration.
//
// Mode "provider" verifies tokens against a hosted identity service;
// mode "static" uses the Tokens map, intended for local development.
type IdentityConfig struct {
	// Mode is "provider" or "static".
	Mode string `toml:"mode"`
	// VerifyURL is the provider's token verification endpoint.
	VerifyURL string `toml:"verify_url"`
	// SecretKey authenticates chatrelay against the provider.
	SecretKey string `toml:"secret_key"`
	// PublishableKey is served to browsers for identity bootstrap.
	PublishableKey string `toml:"publishable_key"`
	// Tokens maps static bearer tokens to subjects (static mode only).
	Tokens map[string]string `toml:"tokens"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	// DBPath is the SQLite database path. Empty means the default under
	// the config directory.
	DBPath string `toml:"db_path"`
	// TaskBudgetSecs bounds a single background persistence task.
	TaskBudgetSecs int `toml:"task_budget_secs"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8787,
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:      "https://api.deepseek.com",
			DefaultModel: "deepseek-chat",
		},
		Identity: IdentityConfig{
			Mode: "provider",
		},
		Storage: StorageConfig{
			TaskBudgetSecs: 30,
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// ConfigDir returns the chatrelay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatrelay"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDBPath returns the default SQLite database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chatrelay.db"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the config file from the default location, falling back to
// defaults if no file exists, then applies environment overrides and
// validates.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.fillDefaults(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.fillDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - CHATRELAY_PORT: overrides server.port
//   - CHATRELAY_UPSTREAM_KEY: overrides upstream.api_key
//   - CHATRELAY_UPSTREAM_URL: overrides upstream.base_url
//   - CHATRELAY_MODEL: overrides upstream.default_model
//   - CHATRELAY_DB_PATH: overrides storage.db_path
//   - CHATRELAY_IDENTITY_MODE: overrides identity.mode
//   - CHATRELAY_IDENTITY_VERIFY_URL: overrides identity.verify_url
//   - CHATRELAY_IDENTITY_SECRET: overrides identity.secret_key
//   - CHATRELAY_IDENTITY_PUBLISHABLE: overrides identity.publishable_key
func (c *Config) ApplyEnvOverrides() {
	if port := os.Getenv("CHATRELAY_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}
	if key := os.Getenv("CHATRELAY_UPSTREAM_KEY"); key != "" {
		c.Upstream.APIKey = key
	}
	if url := os.Getenv("CHATRELAY_UPSTREAM_URL"); url != "" {
		c.Upstream.BaseURL = url
	}
	if model := os.Getenv("CHATRELAY_MODEL"); model != "" {
		c.Upstream.DefaultModel = model
	}
	if path := os.Getenv("CHATRELAY_DB_PATH"); path != "" {
		c.Storage.DBPath = path
	}
	if mode := os.Getenv("CHATRELAY_IDENTITY_MODE"); mode != "" {
		c.Identity.Mode = mode
	}
	if url := os.Getenv("CHATRELAY_IDENTITY_VERIFY_URL"); url != "" {
		c.Identity.VerifyURL = url
	}
	if secret := os.Getenv("CHATRELAY_IDENTITY_SECRET"); secret != "" {
		c.Identity.SecretKey = secret
	}
	if key := os.Getenv("CHATRELAY_IDENTITY_PUBLISHABLE"); key != "" {
		c.Identity.PublishableKey = key
	}
}

// fillDefaults fills derived values left empty by the file and env.
func (c *Config) fillDefaults() error {
	if c.Storage.DBPath == "" {
		path, err := DefaultDBPath()
		if err != nil {
			return err
		}
		c.Storage.DBPath = path
	}
	if c.Storage.TaskBudgetSecs <= 0 {
		c.Storage.TaskBudgetSecs = 30
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Identity.Mode {
	case "provider":
		if c.Identity.VerifyURL == "" {
			return fmt.Errorf("identity.verify_url is required in provider mode")
		}
		if !strings.HasPrefix(c.Identity.VerifyURL, "http://") && !strings.HasPrefix(c.Identity.VerifyURL, "https://") {
			return fmt.Errorf("identity.verify_url must be an http(s) URL")
		}
	case "static":
		if len(c.Identity.Tokens) == 0 {
			return fmt.Errorf("identity.tokens must not be empty in static mode")
		}
	default:
		return fmt.Errorf("identity.mode must be \"provider\" or \"static\", got %q", c.Identity.Mode)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must not be empty")
	}
	return nil
}

// Save writes the configuration to the default location with restrictive
// permissions, since it may contain secrets.
func Save(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path, err := ConfigPath()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
