// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8787 {
		t.Errorf("default port = %d, want 8787", cfg.Server.Port)
	}
	if cfg.Upstream.DefaultModel != "deepseek-chat" {
		t.Errorf("default model = %q, want deepseek-chat", cfg.Upstream.DefaultModel)
	}
	if cfg.Identity.Mode != "provider" {
		t.Errorf("default identity mode = %q, want provider", cfg.Identity.Mode)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[upstream]
api_key = "sk-file"
default_model = "deepseek-reasoner"

[identity]
mode = "static"

[identity.tokens]
"dev-token" = "dev_user"

[storage]
db_path = "/tmp/test.db"
task_budget_secs = 10
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Upstream.APIKey != "sk-file" {
		t.Errorf("api_key = %q, want sk-file", cfg.Upstream.APIKey)
	}
	if cfg.Identity.Tokens["dev-token"] != "dev_user" {
		t.Errorf("tokens = %v, want dev-token mapping", cfg.Identity.Tokens)
	}
	if cfg.Storage.TaskBudgetSecs != 10 {
		t.Errorf("task_budget_secs = %d, want 10", cfg.Storage.TaskBudgetSecs)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[upstream]
api_key = "sk-file"

[identity]
mode = "static"

[identity.tokens]
"t" = "u"

[storage]
db_path = "/tmp/test.db"
`)

	t.Setenv("CHATRELAY_UPSTREAM_KEY", "sk-env")
	t.Setenv("CHATRELAY_PORT", "9999")
	t.Setenv("CHATRELAY_MODEL", "deepseek-reasoner")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-env" {
		t.Errorf("env should override file api_key, got %q", cfg.Upstream.APIKey)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want env override 9999", cfg.Server.Port)
	}
	if cfg.Upstream.DefaultModel != "deepseek-reasoner" {
		t.Errorf("model = %q, want env override", cfg.Upstream.DefaultModel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid provider", func(c *Config) {
			c.Identity.VerifyURL = "https://id.example.com/verify"
		}, false},
		{"valid static", func(c *Config) {
			c.Identity.Mode = "static"
			c.Identity.Tokens = map[string]string{"t": "u"}
		}, false},
		{"provider without verify url", func(c *Config) {}, true},
		{"static without tokens", func(c *Config) {
			c.Identity.Mode = "static"
		}, true},
		{"bad identity mode", func(c *Config) {
			c.Identity.Mode = "jwt"
		}, true},
		{"bad port", func(c *Config) {
			c.Identity.VerifyURL = "https://id.example.com/verify"
			c.Server.Port = 0
		}, true},
		{"bad verify url scheme", func(c *Config) {
			c.Identity.VerifyURL = "ftp://id.example.com"
		}, true},
		{"empty base url", func(c *Config) {
			c.Identity.VerifyURL = "https://id.example.com/verify"
			c.Upstream.BaseURL = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
