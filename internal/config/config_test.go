package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.SQLitePath == "" {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.ReLock.MinBackground != 3*time.Second || cfg.ReLock.RelockDelay != 500*time.Millisecond || cfg.ReLock.InitialDelay != 800*time.Millisecond {
		t.Errorf("unexpected relock defaults: %+v", cfg.ReLock)
	}
	if cfg.Insight.Provider != "none" {
		t.Errorf("expected insight disabled by default, got %q", cfg.Insight.Provider)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
insight:
  provider: openai
  api_key: from-file
relock:
  min_background: 5s
auth:
  admin_emails: [root@example.com]
telegram:
  bot_token: abc
  chat_id: "-100123"
`)
	t.Setenv("INSIGHT_API_KEY", "from-env")
	t.Setenv("ADMIN_EMAILS", "a@example.com,b@example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("expected memory driver, got %q", cfg.Database.Driver)
	}
	if cfg.Insight.APIKey != "from-env" {
		t.Errorf("env should override file, got %q", cfg.Insight.APIKey)
	}
	if cfg.Insight.Model != "gpt-4o-mini" {
		t.Errorf("expected default openai model, got %q", cfg.Insight.Model)
	}
	if cfg.ReLock.MinBackground != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.ReLock.MinBackground)
	}
	if len(cfg.Auth.AdminEmails) != 2 || cfg.Auth.AdminEmails[1] != "b@example.com" {
		t.Errorf("unexpected admin emails %v", cfg.Auth.AdminEmails)
	}
	id, err := cfg.TelegramChatID()
	if err != nil || id != -100123 {
		t.Errorf("chat id = %d, %v", id, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"provider without key", func(c *Config) { c.Insight.Provider = "anthropic" }},
		{"unknown provider", func(c *Config) { c.Insight.Provider = "gemini" }},
		{"token without secret", func(c *Config) { c.Auth.AccessToken = "x" }},
		{"telegram without chat", func(c *Config) { c.Telegram.BotToken = "x" }},
		{"telegram bad chat", func(c *Config) { c.Telegram.BotToken = "x"; c.Telegram.ChatID = "abc" }},
		{"negative delay", func(c *Config) { c.ReLock.RelockDelay = -time.Second }},
	}
	for _, tt := range tests {
		cfg := &Config{}
		cfg.applyDefaults()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "database: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
