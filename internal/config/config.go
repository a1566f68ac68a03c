package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
		Dev   bool   `yaml:"dev" env:"LOG_DEV"`
	} `yaml:"log"`
	Database struct {
		Driver      string `yaml:"driver" env:"DATABASE_DRIVER"` // sqlite, postgres or memory
		SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
		PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`
		MaxConns    int    `yaml:"max_conns" env:"DATABASE_MAX_CONNS"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret   string   `yaml:"jwt_secret" env:"JWT_SECRET"`
		AccessToken string   `yaml:"access_token" env:"SIGNALDESK_TOKEN"`
		AdminEmails []string `yaml:"admin_emails" env:"ADMIN_EMAILS" envSeparator:","`
	} `yaml:"auth"`
	Insight struct {
		Provider string `yaml:"provider" env:"INSIGHT_PROVIDER"` // openai, anthropic or none
		APIKey   string `yaml:"api_key" env:"INSIGHT_API_KEY"`
		Model    string `yaml:"model" env:"INSIGHT_MODEL"`
		BaseURL  string `yaml:"base_url" env:"INSIGHT_BASE_URL"`
		MaxChars int    `yaml:"max_chars" env:"INSIGHT_MAX_CHARS"`
	} `yaml:"insight"`
	Telegram struct {
		BotToken string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
		ChatID   string `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	} `yaml:"telegram"`
	ReLock struct {
		PasscodeHash  string        `yaml:"passcode_hash" env:"RELOCK_PASSCODE_HASH"`
		MinBackground time.Duration `yaml:"min_background" env:"RELOCK_MIN_BACKGROUND"`
		RelockDelay   time.Duration `yaml:"relock_delay" env:"RELOCK_DELAY"`
		InitialDelay  time.Duration `yaml:"initial_delay" env:"RELOCK_INITIAL_DELAY"`
		MaxAttempts   int           `yaml:"max_attempts" env:"RELOCK_MAX_ATTEMPTS"`
		LockoutFor    time.Duration `yaml:"lockout_for" env:"RELOCK_LOCKOUT_FOR"`
	} `yaml:"relock"`
	Schedule struct {
		RefreshCron string `yaml:"refresh_cron" env:"CRON_REFRESH"`
		SummaryCron string `yaml:"summary_cron" env:"CRON_SUMMARY"`
	} `yaml:"schedule"`
	Quote struct {
		BaseURL string `yaml:"base_url" env:"QUOTE_BASE_URL"`
	} `yaml:"quote"`
	Proxy string `yaml:"proxy" env:"HTTPS_PROXY"`
}

// Load reads config from a YAML file, then applies .env and environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Best effort: a missing .env is normal outside development.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/signaldesk.db"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 5
	}
	if c.Insight.Provider == "" {
		c.Insight.Provider = "none"
	}
	if c.Insight.Model == "" {
		switch c.Insight.Provider {
		case "openai":
			c.Insight.Model = "gpt-4o-mini"
		case "anthropic":
			c.Insight.Model = "claude-3-5-haiku-latest"
		}
	}
	if c.Insight.MaxChars == 0 {
		c.Insight.MaxChars = 280
	}
	if c.ReLock.MinBackground == 0 {
		c.ReLock.MinBackground = 3 * time.Second
	}
	if c.ReLock.RelockDelay == 0 {
		c.ReLock.RelockDelay = 500 * time.Millisecond
	}
	if c.ReLock.InitialDelay == 0 {
		c.ReLock.InitialDelay = 800 * time.Millisecond
	}
	if c.ReLock.MaxAttempts == 0 {
		c.ReLock.MaxAttempts = 5
	}
	if c.ReLock.LockoutFor == 0 {
		c.ReLock.LockoutFor = 30 * time.Second
	}
	if c.Schedule.RefreshCron == "" {
		c.Schedule.RefreshCron = "0 */15 * * * *"
	}
	if c.Schedule.SummaryCron == "" {
		c.Schedule.SummaryCron = "0 0 22 * * 1-5"
	}
}

// Validate checks that the settings required by each enabled feature are present.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return errors.New("database.postgres_dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	switch c.Insight.Provider {
	case "none":
	case "openai", "anthropic":
		if c.Insight.APIKey == "" {
			return fmt.Errorf("insight.api_key is required for provider %s", c.Insight.Provider)
		}
	default:
		return fmt.Errorf("unknown insight.provider %q", c.Insight.Provider)
	}

	if c.Auth.AccessToken != "" && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required to verify auth.access_token")
	}

	if c.Telegram.BotToken != "" {
		if _, err := c.TelegramChatID(); err != nil {
			return err
		}
	}

	if c.ReLock.MinBackground < 0 || c.ReLock.RelockDelay < 0 || c.ReLock.InitialDelay < 0 {
		return errors.New("relock durations must not be negative")
	}
	if c.ReLock.MaxAttempts < 1 {
		return errors.New("relock.max_attempts must be at least 1")
	}
	return nil
}

// TelegramChatID parses the configured chat id.
func (c *Config) TelegramChatID() (int64, error) {
	if c.Telegram.ChatID == "" {
		return 0, errors.New("telegram.chat_id is required when telegram.bot_token is set")
	}
	id, err := strconv.ParseInt(c.Telegram.ChatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.chat_id: %w", err)
	}
	return id, nil
}
