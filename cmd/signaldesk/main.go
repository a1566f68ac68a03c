package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"SignalDesk/internal/access"
	"SignalDesk/internal/auth"
	"SignalDesk/internal/config"
	"SignalDesk/internal/logger"
	"SignalDesk/internal/store"
	"SignalDesk/internal/store/postgres"
	"SignalDesk/internal/store/sqlite"
	"SignalDesk/internal/stream"
)

var (
	configPath string
	tokenFlag  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "signaldesk",
	Short:         "Trading signal desk: live signal feed, AI insights and paper trading",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultConfig := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultConfig = v
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "config file path")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "session token (overrides auth.access_token)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    store.Store
	identity auth.Identity
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	lg, err := logger.Init(logger.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	id, err := resolveIdentity(cfg, lg)
	if err != nil {
		_ = lg.Sync()
		return nil, err
	}

	st, err := openStore(cfg, lg)
	if err != nil {
		_ = lg.Sync()
		return nil, err
	}
	return &app{cfg: cfg, log: lg, store: st, identity: id}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// guard loads the access state of the current identity.
func (a *app) guard(ctx context.Context) (*access.Guard, error) {
	g := access.NewGuard(a.store, a.identity, a.cfg.Auth.AdminEmails, a.log)
	if err := g.Load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func openStore(cfg *config.Config, lg *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		lg.Warn("using in-memory store, data is lost on exit")
		return store.NewMemoryStore(), nil
	case "postgres":
		st, err := postgres.Open(postgres.Config{
			DSN:      cfg.Database.PostgresDSN,
			MaxConns: cfg.Database.MaxConns,
			Timeout:  10 * time.Second,
		}, lg)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		st, err := sqlite.Open(cfg.Database.SQLitePath, lg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

// resolveIdentity verifies the session token. Without any token the client
// runs in single-user local mode as an admin.
func resolveIdentity(cfg *config.Config, lg *zap.Logger) (auth.Identity, error) {
	token := tokenFlag
	if token == "" {
		token = cfg.Auth.AccessToken
	}
	if token == "" {
		lg.Warn("no session token, running in local single-user mode")
		return auth.Identity{UserID: "local", Email: "local@signaldesk", Role: auth.RoleAdmin}, nil
	}
	if cfg.Auth.JWTSecret == "" {
		return auth.Identity{}, errors.New("auth.jwt_secret is required to verify the session token")
	}
	id, err := auth.NewVerifier(cfg.Auth.JWTSecret, 0).Parse(token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("invalid session token: %w", err)
	}
	return id, nil
}

// requireAccess fails unless the current identity is approved or an admin.
func (a *app) requireAccess(ctx context.Context) error {
	g, err := a.guard(ctx)
	if err != nil {
		return err
	}
	defer g.Close()
	if !g.Allowed() {
		return fmt.Errorf("%w (status %s)", stream.ErrAccessDenied, g.Status())
	}
	return nil
}

// openStream loads the signal view for one-shot commands. No enrichment runs.
func (a *app) openStream(ctx context.Context, g *access.Guard) (*stream.Stream, error) {
	s := stream.New(a.store, stream.Options{
		UserID:  a.identity.UserID,
		Allowed: g.Allowed,
		Logger:  a.log,
	})
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
