package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"SignalDesk/internal/insight"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/paper"
	"SignalDesk/internal/quote"
	"SignalDesk/internal/relock"
	"SignalDesk/internal/scheduler"
	"SignalDesk/internal/stream"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live signal desk (feed, insights, notifications, re-lock)",
	RunE:  runServe,
}

// console prints to stdout only while the gate is open. Output produced while
// locked is counted and summarised on unlock.
type console struct {
	mu      sync.Mutex
	open    bool
	pending int
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		c.pending++
		return
	}
	fmt.Printf(format, args...)
}

func (c *console) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Notify shows a local notification on the terminal.
func (c *console) Notify(_ context.Context, n notifier.Notification) error {
	c.printf("🔔 %s\n   %s\n", n.Title, n.Body)
	return nil
}

func (c *console) setOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if open == c.open {
		return
	}
	c.open = open
	if !open {
		fmt.Println("🔒 SignalDesk locked. Waiting for passcode...")
		return
	}
	fmt.Println("🔓 Unlocked.")
	if c.pending > 0 {
		fmt.Printf("%d update(s) arrived while locked.\n", c.pending)
		c.pending = 0
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	cfg, lg := a.cfg, a.log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard, err := a.guard(ctx)
	if err != nil {
		return err
	}
	defer guard.Close()

	gen, err := insight.New(insight.Config{
		Provider: cfg.Insight.Provider,
		APIKey:   cfg.Insight.APIKey,
		Model:    cfg.Insight.Model,
		BaseURL:  cfg.Insight.BaseURL,
	})
	if err != nil {
		return err
	}
	enricher := insight.NewEnricher(gen, cfg.Insight.MaxChars, lg)

	notifiers := notifier.Multi{notifier.NewLogNotifier(lg)}
	var tn *notifier.TelegramNotifier
	if cfg.Telegram.BotToken != "" {
		chatID, err := cfg.TelegramChatID()
		if err != nil {
			return err
		}
		tn, err = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, chatID, cfg.Proxy, lg)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, tn)
	} else {
		lg.Warn("telegram notifier disabled (no bot token)")
	}

	out := &console{}
	biometric := relock.NewPasscode(cfg.ReLock.PasscodeHash, cfg.ReLock.MaxAttempts, cfg.ReLock.LockoutFor, nil, nil)
	gate := relock.NewGate(biometric, relock.Options{
		MinBackground: cfg.ReLock.MinBackground,
		RelockDelay:   cfg.ReLock.RelockDelay,
		InitialDelay:  cfg.ReLock.InitialDelay,
		Prompt:        "🔐 SignalDesk passcode",
		Logger:        lg,
	})
	defer gate.Close()
	failed := make(chan struct{}, 1)
	gate.OnChange(func(st relock.Status) {
		out.setOpen(st.Authenticated)
		if st.Error != "" && !st.Authenticating {
			fmt.Printf("⚠️  %s\n", st.Error)
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})

	feed := stream.New(a.store, stream.Options{
		UserID:   a.identity.UserID,
		Allowed:  guard.Allowed,
		Enricher: enricher,
		Notifier: out,
		Logger:   lg,
	})
	defer feed.Close()

	fan := notifier.NewFanOut(a.store, notifiers, func(s model.Signal) {
		lg.Debug("signal fanned out", zap.String("id", s.ID), zap.String("symbol", s.Symbol))
		if !out.isOpen() {
			return
		}
		if n := feed.Unseen(); n > 1 {
			out.printf("%d new signals since you last looked.\n", n)
		}
		feed.MarkSeen()
	}, lg)
	defer fan.Close()

	guard.OnChange(func(allowed bool) {
		if err := fan.Sync(ctx, allowed); err != nil {
			lg.Warn("sync notification fan-out", zap.Error(err))
		}
		if allowed {
			feed.EnrichMissing()
		} else {
			out.printf("⛔ Access not approved (status %s). Ask an admin to approve %s.\n", guard.Status(), a.identity.UserID)
		}
	})
	if err := fan.Sync(ctx, guard.Allowed()); err != nil {
		return err
	}

	st := gate.Mount(ctx)
	out.setOpen(st.Authenticated)

	if err := feed.Start(ctx); err != nil {
		return err
	}
	if !feed.Live() {
		lg.Warn("signal feed offline, showing local view")
	}
	if out.isOpen() {
		printSignals(feed.Signals())
	}

	var quoter paper.Quoter = quote.NewYahoo(cfg.Quote.BaseURL, cfg.Proxy)
	var sender scheduler.Sender
	if tn != nil {
		sender = tn
	}
	sched := scheduler.NewScheduler(ctx, feed, quoter, sender, guard.Allowed, lg)
	if err := sched.RegisterAll(cfg.Schedule.RefreshCron, cfg.Schedule.SummaryCron); err != nil {
		return fmt.Errorf("register cron tasks: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		relock.Lifecycle(gctx, gate.Transition)
		return nil
	})
	g.Go(func() error {
		retryOnEnter(gctx, gate, failed)
		return nil
	})
	if tn != nil {
		g.Go(func() error {
			tn.StartPolling(gctx, sched.HandleCommand)
			return nil
		})
		lg.Info("telegram polling started")
	}

	lg.Info("signaldesk is running",
		zap.String("user", a.identity.UserID),
		zap.Bool("admin", guard.IsAdmin()),
		zap.Bool("allowed", guard.Allowed()),
		zap.Bool("live", feed.Live()),
		zap.String("store", cfg.Database.Driver),
		zap.String("insight", cfg.Insight.Provider),
	)

	err = g.Wait()
	lg.Info("shutdown signal received, stopping")
	return err
}

// retryOnEnter waits for a failed challenge, then re-runs it once the user presses Enter.
// Stdin is only read between challenges so the passcode prompt owns the terminal.
func retryOnEnter(ctx context.Context, gate *relock.Gate, failed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-failed:
		}
		st := gate.Status()
		if !st.Supported || st.Authenticated || st.Authenticating {
			continue
		}
		rl, err := readline.NewEx(&readline.Config{Prompt: "Press Enter to retry "})
		if err != nil {
			return
		}
		stop := context.AfterFunc(ctx, func() { rl.Close() })
		_, err = rl.Readline()
		stop()
		rl.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, readline.ErrInterrupt) {
			return
		}
		gate.Authenticate(ctx)
	}
}
