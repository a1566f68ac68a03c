package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/paper"
	"SignalDesk/internal/stream"
)

// View is the part of the signal stream the scheduled jobs read and refresh.
type View interface {
	Refresh(ctx context.Context) error
	Signals() []model.Signal
	Following() []model.Follow
	Live() bool
	Unseen() int
}

// Sender delivers a formatted message.
type Sender interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// Scheduler manages all cron tasks and answers chat commands.
type Scheduler struct {
	Cron    *cron.Cron
	View    View
	Quotes  paper.Quoter // optional
	Sender  Sender       // optional
	Allowed func() bool  // optional access gate
	Ctx     context.Context
	log     *zap.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, view View, quotes paper.Quoter, sender Sender, allowed func() bool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if allowed == nil {
		allowed = func() bool { return true }
	}
	logger = logger.Named("scheduler")
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		View:    view,
		Quotes:  quotes,
		Sender:  sender,
		Allowed: allowed,
		Ctx:     ctx,
		log:     logger,
	}
}

// RegisterAll registers the refresh and paper summary tasks.
func (s *Scheduler) RegisterAll(refreshCron, summaryCron string) error {
	if _, err := s.Cron.AddFunc(refreshCron, s.refreshTask); err != nil {
		return fmt.Errorf("register refresh task: %w", err)
	}
	if _, err := s.Cron.AddFunc(summaryCron, s.summaryTask); err != nil {
		return fmt.Errorf("register summary task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.Cron.Entries())))
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunRefreshNow executes the refresh task immediately.
func (s *Scheduler) RunRefreshNow() { s.refreshTask() }

// RunSummaryNow executes the paper summary task immediately.
func (s *Scheduler) RunSummaryNow() { s.summaryTask() }

func (s *Scheduler) refreshTask() {
	s.log.Debug("running refresh task")
	if err := s.View.Refresh(s.Ctx); err != nil {
		s.log.Warn("scheduled refresh failed", zap.Error(err))
	}
}

func (s *Scheduler) summaryTask() {
	if !s.Allowed() {
		s.log.Debug("summary skipped, access not approved")
		return
	}
	s.log.Info("running paper summary task")
	s.trySend(notifier.FormatPaperSummary(s.PaperReport(s.Ctx)))
}

// PaperReport marks the followed signals against current quotes.
func (s *Scheduler) PaperReport(ctx context.Context) paper.Report {
	follows := s.View.Following()
	signals := s.View.Signals()

	var quotes map[string]decimal.Decimal
	if s.Quotes != nil {
		var errs []error
		quotes, errs = paper.FetchQuotes(ctx, s.Quotes, paper.OpenSymbols(follows, signals))
		for _, err := range errs {
			s.log.Warn("quote failed", zap.Error(err))
		}
	}
	return paper.Evaluate(follows, signals, quotes)
}

// HandleCommand processes a user command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	if !s.Allowed() {
		return "⛔ Your access is pending admin approval."
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return helpText
	}
	// "/signals@desk_bot" in group chats
	name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")

	switch name {
	case "/signals":
		return notifier.FormatSignalList("Latest signals", head(s.View.Signals(), 10))
	case "/active", "/pending", "/closed", "/won", "/lost":
		c, _ := stream.ParseCategory(strings.TrimPrefix(name, "/"))
		title := strings.ToUpper(string(c[:1])) + string(c[1:]) + " signals"
		return notifier.FormatSignalList(title, head(stream.Filter(s.View.Signals(), c), 10))
	case "/signal":
		if len(fields) < 2 {
			return "Usage: /signal <id>"
		}
		for _, sig := range s.View.Signals() {
			if strings.HasPrefix(sig.ID, fields[1]) {
				return notifier.FormatSignalAlert(sig)
			}
		}
		return "Signal not found."
	case "/paper":
		return notifier.FormatPaperSummary(s.PaperReport(ctx))
	case "/refresh":
		if err := s.View.Refresh(ctx); err != nil {
			return fmt.Sprintf("❌ Refresh failed: %v", err)
		}
		return fmt.Sprintf("✅ Refreshed, %d signals.", len(s.View.Signals()))
	case "/status":
		return notifier.FormatStatus(s.View.Live(), len(s.View.Signals()), s.View.Unseen(), len(s.View.Following()))
	default:
		return helpText
	}
}

const helpText = "Available commands:\n" +
	"• /signals - latest signals\n" +
	"• /active /pending /closed /won /lost - filtered signals\n" +
	"• /signal &lt;id&gt; - signal details\n" +
	"• /paper - paper trading summary\n" +
	"• /refresh - reload signals\n" +
	"• /status - feed status"

func head(signals []model.Signal, n int) []model.Signal {
	if len(signals) > n {
		return signals[:n]
	}
	return signals
}

func (s *Scheduler) trySend(text string) {
	if s.Sender == nil {
		s.log.Info("no sender configured, message dropped", zap.Int("length", len(text)))
		return
	}
	if err := s.Sender.SendWithRetry(s.Ctx, text, 3); err != nil {
		s.log.Error("send notification", zap.Error(err))
	}
}
