package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/paper"
	"SignalDesk/internal/quote"
	"SignalDesk/internal/stream"
)

var (
	priceFlag  string
	noQuotes   bool
	paperTable bool
)

func init() {
	followCmd.Flags().StringVar(&priceFlag, "price", "", "entry price (defaults to the signal entry)")
	paperCmd.Flags().BoolVar(&noQuotes, "no-quotes", false, "mark open positions at entry instead of fetching quotes")
	paperCmd.Flags().BoolVar(&paperTable, "table", false, "print every position as a table")
	rootCmd.AddCommand(followCmd, unfollowCmd, followingCmd, paperCmd)
}

// withStream runs fn against a started stream for the current identity.
func withStream(ctx context.Context, fn func(a *app, s *stream.Stream) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	g, err := a.guard(ctx)
	if err != nil {
		return err
	}
	defer g.Close()

	s, err := a.openStream(ctx, g)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(a, s)
}

// findSignal resolves a full id or a unique id prefix.
func findSignal(s *stream.Stream, ref string) (model.Signal, error) {
	if sig, ok := s.Signal(ref); ok {
		return sig, nil
	}
	var match []model.Signal
	for _, sig := range s.Signals() {
		if strings.HasPrefix(sig.ID, ref) {
			match = append(match, sig)
		}
	}
	switch len(match) {
	case 0:
		return model.Signal{}, fmt.Errorf("signal %q not found", ref)
	case 1:
		return match[0], nil
	default:
		return model.Signal{}, fmt.Errorf("signal prefix %q is ambiguous (%d matches)", ref, len(match))
	}
}

var followCmd = &cobra.Command{
	Use:   "follow <signal-id>",
	Short: "Paper-trade a signal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry := decimal.Zero
		if priceFlag != "" {
			p, err := decimal.NewFromString(priceFlag)
			if err != nil || !p.IsPositive() {
				return fmt.Errorf("invalid --price %q", priceFlag)
			}
			entry = p
		}
		return withStream(cmd.Context(), func(a *app, s *stream.Stream) error {
			sig, err := findSignal(s, args[0])
			if err != nil {
				return err
			}
			if err := s.Follow(cmd.Context(), sig, entry); err != nil {
				return err
			}
			if entry.IsZero() {
				entry = sig.Entry
			}
			fmt.Printf("Following %s %s %s at %s.\n", shortID(sig.ID), sig.Symbol, sig.Type, entry)
			return nil
		})
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <signal-id>",
	Short: "Stop paper-trading a signal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStream(cmd.Context(), func(a *app, s *stream.Stream) error {
			sig, err := findSignal(s, args[0])
			if err != nil {
				return err
			}
			if !s.IsFollowing(sig.ID) {
				fmt.Printf("Not following %s.\n", shortID(sig.ID))
				return nil
			}
			if err := s.Unfollow(cmd.Context(), sig.ID); err != nil {
				return err
			}
			fmt.Printf("Unfollowed %s %s.\n", shortID(sig.ID), sig.Symbol)
			return nil
		})
	},
}

var followingCmd = &cobra.Command{
	Use:   "following",
	Short: "List followed signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStream(cmd.Context(), func(a *app, s *stream.Stream) error {
			var followed []model.Signal
			for _, f := range s.Following() {
				if sig, ok := s.Signal(f.SignalID); ok {
					followed = append(followed, sig)
				}
			}
			printSignals(followed)
			return nil
		})
	},
}

var paperCmd = &cobra.Command{
	Use:   "paper",
	Short: "Show paper-trading P&L of followed signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withStream(ctx, func(a *app, s *stream.Stream) error {
			follows, signals := s.Following(), s.Signals()
			var quotes map[string]decimal.Decimal
			if !noQuotes {
				y := quote.NewYahoo(a.cfg.Quote.BaseURL, a.cfg.Proxy)
				var errs []error
				quotes, errs = paper.FetchQuotes(ctx, y, paper.OpenSymbols(follows, signals))
				for _, err := range errs {
					a.log.Warn("fetch quote", zap.Error(err))
				}
			}
			report := paper.Evaluate(follows, signals, quotes)
			if paperTable {
				printPositions(report.Positions)
			}
			fmt.Println(notifier.FormatPaperSummary(report))
			return nil
		})
	},
}

func printPositions(positions []paper.Position) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tTYPE\tENTRY\tMARK\tP&L\tP&L%\tSTATE")
	for _, p := range positions {
		state := "open"
		if p.Closed {
			state = "closed"
		} else if !p.Quoted {
			state = "open (no quote)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s%%\t%s\n",
			shortID(p.Signal.ID), p.Signal.Symbol, p.Signal.Type, p.Follow.EntryPrice,
			p.Mark.StringFixed(5), p.PnL.StringFixed(5), p.PnLPct.StringFixed(2), state)
	}
	_ = w.Flush()
}
