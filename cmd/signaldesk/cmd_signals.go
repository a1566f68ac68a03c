package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"SignalDesk/internal/model"
	"SignalDesk/internal/stream"
)

var categoryFlag string

func init() {
	signalsCmd.Flags().StringVarP(&categoryFlag, "category", "c", "all", "all, active, pending, closed, won or lost")
	rootCmd.AddCommand(signalsCmd, seedCmd)
}

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List signals, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := stream.ParseCategory(categoryFlag)
		if err != nil {
			return err
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.requireAccess(cmd.Context()); err != nil {
			return err
		}
		signals, err := a.store.ListSignals(cmd.Context())
		if err != nil {
			return fmt.Errorf("list signals: %w", err)
		}
		printSignals(stream.Filter(signals, cat))
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the starter signal set into an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		existing, err := a.store.ListSignals(ctx)
		if err != nil {
			return fmt.Errorf("list signals: %w", err)
		}
		if len(existing) > 0 {
			fmt.Printf("Store already holds %d signal(s), nothing to seed.\n", len(existing))
			return nil
		}
		inserted, err := a.store.InsertSignals(ctx, stream.FallbackSignals())
		if err != nil {
			return fmt.Errorf("seed signals: %w", err)
		}
		fmt.Printf("Seeded %d signal(s).\n", len(inserted))
		return nil
	},
}

func printSignals(signals []model.Signal) {
	if len(signals) == 0 {
		fmt.Println("No signals.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tTYPE\tENTRY\tSL\tTP\tSTATUS\tCONF\tCREATED")
	for _, s := range signals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
			shortID(s.ID), s.Symbol, s.Type, s.Entry, s.StopLoss, s.TakeProfit,
			s.Status, s.Confidence, s.CreatedAt.Local().Format("01-02 15:04"))
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
