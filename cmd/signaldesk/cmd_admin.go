package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"SignalDesk/internal/access"
	"SignalDesk/internal/model"
)

var statusFlag string

func init() {
	adminListCmd.Flags().StringVar(&statusFlag, "status", string(model.AccessPending), "pending, approved, blocked or all")
	adminCmd.AddCommand(adminListCmd, adminApproveCmd, adminBlockCmd)
	rootCmd.AddCommand(adminCmd)
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage user access (admins only)",
}

// withGuard runs fn with the access guard of the current identity.
func withGuard(cmd *cobra.Command, fn func(g *access.Guard) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	g, err := a.guard(cmd.Context())
	if err != nil {
		return err
	}
	defer g.Close()
	return fn(g)
}

var adminListCmd = &cobra.Command{
	Use:   "list",
	Short: "List user profiles by access status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.AccessStatus(statusFlag)
		if statusFlag == "all" {
			status = ""
		} else if !status.Valid() {
			return fmt.Errorf("unknown status %q", statusFlag)
		}
		return withGuard(cmd, func(g *access.Guard) error {
			profiles, err := g.ListByStatus(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(profiles) == 0 {
				fmt.Println("No profiles.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tEMAIL\tSTATUS\tUPDATED")
			for _, p := range profiles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.UserID, p.Email, p.Status, p.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var adminApproveCmd = &cobra.Command{
	Use:   "approve <user-id>",
	Short: "Approve a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGuard(cmd, func(g *access.Guard) error {
			if err := g.Approve(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Approved %s.\n", args[0])
			return nil
		})
	},
}

var adminBlockCmd = &cobra.Command{
	Use:   "block <user-id>",
	Short: "Block a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGuard(cmd, func(g *access.Guard) error {
			if err := g.Block(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Blocked %s.\n", args[0])
			return nil
		})
	},
}
