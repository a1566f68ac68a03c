package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"SignalDesk/internal/auth"
	"SignalDesk/internal/config"
	"SignalDesk/internal/relock"
)

var (
	tokenUser  string
	tokenEmail string
	tokenRole  string
	tokenTTL   time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (random when empty)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim, \"admin\" grants admin rights")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	rootCmd.AddCommand(passcodeCmd, tokenCmd)
}

var passcodeCmd = &cobra.Command{
	Use:   "passcode",
	Short: "Hash a re-lock passcode for relock.passcode_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		first, err := relock.TerminalPassword(ctx, "New passcode: ")
		if err != nil {
			return err
		}
		again, err := relock.TerminalPassword(ctx, "Repeat passcode: ")
		if err != nil {
			return err
		}
		if string(first) != string(again) {
			return errors.New("passcodes do not match")
		}
		hash, err := relock.HashPasscode(string(first))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		fmt.Println("Set it as relock.passcode_hash or RELOCK_PASSCODE_HASH.")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session token signed with auth.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not configured")
		}
		if tokenUser == "" {
			tokenUser = uuid.NewString()
		}
		token, exp, err := auth.NewVerifier(cfg.Auth.JWTSecret, tokenTTL).Sign(auth.Identity{
			UserID: tokenUser,
			Email:  tokenEmail,
			Role:   tokenRole,
		})
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Printf("User %s, expires %s.\n", tokenUser, exp.Local().Format(time.RFC3339))
		return nil
	},
}
