package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Name != "" {
			fmt.Printf("  Name:    %s\n", cfg.Auth.Name)
			fmt.Printf("  User ID: %s\n", cfg.Auth.UserID)
			fmt.Printf("  Role:    %s\n", cfg.Auth.Role)
		} else {
			fmt.Println("  Name:    (not signed in)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = maskToken(cfg.Auth.Token)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus += fmt.Sprintf(" (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus += fmt.Sprintf(" (expires %s)", expires.Format(time.RFC3339))
				default:
					tokenStatus += fmt.Sprintf(" (EXPIRED %s)", expires.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:   %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := clientFromConfig(cfg, cfg.Auth.Token)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := client.Comms().Health(ctx); err != nil {
			fmt.Printf("  Service: unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Service: ok")

		session, err := client.Comms().Account.CurrentUser(ctx)
		if err != nil {
			fmt.Printf("  Account: error (%v)\n", err)
			return nil
		}
		if session == nil {
			fmt.Println("  Account: no active session")
			return nil
		}
		fmt.Printf("  Account: %s (%s, %s)\n", session.Name, session.UserID, session.Role)
		return nil
	},
}
