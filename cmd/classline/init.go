package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.classline/config.toml",
	Long:  "Initialize the Classline CLI by storing your access token and fetching the signed-in party's identity.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		// Resolve who this token belongs to so later commands know the
		// party ID and role without extra flags.
		client := clientFromConfig(cfg, token)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		session, err := client.Comms().Account.CurrentUser(ctx)
		if err != nil {
			return fmt.Errorf("token verification failed: %w", err)
		}
		if session != nil {
			cfg.Auth.UserID = session.UserID
			cfg.Auth.Role = string(session.Role)
			cfg.Auth.Name = session.Name
			if !session.ExpiresAt.IsZero() {
				cfg.Auth.TokenExpires = session.ExpiresAt.Format(time.RFC3339)
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if session != nil {
			fmt.Printf("Signed in as %s (%s, %s)\n", session.Name, session.UserID, session.Role)
		}
		return nil
	},
}
