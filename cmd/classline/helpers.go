package main

import (
	"fmt"
	"os"

	classline "github.com/Classline-HQ/Classline/sdk/golang"
)

// clientFromConfig builds a client for the given token using the config's
// base URL or environment.
func clientFromConfig(cfg *Config, token string) *classline.Client {
	var opts []classline.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, classline.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, classline.WithEnvironment(classline.Environment(cfg.Default.Environment)))
	}
	return classline.NewClient(token, opts...)
}

// getClient creates a client authenticated with the stored token.
func getClient() *classline.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'classline init <token>' first.")
		os.Exit(1)
	}
	return clientFromConfig(cfg, cfg.Auth.Token)
}

// getIdentity returns the stored party ID and role, failing loudly when
// the CLI has not been initialized.
func getIdentity() (string, classline.Role) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" || cfg.Auth.Role == "" {
		fmt.Fprintln(os.Stderr, "No identity. Run 'classline init <token>' first.")
		os.Exit(1)
	}
	return cfg.Auth.UserID, classline.Role(cfg.Auth.Role)
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
