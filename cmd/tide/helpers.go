package main

import (
	"fmt"
	"os"

	tide "github.com/tidechat/tide-go"
)

// getClient creates a Tide client from the stored configuration.
func getClient() (*tide.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.Token == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'tide init <token>' first.")
		os.Exit(1)
	}
	if cfg.Server.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No server URL. Run 'tide config set server.base_url <url>' first.")
		os.Exit(1)
	}

	return tide.NewClient(cfg.Server.BaseURL, cfg.Server.Token), cfg
}

// selfSender builds the local user's sender identity from the config.
func selfSender(cfg *Config) tide.Sender {
	return tide.Sender{
		ID:          cfg.User.ID,
		DisplayName: cfg.User.DisplayName,
	}
}
