package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initUserID  string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Server base URL")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Local account user id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store access token in ~/.tide/config.toml",
	Long:  "Initialize the Tide CLI by storing your access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.Token = token
		if initBaseURL != "" {
			cfg.Server.BaseURL = initBaseURL
		}
		if initUserID != "" {
			cfg.User.ID = initUserID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
