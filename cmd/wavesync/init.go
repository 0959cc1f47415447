package main

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Initialize wavesync with a backend token",
	Long:  "Store the backend token, allocate a zone id for this install,\nand pick a default database location.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if cfg.Default.ZoneID == "" {
			cfg.Default.ZoneID = "zone-" + uuid.NewString()
		}
		if cfg.Default.Database == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Default.Database = filepath.Join(dir, "chat.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Configuration saved.")
		fmt.Printf("  zone:     %s\n", cfg.Default.ZoneID)
		fmt.Printf("  database: %s\n", cfg.Default.Database)
		return nil
	},
}
