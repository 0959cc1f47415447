package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long:  "Push pending local changes to the backend and pull remote changes.\nThe first successful run performs a full bulk sync.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.coord.Sync(ctx); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		status := eng.coord.Status()
		fmt.Printf("Synced at %s\n", formatUnix(status.LastSynced))
		return nil
	},
}
