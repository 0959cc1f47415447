package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		lastSynced, err := eng.store.LastSyncedTime(ctx)
		if err != nil {
			return err
		}
		fullSynced, err := eng.store.AllRecordsSynced(ctx)
		if err != nil {
			return err
		}
		pending, err := eng.store.PendingOutbox(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("zone:           %s\n", eng.cfg.Default.ZoneID)
		fmt.Printf("last synced:    %s\n", formatUnix(lastSynced))
		fmt.Printf("full sync done: %v\n", fullSynced)
		fmt.Printf("pending outbox: %d\n", pending)
		return nil
	},
}
