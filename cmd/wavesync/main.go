package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wavesync",
	Short: "Offline-first chat sync",
	Long:  "Command-line interface for the wavesync engine.\nManage configuration, inspect sync status, and push/pull chat data.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
