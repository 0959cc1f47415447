package main

import (
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	wavesync "github.com/wavelength-chat/wavesync"
)

var (
	watchInterval time.Duration
	watchLogFile  string
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Minute, "periodic sync interval")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "write logs to a rotating file instead of stderr")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync continuously",
	Long:  "Run an initial sync, then keep syncing: immediately on backend change\nnotifications and periodically as a fallback.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var out io.Writer = os.Stderr
		if watchLogFile != "" {
			out = &lumberjack.Logger{
				Filename:   watchLogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
			}
		}
		logger := log.New(out, "[watch] ", log.LstdFlags)

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.coord.Sync(ctx); err != nil {
			logger.Printf("WARNING: initial sync failed: %v", err)
		}

		// Change notifications trigger a sync as soon as another device
		// writes; the ticker covers missed or dropped notifications.
		syncRequests := make(chan struct{}, 1)
		requestSync := func() {
			select {
			case syncRequests <- struct{}{}:
			default:
			}
		}

		listener := wavesync.NewChangeListener(eng.cfg.Default.BaseURL, wavesync.ListenerConfig{
			Token:  eng.cfg.Default.Token,
			ZoneID: eng.cfg.Default.ZoneID,
			Logger: logger,
		})
		go func() {
			if err := listener.Listen(ctx, requestSync); err != nil && ctx.Err() == nil {
				logger.Printf("WARNING: notification stream unavailable, polling only: %v", err)
			}
		}()

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				requestSync()
			case <-syncRequests:
				if err := eng.coord.Sync(ctx); err != nil && ctx.Err() == nil {
					logger.Printf("WARNING: sync failed: %v", err)
				}
			}
		}
	},
}
