package main

import (
	"context"
	"fmt"
	"time"

	wavesync "github.com/wavelength-chat/wavesync"
)

// engine bundles the wired-up sync components for one CLI invocation.
type engine struct {
	cfg   *Config
	store *wavesync.Store
	coord *wavesync.Coordinator
}

// openEngine loads the config and wires store, remote client, and
// coordinator together. Callers must Close.
func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Default.Database == "" {
		return nil, fmt.Errorf("no database configured; run 'wavesync init <token>' first")
	}

	store, err := wavesync.OpenStore(cfg.Default.Database, nil)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}

	remote := wavesync.NewCloudClient(cfg.Default.BaseURL, cfg.Default.Token, cfg.Default.ZoneID)
	coord := wavesync.NewCoordinator(store, remote, nil)
	return &engine{cfg: cfg, store: store, coord: coord}, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}

func formatUnix(t int64) string {
	if t == 0 {
		return "never"
	}
	return time.Unix(t, 0).Local().Format("2006-01-02 15:04:05")
}
