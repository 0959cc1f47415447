package wavesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// ============================================================================
// Persisted sync settings
// ============================================================================

// Setting keys. These survive restarts; the engine's full-vs-incremental
// state machine and the remote cursor live here.
const (
	settingAllRecordsSynced    = "all_records_synced"
	settingLastSyncedTime      = "last_synced_time"
	settingZoneCreated         = "zone_created"
	settingSubscriptionCreated = "subscription_created"
	settingSyncCursor          = "sync_cursor"
)

func (s *Store) getSetting(ctx context.Context, key string) (string, error) {
	var value string
	row := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) boolSetting(ctx context.Context, key string) (bool, error) {
	v, err := s.getSetting(ctx, key)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (s *Store) setBoolSetting(ctx context.Context, key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return s.setSetting(ctx, key, v)
}

// AllRecordsSynced reports whether the first full bulk push+pull has completed.
func (s *Store) AllRecordsSynced(ctx context.Context) (bool, error) {
	return s.boolSetting(ctx, settingAllRecordsSynced)
}

func (s *Store) SetAllRecordsSynced(ctx context.Context, v bool) error {
	return s.setBoolSetting(ctx, settingAllRecordsSynced, v)
}

// LastSyncedTime returns the unix time of the last successful sync, 0 if never.
func (s *Store) LastSyncedTime(ctx context.Context) (int64, error) {
	v, err := s.getSetting(ctx, settingLastSyncedTime)
	if err != nil || v == "" {
		return 0, err
	}
	t, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last synced time: %w", err)
	}
	return t, nil
}

func (s *Store) SetLastSyncedTime(ctx context.Context, t int64) error {
	return s.setSetting(ctx, settingLastSyncedTime, strconv.FormatInt(t, 10))
}

func (s *Store) ZoneCreated(ctx context.Context) (bool, error) {
	return s.boolSetting(ctx, settingZoneCreated)
}

func (s *Store) SetZoneCreated(ctx context.Context, v bool) error {
	return s.setBoolSetting(ctx, settingZoneCreated, v)
}

func (s *Store) SubscriptionCreated(ctx context.Context) (bool, error) {
	return s.boolSetting(ctx, settingSubscriptionCreated)
}

func (s *Store) SetSubscriptionCreated(ctx context.Context, v bool) error {
	return s.setBoolSetting(ctx, settingSubscriptionCreated, v)
}

// SyncCursor returns the opaque change-feed continuation token, "" if no pull
// has completed yet.
func (s *Store) SyncCursor(ctx context.Context) (string, error) {
	return s.getSetting(ctx, settingSyncCursor)
}

// SetSyncCursor replaces the persisted cursor. Cursors are never merged.
func (s *Store) SetSyncCursor(ctx context.Context, cursor string) error {
	return s.setSetting(ctx, settingSyncCursor, cursor)
}
