// Package wavesync keeps a local embedded copy of chat data (conversations,
// messages) consistent with the cloud record store across devices and
// intermittent connectivity.
//
// Local writes go through the Coordinator: Save persists locally only,
// SaveAndSync additionally enqueues an outbox snapshot and attempts an
// immediate push, and Sync runs a full push-then-pull cycle. Delivery is
// at-least-once — the backend's changed-keys save policy makes duplicate
// pushes harmless — and remote records merge in by idempotent upsert, so
// overlapping cycles converge rather than corrupt state.
//
// Usage:
//
//	store, _ := wavesync.OpenStore("chat.db", nil)
//	store.Init(ctx)
//	remote := wavesync.NewCloudClient("https://sync.example.com", token, zoneID)
//	coord := wavesync.NewCoordinator(store, remote, nil)
//
//	coord.On(wavesync.EventRemoteData, func(string, any) { refreshViews() })
//	if err := coord.Sync(ctx); err != nil {
//	    // sync is best-effort; the UI keeps working against the local store
//	}
package wavesync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// ============================================================================
// Coordinator
// ============================================================================

// SyncStatus is the surface the UI observes: the latest sync error, if any,
// and when the last successful cycle finished (unix seconds, 0 = never).
type SyncStatus struct {
	Err        error
	LastSynced int64
}

// Coordinator orchestrates push-then-pull cycles between the Store and the
// RemoteClient. It does not serialize overlapping Sync calls: pushes, pulls,
// and outbox deletion are all idempotent, so concurrent cycles converge at
// the cost of redundant network work (last-delete-wins on the outbox).
type Coordinator struct {
	syncEmitter

	store  *Store
	remote RemoteClient
	logger *log.Logger

	mu         sync.Mutex
	syncErr    error
	lastSynced int64
}

// NewCoordinator wires the sync engine together. If logger is nil, a default
// logger writing to stderr is used.
func NewCoordinator(store *Store, remote RemoteClient, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	c := &Coordinator{store: store, remote: remote, logger: logger}
	if t, err := store.LastSyncedTime(context.Background()); err == nil {
		c.lastSynced = t
	}
	return c
}

// Status returns the current error/last-synced surface.
func (c *Coordinator) Status() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SyncStatus{Err: c.syncErr, LastSynced: c.lastSynced}
}

func (c *Coordinator) setErr(err error) {
	c.mu.Lock()
	c.syncErr = err
	c.mu.Unlock()
}

// ============================================================================
// Save entry points
// ============================================================================

// Save persists a record locally without touching the network or the outbox.
// Meant for high-frequency interim writes, e.g. streaming partial message
// content; call SaveAndSync once the stream completes.
func (c *Coordinator) Save(ctx context.Context, rec Record) error {
	return c.store.Upsert(ctx, rec)
}

// SaveAndSync persists the records, enqueues outbox snapshots for them, and
// attempts an immediate push-and-delete of the whole outbox. Storage errors
// are returned; push failures are logged and recorded in Status, never
// returned — delivery retries on the next sync opportunity.
func (c *Coordinator) SaveAndSync(ctx context.Context, recs ...Record) error {
	for _, rec := range recs {
		if err := c.store.UpsertAndEnqueue(ctx, rec); err != nil {
			return err
		}
	}
	if err := c.pushOutbox(ctx); err != nil {
		c.logger.Printf("WARNING: outbox push failed, will retry on next sync: %v", err)
		c.setErr(err)
	}
	return nil
}

// ============================================================================
// Sync cycle
// ============================================================================

// Sync runs one push-then-pull cycle. Until the first full bulk push+pull
// has completed, every call runs a full sync (push all local records, pull
// the feed from the beginning); after that, cycles are incremental (drain
// the outbox, pull from the persisted cursor). A failed full sync leaves the
// state machine in the full-sync state so no record is silently skipped.
func (c *Coordinator) Sync(ctx context.Context) error {
	c.setErr(nil)
	c.emit(EventSyncStart, nil)

	if err := c.syncOnce(ctx); err != nil {
		c.setErr(err)
		c.emit(EventSyncError, err.Error())
		return err
	}

	now := time.Now().Unix()
	if err := c.store.SetLastSyncedTime(ctx, now); err != nil {
		c.logger.Printf("WARNING: failed to persist last synced time: %v", err)
	}
	c.mu.Lock()
	c.lastSynced = now
	c.mu.Unlock()

	c.emit(EventSyncComplete, nil)
	return nil
}

func (c *Coordinator) syncOnce(ctx context.Context) error {
	ok, err := c.remote.AccountAvailable(ctx)
	if err != nil {
		return fmt.Errorf("account check: %w", err)
	}
	if !ok {
		return ErrAccountUnavailable
	}

	// Zone creation failure aborts the cycle: nothing can sync without the
	// namespace. Subscription failure only degrades to polling.
	if err := c.ensureZone(ctx); err != nil {
		return err
	}
	if err := c.ensureSubscription(ctx); err != nil {
		c.logger.Printf("WARNING: change subscription setup failed, relying on explicit sync triggers: %v", err)
	}

	synced, err := c.store.AllRecordsSynced(ctx)
	if err != nil {
		return err
	}
	if !synced {
		return c.fullSync(ctx)
	}
	return c.incrementalSync(ctx)
}

// ensureZone creates the remote zone once per install. The persisted flag is
// set only after success, so failures are retried on later cycles.
func (c *Coordinator) ensureZone(ctx context.Context) error {
	created, err := c.store.ZoneCreated(ctx)
	if err != nil {
		return err
	}
	if created {
		return nil
	}
	if err := c.remote.CreateZone(ctx); err != nil {
		return err
	}
	return c.store.SetZoneCreated(ctx, true)
}

func (c *Coordinator) ensureSubscription(ctx context.Context) error {
	created, err := c.store.SubscriptionCreated(ctx)
	if err != nil {
		return err
	}
	if created {
		return nil
	}
	if err := c.remote.CreateSubscription(ctx); err != nil {
		return err
	}
	return c.store.SetSubscriptionCreated(ctx, true)
}

// fullSync pushes every local record, not just the outbox, then pulls the
// whole feed from a null cursor. Unlike routine saves, a failed local read
// here fails the cycle loudly: proceeding would mark records synced that
// were never pushed.
func (c *Coordinator) fullSync(ctx context.Context) error {
	recs, err := c.store.AllRecords(ctx)
	if err != nil {
		return fmt.Errorf("read local records for full sync: %w", err)
	}

	payload, err := pushPayloads(recs)
	if err != nil {
		return err
	}
	c.logger.Printf("full sync: pushing %d local records", len(payload))
	if err := c.remote.PushRecords(ctx, payload, nil); err != nil {
		return err
	}

	if err := c.pullLoop(ctx, ""); err != nil {
		return err
	}
	return c.store.SetAllRecordsSynced(ctx, true)
}

func (c *Coordinator) incrementalSync(ctx context.Context) error {
	if err := c.pushOutbox(ctx); err != nil {
		return err
	}
	cursor, err := c.store.SyncCursor(ctx)
	if err != nil {
		return err
	}
	return c.pullLoop(ctx, cursor)
}

// pushOutbox drains the queue oldest-first and pushes it in batches.
// Each batch's items are deleted as soon as the backend acknowledges that
// batch, before the next one goes out, so after a mid-push failure the
// retried items are an exact suffix of the queue.
func (c *Coordinator) pushOutbox(ctx context.Context) error {
	items, err := c.store.DrainOutbox(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	records := make([]RemoteRecord, len(items))
	for i, it := range items {
		records[i] = it.remoteRecord()
	}

	offset := 0
	err = c.remote.PushRecords(ctx, records, func(batch []RemoteRecord) error {
		seqs := make([]int64, len(batch))
		for i := range batch {
			seqs[i] = items[offset+i].Seq
		}
		offset += len(batch)
		return c.store.DeleteOutboxItems(ctx, seqs)
	})
	if err != nil {
		return fmt.Errorf("push outbox (%d delivered, %d pending): %w", offset, len(items)-offset, err)
	}
	c.logger.Printf("pushed %d outbox items", len(items))
	return nil
}

// pullLoop drains the change feed page by page. The cursor is persisted only
// after each page's records are durably applied, so a crash between pages
// re-fetches at most one already-applied page. Page N+1 is never requested
// before page N's cursor is known.
func (c *Coordinator) pullLoop(ctx context.Context, cursor string) error {
	total := 0
	for {
		page, err := c.remote.PullChanges(ctx, cursor)
		if err != nil {
			return err
		}
		applied, err := c.store.ApplyRemoteRecords(ctx, page.Records)
		if err != nil {
			return err
		}
		if err := c.store.SetSyncCursor(ctx, page.Cursor); err != nil {
			return err
		}
		total += applied
		cursor = page.Cursor
		if !page.HasMore {
			break
		}
	}
	if total > 0 {
		c.logger.Printf("applied %d remote records", total)
		c.emit(EventRemoteData, nil)
	}
	return nil
}

// ============================================================================
// Push payload fixup
// ============================================================================

// pushPayloads converts records to wire form. With second-granularity clocks,
// rapid successive messages can share a creation timestamp; to keep the
// remote's per-conversation ordering stable, equal-or-earlier timestamps are
// bumped to strictly increasing values in the push payload only. Local
// records are never modified.
func pushPayloads(recs []Record) ([]RemoteRecord, error) {
	out := make([]RemoteRecord, 0, len(recs))
	lastTS := make(map[string]int64)

	for _, rec := range recs {
		msg, isMsg := rec.(*Message)
		if isMsg {
			if prev, ok := lastTS[msg.ConversationID]; ok && msg.TimeCreated <= prev {
				adjusted := *msg
				adjusted.TimeCreated = prev + 1
				msg = &adjusted
			}
			lastTS[msg.ConversationID] = msg.TimeCreated
			rec = msg
		}
		rr, err := remoteRecordFor(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, nil
}
