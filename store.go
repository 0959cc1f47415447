package wavesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Schema
// ============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	time_created INTEGER NOT NULL,
	removed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	reply_to TEXT NOT NULL DEFAULT '',
	time_created INTEGER NOT NULL,
	removed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
ON messages(conversation_id, time_created);

CREATE TABLE IF NOT EXISTS outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id TEXT NOT NULL,
	record_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// ============================================================================
// Store
// ============================================================================

// Store is the embedded local copy of the chat data plus the outbox queue
// and persisted sync settings. It has no knowledge of the sync cycle; the
// Coordinator drives it through this API.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenStore opens (creating if needed) the local database at path.
// Call Init before first use. If logger is nil a default stderr logger is used.
func OpenStore(path string, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{db: db, logger: logger}, nil
}

// Init applies pragmas and creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Domain writes
// ============================================================================

// Upsert writes a record by id (insert-or-replace) without touching the
// outbox. Used for high-frequency interim writes that will be synced later.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	return s.upsertIn(ctx, s.db, rec)
}

// UpsertAndEnqueue writes a record and a matching outbox snapshot in one
// transaction: the record is never dirty without its outbox entry, and no
// outbox entry exists without its record.
func (s *Store) UpsertAndEnqueue(ctx context.Context, rec Record) error {
	payload, err := rec.EncodeFields()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := s.upsertIn(ctx, tx, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (record_id, record_type, payload, enqueued_at)
		VALUES (?, ?, ?, ?)
	`, rec.RecordID(), string(rec.Kind()), string(payload), time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("enqueue outbox item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert+enqueue: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertIn(ctx context.Context, ex execer, rec Record) error {
	switch r := rec.(type) {
	case *Conversation:
		_, err := ex.ExecContext(ctx, `
			INSERT INTO conversations (id, title, time_created, removed)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				time_created = excluded.time_created,
				removed = excluded.removed
		`, r.ID, r.Title, r.TimeCreated, r.Removed)
		if err != nil {
			return fmt.Errorf("upsert conversation %s: %w", r.ID, err)
		}
		return nil
	case *Message:
		_, err := ex.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, reply_to, time_created, removed)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				conversation_id = excluded.conversation_id,
				role = excluded.role,
				content = excluded.content,
				reply_to = excluded.reply_to,
				time_created = excluded.time_created,
				removed = excluded.removed
		`, r.ID, r.ConversationID, r.Role, r.Content, r.ReplyTo, r.TimeCreated, r.Removed)
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", r.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
}

// ============================================================================
// Outbox
// ============================================================================

// DrainOutbox returns all pending outbox items, oldest first, so push order
// follows causal write order as best-effort.
func (s *Store) DrainOutbox(ctx context.Context) ([]OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, record_id, record_type, payload, enqueued_at
		FROM outbox
		ORDER BY enqueued_at ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		var typ, payload string
		if err := rows.Scan(&it.Seq, &it.RecordID, &typ, &payload, &it.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		it.Type = RecordType(typ)
		it.Payload = []byte(payload)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return items, nil
}

// DeleteOutboxItems removes acknowledged items. Deleting an already-deleted
// item is a no-op, so overlapping sync cycles converge.
func (s *Store) DeleteOutboxItems(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "DELETE FROM outbox WHERE seq = ?")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, seq := range seqs {
		if _, err := stmt.ExecContext(ctx, seq); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete outbox item %d: %w", seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox delete: %w", err)
	}
	return nil
}

// PendingOutbox returns the number of queued outbox items.
func (s *Store) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox")
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// ============================================================================
// Remote merge
// ============================================================================

// ApplyRemoteRecords upserts incoming remote records by id. The remote feed
// is already ordered by the backend, so remote wins unconditionally; no
// timestamp comparison. Records that fail to decode are logged and skipped
// so one bad payload cannot stall the feed. Returns how many were applied.
func (s *Store) ApplyRemoteRecords(ctx context.Context, records []RemoteRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	applied := 0
	for _, rr := range records {
		rec, err := decodeRecord(rr.Type, rr.Fields)
		if err != nil {
			s.logger.Printf("WARNING: skipping malformed remote record %s/%s: %v", rr.Type, rr.ID, err)
			continue
		}
		if rec.RecordID() != rr.ID {
			s.logger.Printf("WARNING: skipping remote record %s/%s: payload id %s disagrees with envelope", rr.Type, rr.ID, rec.RecordID())
			continue
		}
		if err := s.upsertIn(ctx, tx, rec); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit remote apply: %w", err)
	}
	return applied, nil
}

// ============================================================================
// Queries
// ============================================================================

// AllRecords returns every local record, conversations first, then messages
// grouped by conversation in creation order. This is the full-sync push source
// and deliberately includes tombstones.
func (s *Store) AllRecords(ctx context.Context) ([]Record, error) {
	var recs []Record

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, time_created, removed
		FROM conversations
		ORDER BY time_created ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.TimeCreated, &c.Removed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		recs = append(recs, &c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, reply_to, time_created, removed
		FROM messages
		ORDER BY conversation_id ASC, time_created ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ReplyTo, &m.TimeCreated, &m.Removed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		recs = append(recs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return recs, nil
}

// Conversations returns active (non-tombstoned) conversations, newest first.
func (s *Store) Conversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, time_created, removed
		FROM conversations
		WHERE removed = 0
		ORDER BY time_created DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.TimeCreated, &c.Removed); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// Messages returns a conversation's active messages in creation order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, reply_to, time_created, removed
		FROM messages
		WHERE conversation_id = ? AND removed = 0
		ORDER BY time_created ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ReplyTo, &m.TimeCreated, &m.Removed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
