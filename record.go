package wavesync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Record Types
// ============================================================================

// RecordType identifies which domain record variant a payload carries.
type RecordType string

const (
	RecordTypeConversation RecordType = "conversation"
	RecordTypeMessage      RecordType = "message"
)

// Record is a syncable domain record. Both variants carry a string id, a
// creation timestamp in whole seconds, and a removal timestamp (0 = active,
// nonzero = tombstoned). Tombstones stay physically present and sync as
// ordinary upserts.
type Record interface {
	RecordID() string
	Kind() RecordType
	CreatedAt() int64
	Tombstoned() bool

	// EncodeFields serializes the record's pushable fields. The result is
	// stored verbatim in the outbox and in remote push payloads.
	EncodeFields() (json.RawMessage, error)
}

// Conversation is a chat thread.
type Conversation struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	TimeCreated int64  `json:"timeCreated"`
	Removed     int64  `json:"removed"`
}

func (c *Conversation) RecordID() string { return c.ID }
func (c *Conversation) Kind() RecordType { return RecordTypeConversation }
func (c *Conversation) CreatedAt() int64 { return c.TimeCreated }
func (c *Conversation) Tombstoned() bool { return c.Removed != 0 }

func (c *Conversation) EncodeFields() (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	return b, nil
}

// Message is a single chat message within a conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	ReplyTo        string `json:"replyTo,omitempty"`
	TimeCreated    int64  `json:"timeCreated"`
	Removed        int64  `json:"removed"`
}

func (m *Message) RecordID() string { return m.ID }
func (m *Message) Kind() RecordType { return RecordTypeMessage }
func (m *Message) CreatedAt() int64 { return m.TimeCreated }
func (m *Message) Tombstoned() bool { return m.Removed != 0 }

func (m *Message) EncodeFields() (json.RawMessage, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b, nil
}

// decodeRecord parses a field payload back into the matching record variant.
func decodeRecord(kind RecordType, fields json.RawMessage) (Record, error) {
	switch kind {
	case RecordTypeConversation:
		var c Conversation
		if err := json.Unmarshal(fields, &c); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		if c.ID == "" {
			return nil, fmt.Errorf("decode conversation: missing id")
		}
		return &c, nil
	case RecordTypeMessage:
		var m Message
		if err := json.Unmarshal(fields, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("decode message: missing id")
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown record type %q", kind)
	}
}

// ============================================================================
// Wire Types
// ============================================================================

// RemoteRecord is the wire form of a record as the cloud backend sees it:
// addressed by (type, id), with the field payload opaque to the transport.
type RemoteRecord struct {
	Type   RecordType      `json:"recordType"`
	ID     string          `json:"recordId"`
	Fields json.RawMessage `json:"fields"`
}

// remoteRecordFor builds the wire form of a record.
func remoteRecordFor(rec Record) (RemoteRecord, error) {
	fields, err := rec.EncodeFields()
	if err != nil {
		return RemoteRecord{}, err
	}
	return RemoteRecord{Type: rec.Kind(), ID: rec.RecordID(), Fields: fields}, nil
}

// OutboxItem is one not-yet-acknowledged remote write: a snapshot of a
// record's fields taken at enqueue time. The queue may hold several
// snapshots for the same record id; the backend's changed-keys save makes
// duplicate pushes harmless.
type OutboxItem struct {
	Seq        int64
	RecordID   string
	Type       RecordType
	Payload    json.RawMessage
	EnqueuedAt int64
}

// remoteRecord converts the stored snapshot to its wire form.
func (it OutboxItem) remoteRecord() RemoteRecord {
	return RemoteRecord{Type: it.Type, ID: it.RecordID, Fields: it.Payload}
}
