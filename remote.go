package wavesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// ============================================================================
// RemoteClient interface
// ============================================================================

// maxBatchSize is the backend's per-request record-count ceiling for
// batched saves.
const maxBatchSize = 200

// ChangePage is one page of the remote change feed.
type ChangePage struct {
	Records []RemoteRecord `json:"records"`
	Cursor  string         `json:"syncToken"`
	HasMore bool           `json:"hasMore"`
}

// RemoteClient wraps the cloud backend's record CRUD and change-feed APIs.
// The Coordinator owns the once-until-success setup flags; this interface
// carries only the raw remote operations so it stays easy to fake in tests.
type RemoteClient interface {
	// CreateZone creates the app's dedicated namespace. Returns nil when the
	// zone was created or already exists.
	CreateZone(ctx context.Context) error

	// CreateSubscription registers for change notifications on the zone.
	// Returns nil when the subscription was created or already exists.
	CreateSubscription(ctx context.Context) error

	// PushRecords saves records using the backend's changed-keys policy,
	// chunking into batches of at most maxBatchSize and issuing them
	// sequentially. After each successful batch, onBatch (if non-nil) is
	// invoked with that batch before the next one is attempted; a batch
	// failure aborts the remaining batches.
	PushRecords(ctx context.Context, records []RemoteRecord, onBatch func(batch []RemoteRecord) error) error

	// PullChanges fetches one page of records changed since cursor.
	// An empty cursor pulls from the beginning of the feed.
	PullChanges(ctx context.Context, cursor string) (*ChangePage, error)

	// AccountAvailable reports whether the backend is reachable and the
	// caller is authorized. Local-only usage never calls this.
	AccountAvailable(ctx context.Context) (bool, error)
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized means the backend rejected the caller's token.
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrAccountUnavailable gates sync attempts when the backend cannot be
	// reached or the account is not signed in.
	ErrAccountUnavailable = errors.New("remote: account unavailable")
)

// RemoteError is a non-2xx backend response.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote status %d", e.StatusCode)
}

// alreadyExists reports the benign setup race: the zone or subscription was
// created by another device or an earlier attempt.
func (e *RemoteError) alreadyExists() bool {
	return e.StatusCode == http.StatusConflict || e.Code == "ALREADY_EXISTS"
}

// ============================================================================
// CloudClient
// ============================================================================

const defaultRemoteTimeout = 30 * time.Second

// CloudClient is the HTTP implementation of RemoteClient against the cloud
// record store: one zone per install, batched changed-keys saves, paginated
// delta pulls addressed by opaque sync tokens.
type CloudClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	zoneID     string
	timeout    time.Duration
	logger     *log.Logger
}

type CloudOption func(*CloudClient)

func WithHTTPClient(client *http.Client) CloudOption {
	return func(c *CloudClient) { c.httpClient = client }
}

func WithRemoteTimeout(timeout time.Duration) CloudOption {
	return func(c *CloudClient) { c.timeout = timeout }
}

func WithRemoteLogger(logger *log.Logger) CloudOption {
	return func(c *CloudClient) { c.logger = logger }
}

// NewCloudClient creates a client for one zone of the cloud record store.
func NewCloudClient(baseURL, token, zoneID string, opts ...CloudOption) *CloudClient {
	c := &CloudClient{
		httpClient: &http.Client{Timeout: defaultRemoteTimeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		zoneID:     zoneID,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Applied after the options run so the timeout wins regardless of option
	// order, without mutating a caller-supplied client.
	if c.timeout > 0 {
		client := *c.httpClient
		client.Timeout = c.timeout
		c.httpClient = &client
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return c
}

// ============================================================================
// Wire payloads
// ============================================================================

type zoneRequest struct {
	ZoneID string `json:"zoneId"`
}

type subscriptionRequest struct {
	ZoneID string `json:"zoneId"`
	// One subscription per install is enough; the backend dedupes by id.
	SubscriptionID string `json:"subscriptionId"`
}

type modifyRequest struct {
	ZoneID     string         `json:"zoneId"`
	SavePolicy string         `json:"savePolicy"`
	Records    []RemoteRecord `json:"records"`
}

type modifyResponse struct {
	Saved []struct {
		Type RecordType `json:"recordType"`
		ID   string     `json:"recordId"`
	} `json:"saved"`
}

type changesRequest struct {
	ZoneID    string `json:"zoneId"`
	SyncToken string `json:"syncToken,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type accountResponse struct {
	Status string `json:"status"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// RemoteClient implementation
// ============================================================================

func (c *CloudClient) CreateZone(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/v1/zones", zoneRequest{ZoneID: c.zoneID}, nil)
	var re *RemoteError
	if errors.As(err, &re) && re.alreadyExists() {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create zone %s: %w", c.zoneID, err)
	}
	return nil
}

func (c *CloudClient) CreateSubscription(ctx context.Context) error {
	req := subscriptionRequest{ZoneID: c.zoneID, SubscriptionID: c.zoneID + "-changes"}
	err := c.do(ctx, http.MethodPost, "/v1/subscriptions", req, nil)
	var re *RemoteError
	if errors.As(err, &re) && re.alreadyExists() {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (c *CloudClient) PushRecords(ctx context.Context, records []RemoteRecord, onBatch func(batch []RemoteRecord) error) error {
	for start := 0; start < len(records); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		req := modifyRequest{ZoneID: c.zoneID, SavePolicy: "changedKeys", Records: batch}
		var resp modifyResponse
		if err := c.do(ctx, http.MethodPost, "/v1/records/modify", req, &resp); err != nil {
			return fmt.Errorf("push batch of %d records: %w", len(batch), err)
		}
		c.logger.Printf("pushed batch of %d records (%d acknowledged)", len(batch), len(resp.Saved))

		if onBatch != nil {
			if err := onBatch(batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *CloudClient) PullChanges(ctx context.Context, cursor string) (*ChangePage, error) {
	req := changesRequest{ZoneID: c.zoneID, SyncToken: cursor, Limit: maxBatchSize}
	var page ChangePage
	if err := c.do(ctx, http.MethodPost, "/v1/records/changes", req, &page); err != nil {
		return nil, fmt.Errorf("pull changes: %w", err)
	}
	return &page, nil
}

func (c *CloudClient) AccountAvailable(ctx context.Context) (bool, error) {
	var resp accountResponse
	err := c.do(ctx, http.MethodGet, "/v1/account", nil, &resp)
	if errors.Is(err, ErrUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Status == "available", nil
}

// ============================================================================
// HTTP plumbing
// ============================================================================

func (c *CloudClient) do(ctx context.Context, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	return &RemoteError{StatusCode: resp.StatusCode, Code: eb.Code, Message: eb.Message}
}
