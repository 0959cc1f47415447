package wavesync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Change notifications
// ============================================================================

// Notification is a change-awareness ping from the backend: records in the
// zone changed, go pull. It carries no record data.
type Notification struct {
	Source    string `json:"source"`
	Event     string `json:"event"`
	ZoneID    string `json:"zoneId"`
	Timestamp int64  `json:"timestamp"`
}

const notificationSource = "wavesync_cloud"

// EventZoneChanged is the only notification event the engine acts on.
const EventZoneChanged = "zone.changed"

// VerifyNotificationSignature verifies a notification's HMAC-SHA256 signature
// using constant-time comparison.
func VerifyNotificationSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseNotification parses and validates a raw notification body.
func ParseNotification(body string) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in notification body: %w", err)
	}
	if n.Source != notificationSource {
		return nil, fmt.Errorf("unknown notification source: %s", n.Source)
	}
	if n.Event == "" {
		return nil, errors.New("missing event field in notification")
	}
	if n.ZoneID == "" {
		return nil, errors.New("missing zoneId field in notification")
	}
	return &n, nil
}

// ============================================================================
// Webhook delivery
// ============================================================================

// NotificationHandlerFunc handles verified notifications.
type NotificationHandlerFunc func(n *Notification) error

// NotificationWebhook verifies, parses, and dispatches push-style change
// notifications delivered over HTTP. Deployments that cannot hold a
// websocket open register this handler behind a public endpoint instead.
type NotificationWebhook struct {
	secret   string
	onChange NotificationHandlerFunc
}

// NewNotificationWebhook creates a webhook receiver.
func NewNotificationWebhook(secret string, onChange NotificationHandlerFunc) (*NotificationWebhook, error) {
	if secret == "" {
		return nil, errors.New("notification secret is required")
	}
	return &NotificationWebhook{secret: secret, onChange: onChange}, nil
}

// Handle processes one notification request (verify + parse + dispatch).
// Returns the status code and response body for the caller to write.
func (w *NotificationWebhook) Handle(body, signature string) (int, any) {
	if !VerifyNotificationSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	n, err := ParseNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if err := w.onChange(n); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes notification requests.
func (w *NotificationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Wavesync-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// ChangeListener
// ============================================================================

// ListenerConfig configures a ChangeListener.
type ListenerConfig struct {
	Token              string
	ZoneID             string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts of 0 means reconnect forever.
	MaxReconnectAttempts int
	Logger               *log.Logger
}

func (c *ListenerConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[listen] ", log.LstdFlags)
	}
}

// ChangeListener holds a websocket open to the backend's notification stream
// and invokes a callback whenever the zone changes. It reconnects with
// exponential backoff; when the connection cannot be established the engine
// simply degrades to explicit sync triggers.
type ChangeListener struct {
	baseURL string
	config  ListenerConfig
	recon   *reconnector
}

// NewChangeListener creates a listener for one zone's notification stream.
func NewChangeListener(baseURL string, config ListenerConfig) *ChangeListener {
	config.defaults()
	return &ChangeListener{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		config:  config,
		recon: &reconnector{
			baseDelay:   config.ReconnectBaseDelay,
			maxDelay:    config.ReconnectMaxDelay,
			maxAttempts: config.MaxReconnectAttempts,
		},
	}
}

// Listen blocks, dispatching zone-changed notifications to onChange until the
// context is cancelled or the reconnect budget is exhausted. onChange runs on
// the listener goroutine; callers wanting concurrency spawn their own.
func (l *ChangeListener) Listen(ctx context.Context, onChange func()) error {
	for {
		err := l.listenOnce(ctx, onChange)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !l.recon.shouldReconnect() {
			return fmt.Errorf("notification stream: giving up after %d attempts: %w", l.recon.attempt, err)
		}
		delay := l.recon.nextDelay()
		l.config.Logger.Printf("notification stream lost (%v), reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *ChangeListener) listenOnce(ctx context.Context, onChange func()) error {
	wsURL := strings.Replace(l.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/v1/changes/ws?zone=" + l.config.ZoneID + "&token=" + l.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.recon.markConnected()
	l.config.Logger.Printf("listening for changes on zone %s", l.config.ZoneID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		n, err := ParseNotification(string(data))
		if err != nil {
			l.config.Logger.Printf("WARNING: ignoring malformed notification: %v", err)
			continue
		}
		if n.Event == EventZoneChanged && n.ZoneID == l.config.ZoneID {
			onChange()
		}
	}
}
