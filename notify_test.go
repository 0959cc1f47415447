package wavesync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

const testSecret = "test-notification-secret"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestNotification() string {
	b, _ := json.Marshal(Notification{
		Source:    "wavesync_cloud",
		Event:     "zone.changed",
		ZoneID:    "zone-1",
		Timestamp: 1700000000,
	})
	return string(b)
}

// ============================================================================
// Signature verification
// ============================================================================

func TestVerifyNotificationSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestNotification()
		sig := makeTestSignature(body, testSecret)
		if !VerifyNotificationSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestNotification()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyNotificationSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		if VerifyNotificationSignature(makeTestNotification(), "sha256="+strings.Repeat("0", 64), testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestNotification()
		sig := makeTestSignature(body, "other-secret")
		if VerifyNotificationSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestNotification()
		sig := makeTestSignature(body, testSecret)
		if VerifyNotificationSignature(body+"x", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyNotificationSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyNotificationSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyNotificationSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
	})
}

// ============================================================================
// Payload parsing
// ============================================================================

func TestParseNotification(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		n, err := ParseNotification(makeTestNotification())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if n.Event != EventZoneChanged || n.ZoneID != "zone-1" {
			t.Errorf("payload: %+v", n)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseNotification("{nope"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		if _, err := ParseNotification(`{"source":"other","event":"zone.changed","zoneId":"z"}`); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := ParseNotification(`{"source":"wavesync_cloud","zoneId":"z"}`); err == nil {
			t.Fatal("expected error for missing event")
		}
		if _, err := ParseNotification(`{"source":"wavesync_cloud","event":"zone.changed"}`); err == nil {
			t.Fatal("expected error for missing zoneId")
		}
	})
}

// ============================================================================
// Webhook handler
// ============================================================================

func TestNotificationWebhook(t *testing.T) {
	newHandler := func(t *testing.T, fn NotificationHandlerFunc) *NotificationWebhook {
		t.Helper()
		if fn == nil {
			fn = func(*Notification) error { return nil }
		}
		wh, err := NewNotificationWebhook(testSecret, fn)
		if err != nil {
			t.Fatalf("new webhook: %v", err)
		}
		return wh
	}

	t.Run("requires secret", func(t *testing.T) {
		if _, err := NewNotificationWebhook("", nil); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("invalid signature is unauthorized", func(t *testing.T) {
		wh := newHandler(t, nil)
		code, _ := wh.Handle(makeTestNotification(), "sha256=bad")
		if code != http.StatusUnauthorized {
			t.Errorf("status: got %d, want 401", code)
		}
	})

	t.Run("malformed payload is bad request", func(t *testing.T) {
		wh := newHandler(t, nil)
		body := `{"source":"other"}`
		code, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if code != http.StatusBadRequest {
			t.Errorf("status: got %d, want 400", code)
		}
	})

	t.Run("handler error is internal error", func(t *testing.T) {
		wh := newHandler(t, func(*Notification) error { return errors.New("sync failed") })
		body := makeTestNotification()
		code, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if code != http.StatusInternalServerError {
			t.Errorf("status: got %d, want 500", code)
		}
	})

	t.Run("valid notification dispatches", func(t *testing.T) {
		var got *Notification
		wh := newHandler(t, func(n *Notification) error { got = n; return nil })
		body := makeTestNotification()
		code, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if code != http.StatusOK {
			t.Errorf("status: got %d, want 200", code)
		}
		if got == nil || got.ZoneID != "zone-1" {
			t.Errorf("handler payload: %+v", got)
		}
	})

	t.Run("http handler rejects GET", func(t *testing.T) {
		srv := httptest.NewServer(newHandler(t, nil).HTTPHandler())
		defer srv.Close()
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status: got %d, want 405", resp.StatusCode)
		}
	})
}

// ============================================================================
// Change listener
// ============================================================================

func TestChangeListenerDispatchesZoneChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		// An unrelated zone first, then the one the listener cares about.
		other, _ := json.Marshal(Notification{Source: "wavesync_cloud", Event: "zone.changed", ZoneID: "zone-other", Timestamp: 1})
		mine, _ := json.Marshal(Notification{Source: "wavesync_cloud", Event: "zone.changed", ZoneID: "zone-1", Timestamp: 2})
		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, other)
		conn.Write(ctx, websocket.MessageText, mine)

		// Hold the connection until the client goes away.
		conn.Read(ctx)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed := make(chan struct{}, 4)
	listener := NewChangeListener(srv.URL, ListenerConfig{
		Token:                "tok",
		ZoneID:               "zone-1",
		MaxReconnectAttempts: 1,
	})
	done := make(chan error, 1)
	go func() {
		done <- listener.Listen(ctx, func() { changed <- struct{}{} })
	}()

	select {
	case <-changed:
	case <-ctx.Done():
		t.Fatal("timed out waiting for change notification")
	}
	// The unrelated zone must not have produced a second dispatch.
	select {
	case <-changed:
		t.Fatal("notification for another zone was dispatched")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("listen returned %v, want context cancellation", err)
	}
}
