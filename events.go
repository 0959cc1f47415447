package wavesync

import "sync"

// ============================================================================
// Event Emitter
// ============================================================================

// Events emitted by the Coordinator.
const (
	// EventSyncStart fires at the beginning of each sync attempt.
	EventSyncStart = "sync.start"
	// EventSyncComplete fires after a successful cycle.
	EventSyncComplete = "sync.complete"
	// EventSyncError fires when a cycle fails; payload is the error message.
	EventSyncError = "sync.error"
	// EventRemoteData fires, with no payload, when a pull applied remote
	// records — observers should re-query their views.
	EventRemoteData = "sync.remotedata"
)

// EventHandler handles coordinator events.
type EventHandler func(event string, payload any)

type listenerEntry struct {
	id      int
	handler EventHandler
}

type syncEmitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string][]listenerEntry
}

// On registers a handler for an event and returns a function that removes it.
// A UI view subscribes on mount and calls the returned function on teardown.
func (e *syncEmitter) On(event string, handler EventHandler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]listenerEntry)
	}
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listenerEntry{id: id, handler: handler})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.listeners[event]
		for i, ent := range entries {
			if ent.id == id {
				e.listeners[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (e *syncEmitter) emit(event string, payload any) {
	e.mu.RLock()
	entries := e.listeners[event]
	e.mu.RUnlock()
	for _, ent := range entries {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			ent.handler(event, payload)
		}()
	}
}
