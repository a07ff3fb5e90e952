package session

import (
	"log/slog"
	"sync"
	"time"
)

// defaultReconnectGrace is how long a detached session survives a dropped
// connection before it is torn down.
const defaultReconnectGrace = 30 * time.Second

// ReconnectWindow keeps sessions whose transport dropped alive for a grace
// period so the client can re-dial and resume instead of losing the
// conversation. A session enters the window via [ReconnectWindow.Detach] and
// leaves it either through [ReconnectWindow.Claim] (the client came back) or
// by expiry, which runs the teardown callback.
//
// All methods are safe for concurrent use.
type ReconnectWindow struct {
	grace time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewReconnectWindow creates a ReconnectWindow. A zero or negative grace
// keeps the 30 second default.
func NewReconnectWindow(grace time.Duration) *ReconnectWindow {
	if grace <= 0 {
		grace = defaultReconnectGrace
	}
	return &ReconnectWindow{
		grace:   grace,
		pending: make(map[string]*time.Timer),
	}
}

// Detach starts the grace timer for a session whose connection dropped.
// onExpire runs in its own goroutine if the client does not reclaim the
// session in time. Detaching an already-detached session restarts its timer.
func (w *ReconnectWindow) Detach(sessionID string, onExpire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		go onExpire()
		return
	}
	if t, ok := w.pending[sessionID]; ok {
		t.Stop()
	}
	w.pending[sessionID] = time.AfterFunc(w.grace, func() {
		w.mu.Lock()
		_, live := w.pending[sessionID]
		delete(w.pending, sessionID)
		w.mu.Unlock()
		if !live {
			return
		}
		slog.Info("reconnect window expired", "session_id", sessionID, "grace", w.grace)
		onExpire()
	})
	slog.Info("session detached, awaiting reconnect", "session_id", sessionID, "grace", w.grace)
}

// Claim removes a session from the window, cancelling its teardown. It
// returns false when the session is not detached (never dropped, already
// expired, or already claimed).
func (w *ReconnectWindow) Claim(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.pending[sessionID]
	if !ok {
		return false
	}
	t.Stop()
	delete(w.pending, sessionID)
	return true
}

// Len returns the number of sessions currently awaiting reconnection.
func (w *ReconnectWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close cancels all pending timers without running their teardown callbacks.
// Subsequent Detach calls run their callback immediately.
func (w *ReconnectWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
}
