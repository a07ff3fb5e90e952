package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultIdleTimeout  = 10 * time.Minute
	defaultReapInterval = 30 * time.Second
)

// Manager tracks all live sessions and evicts the ones whose learners have
// gone quiet past the idle timeout. All exported methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	idleTimeout  time.Duration
	reapInterval time.Duration
	onEvict      func(*Session)

	stop    chan struct{}
	stopped sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout overrides the idle timeout after which a silent session is
// evicted. Defaults to 10 minutes.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithReapInterval overrides how often the reaper scans for idle sessions.
func WithReapInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reapInterval = d
	}
}

// WithEvictFunc sets a callback invoked for each session the reaper evicts,
// after it has been removed from the manager. Used to close transports and
// end the session in the store.
func WithEvictFunc(fn func(*Session)) ManagerOption {
	return func(m *Manager) {
		m.onEvict = fn
	}
}

// NewManager creates a Manager. Call Run to start the idle reaper.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		idleTimeout:  defaultIdleTimeout,
		reapInterval: defaultReapInterval,
		stop:         make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add registers a session. Returns an error when the ID is already in use.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session: id %q already active", s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

// Get returns the session with the given ID, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Remove detaches the session with the given ID and returns it, or nil.
func (m *Manager) Remove(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	delete(m.sessions, id)
	return s
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run blocks, reaping idle sessions until ctx is cancelled or Close is
// called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

// Close stops the reaper.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stop) })
}

// reap evicts every session idle past the timeout.
func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	var evicted []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) >= m.idleTimeout {
			delete(m.sessions, id)
			evicted = append(evicted, s)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		slog.Info("session evicted after idle timeout",
			"session_id", s.ID,
			"idle_timeout", m.idleTimeout,
		)
		s.CancelTask()
		if m.onEvict != nil {
			m.onEvict(s)
		}
	}
}
