// Package memstore provides an in-memory implementation of the session store
// for tests and local development without a database.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/vocoach/vocoach/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps sessions and turns in process memory. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	turns    map[string][]store.Turn
	nextID   int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]store.Session),
		turns:    make(map[string][]store.Turn),
	}
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(_ context.Context, id string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// SaveExchange implements [store.Store].
func (s *Store) SaveExchange(_ context.Context, sessionID string, ex store.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}

	for _, turn := range []store.Turn{ex.UserTurn, ex.CoachTurn} {
		s.nextID++
		turn.ID = s.nextID
		turn.SessionID = sessionID
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = time.Now()
		}
		s.turns[sessionID] = append(s.turns[sessionID], turn)
	}

	if ex.ScenarioState != nil {
		state := make([]byte, len(ex.ScenarioState))
		copy(state, ex.ScenarioState)
		sess.ScenarioState = state
		s.sessions[sessionID] = sess
	}
	return nil
}

// RecentTurns implements [store.Store].
func (s *Store) RecentTurns(_ context.Context, sessionID string, limit int) ([]store.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.turns[sessionID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]store.Turn, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

// EndSession implements [store.Store].
func (s *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.EndedAt = &endedAt
	s.sessions[sessionID] = sess
	return nil
}

// Close implements [store.Store]. It is a no-op.
func (s *Store) Close() {}
