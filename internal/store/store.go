// Package store defines the persistent session store for coaching sessions
// and their turn history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("store: not found")

// Session is one coaching session record.
type Session struct {
	ID            string
	LearnerID     string
	ScenarioID    string
	Language      string
	StartedAt     time.Time
	EndedAt       *time.Time
	ScenarioState []byte // JSON snapshot of the scenario progression
}

// Turn is a single persisted utterance within a session.
type Turn struct {
	ID          int64
	SessionID   string
	Role        string // "user" or "assistant"
	Text        string
	Emotion     string // emotion tag carried by assistant turns, empty for user turns
	AudioKey    string // cache key of the synthesised audio, empty for user turns
	Interrupted bool
	CreatedAt   time.Time
}

// Exchange is one completed user/coach round trip. Both turns and the
// resulting scenario state are persisted in a single transaction so a crash
// mid-write never leaves a user turn without its reply.
type Exchange struct {
	UserTurn      Turn
	CoachTurn     Turn
	ScenarioState []byte
}

// Store is the persistence abstraction for sessions and turns.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, s Session) error

	// GetSession returns the session with the given ID, or ErrNotFound.
	GetSession(ctx context.Context, id string) (Session, error)

	// SaveExchange atomically appends both turns of an exchange and updates
	// the session's scenario state. On error nothing is persisted.
	SaveExchange(ctx context.Context, sessionID string, ex Exchange) error

	// RecentTurns returns up to limit most recent turns for the session,
	// ordered chronologically (oldest first).
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// EndSession marks the session as ended at the given time.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// Close releases any resources held by the store.
	Close()
}
