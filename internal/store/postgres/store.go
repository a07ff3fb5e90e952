// Package postgres provides a PostgreSQL-backed implementation of the
// session store. All operations share a single [pgxpool.Pool]; exchanges are
// written inside one transaction so a turn pair and its scenario state either
// all land or none do.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocoach/vocoach/internal/store"
)

var _ store.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT         PRIMARY KEY,
    learner_id     TEXT         NOT NULL,
    scenario_id    TEXT         NOT NULL DEFAULT '',
    language       TEXT         NOT NULL DEFAULT 'fr',
    started_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at       TIMESTAMPTZ,
    scenario_state JSONB        NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    emotion     TEXT         NOT NULL DEFAULT '',
    audio_key   TEXT         NOT NULL DEFAULT '',
    interrupted BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_created
    ON turns (session_id, created_at);
`

// Store is the PostgreSQL-backed session store.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and ensures the required tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	const q = `
		INSERT INTO sessions (id, learner_id, scenario_id, language, started_at, scenario_state)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::jsonb))`

	_, err := s.pool.Exec(ctx, q,
		sess.ID,
		sess.LearnerID,
		sess.ScenarioID,
		sess.Language,
		sess.StartedAt,
		sess.ScenarioState,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	const q = `
		SELECT id, learner_id, scenario_id, language, started_at, ended_at, scenario_state
		FROM   sessions
		WHERE  id = $1`

	var sess store.Session
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&sess.ID,
		&sess.LearnerID,
		&sess.ScenarioID,
		&sess.Language,
		&sess.StartedAt,
		&sess.EndedAt,
		&sess.ScenarioState,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

// SaveExchange implements [store.Store]. Both turns and the scenario state
// update run inside a single transaction; any failure rolls everything back.
func (s *Store) SaveExchange(ctx context.Context, sessionID string, ex store.Exchange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin exchange: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertTurn = `
		INSERT INTO turns (session_id, role, text, emotion, audio_key, interrupted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, turn := range []store.Turn{ex.UserTurn, ex.CoachTurn} {
		createdAt := turn.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.Exec(ctx, insertTurn,
			sessionID,
			turn.Role,
			turn.Text,
			turn.Emotion,
			turn.AudioKey,
			turn.Interrupted,
			createdAt,
		); err != nil {
			return fmt.Errorf("postgres store: insert %s turn: %w", turn.Role, err)
		}
	}

	if ex.ScenarioState != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET scenario_state = $2 WHERE id = $1`,
			sessionID, ex.ScenarioState,
		)
		if err != nil {
			return fmt.Errorf("postgres store: update scenario state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit exchange: %w", err)
	}
	return nil
}

// RecentTurns implements [store.Store].
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error) {
	const q = `
		SELECT id, session_id, role, text, emotion, audio_key, interrupted, created_at
		FROM (
		    SELECT id, session_id, role, text, emotion, audio_key, interrupted, created_at
		    FROM   turns
		    WHERE  session_id = $1
		    ORDER  BY created_at DESC, id DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Turn, error) {
		var t store.Turn
		err := row.Scan(
			&t.ID,
			&t.SessionID,
			&t.Role,
			&t.Text,
			&t.Emotion,
			&t.AudioKey,
			&t.Interrupted,
			&t.CreatedAt,
		)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	return turns, nil
}

// EndSession implements [store.Store].
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2 WHERE id = $1`,
		sessionID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
