// Package analysis schedules pronunciation analysis of learner utterances as
// fire-and-forget background jobs. Failures here are logged and never affect
// the conversational turn.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/vocoach/vocoach/internal/kv"
	"github.com/vocoach/vocoach/internal/latency"
)

const (
	defaultNamespace = "analysis:"
	defaultTTL       = 24 * time.Hour
	scheduleTimeout  = 10 * time.Second
)

// Job is one pronunciation-analysis request.
type Job struct {
	SessionID  string
	TurnID     int64
	Audio      []byte
	Transcript string
	Language   string
}

// Runner submits a job to the analysis backend. Implementations may enqueue
// to a broker, call an HTTP service, or run inline.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job Job) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job Job) error { return f(ctx, job) }

// Scheduler dispatches analysis jobs in the background, skipping utterances
// whose result is already cached.
type Scheduler struct {
	runner    Runner
	cache     kv.Store
	monitor   *latency.Monitor
	namespace string
	ttl       time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCache enables the result fast-path: a job whose (audio, transcript)
// hash is already marked in the store is skipped entirely.
func WithCache(store kv.Store) Option {
	return func(s *Scheduler) {
		s.cache = store
	}
}

// WithMonitor records scheduling latency on the given monitor.
func WithMonitor(m *latency.Monitor) Option {
	return func(s *Scheduler) {
		s.monitor = m
	}
}

// WithTTL overrides how long a cached result marker suppresses rescheduling.
func WithTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.ttl = ttl
	}
}

// NewScheduler creates a Scheduler dispatching to runner.
func NewScheduler(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:    runner,
		namespace: defaultNamespace,
		ttl:       defaultTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule dispatches the job in its own goroutine and returns immediately.
// The job runs detached from the caller's context so an interrupted turn does
// not cancel analysis already underway.
func (s *Scheduler) Schedule(job Job) {
	go s.run(job)
}

func (s *Scheduler) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("analysis job panicked",
				"session_id", job.SessionID,
				"turn_id", job.TurnID,
				"panic", r,
			)
		}
	}()

	var stop func() time.Duration
	if s.monitor != nil {
		stop = s.monitor.Track(latency.StepAnalysis, job.SessionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), scheduleTimeout)
	defer cancel()

	key := s.resultKey(job)
	if s.cache != nil {
		if _, err := s.cache.Get(ctx, key); err == nil {
			if stop != nil {
				stop()
			}
			slog.Debug("analysis already cached, skipping",
				"session_id", job.SessionID,
				"turn_id", job.TurnID,
			)
			return
		} else if !errors.Is(err, kv.ErrNotFound) {
			slog.Warn("analysis cache lookup failed",
				"session_id", job.SessionID,
				"error", err,
			)
		}
	}

	err := s.runner.Run(ctx, job)
	if stop != nil {
		stop()
	}
	if err != nil {
		slog.Warn("analysis scheduling failed",
			"session_id", job.SessionID,
			"turn_id", job.TurnID,
			"error", err,
		)
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, []byte("1"), s.ttl); err != nil {
			slog.Warn("analysis cache write failed",
				"session_id", job.SessionID,
				"error", err,
			)
		}
	}
}

// resultKey derives the dedup key from the utterance content, so replays of
// the same audio and transcript are scheduled once.
func (s *Scheduler) resultKey(job Job) string {
	h := sha256.New()
	h.Write(job.Audio)
	h.Write([]byte{0})
	h.Write([]byte(job.Transcript))
	return s.namespace + hex.EncodeToString(h.Sum(nil)[:16])
}
