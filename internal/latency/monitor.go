// Package latency provides the process-wide timing registry for the voice
// pipeline: named stopwatches, bounded rolling statistics (global and
// per-session), and configurable per-step alert thresholds.
//
// Every pipeline stage is timed through a [Monitor]. Exceeding a step's alert
// threshold produces a warning log entry but never changes control flow.
// All exported methods are safe for concurrent use.
package latency

import (
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Step identifies a timed pipeline stage.
type Step string

const (
	StepVAD          Step = "vad"
	StepTranscribe   Step = "transcription"
	StepGenerate     Step = "generation"
	StepSynthesize   Step = "synthesis"
	StepTurn         Step = "turn"
	StepAudioPersist Step = "audio_persist"
	StepStore        Step = "store_op"
	StepAnalysis     Step = "analysis_schedule"
)

// DefaultThresholds holds the per-step alert thresholds applied when a
// Monitor is constructed without overrides.
var DefaultThresholds = map[Step]time.Duration{
	StepVAD:          50 * time.Millisecond,
	StepTranscribe:   2 * time.Second,
	StepGenerate:     3 * time.Second,
	StepSynthesize:   1 * time.Second,
	StepTurn:         5 * time.Second,
	StepAudioPersist: 200 * time.Millisecond,
	StepStore:        100 * time.Millisecond,
	StepAnalysis:     100 * time.Millisecond,
}

const (
	// defaultWindowSize caps the rolling sample window per step.
	defaultWindowSize = 1000

	// defaultExportSessions caps how many per-session breakdowns an export
	// includes.
	defaultExportSessions = 50
)

// Recorder receives every recorded duration in addition to the Monitor's own
// rolling windows. Used to bridge samples into OpenTelemetry histograms.
type Recorder interface {
	RecordStage(step string, d time.Duration)
}

// Monitor is a named-stopwatch registry with rolling statistics.
type Monitor struct {
	mu         sync.Mutex
	windowSize int
	thresholds map[Step]time.Duration
	recorder   Recorder

	global   map[Step]*window
	sessions map[string]map[Step]*window
	active   map[timerKey]time.Time
}

type timerKey struct {
	step    Step
	session string
}

// Option configures a [Monitor] during construction.
type Option func(*Monitor)

// WithWindowSize overrides the rolling window capacity. The default is 1000.
func WithWindowSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.windowSize = n
		}
	}
}

// WithThreshold overrides the alert threshold for a single step.
// A zero duration disables alerting for that step.
func WithThreshold(step Step, d time.Duration) Option {
	return func(m *Monitor) { m.thresholds[step] = d }
}

// WithRecorder bridges every recorded sample into rec (e.g. OTel histograms).
func WithRecorder(rec Recorder) Option {
	return func(m *Monitor) { m.recorder = rec }
}

// NewMonitor creates a Monitor with the default thresholds and window size.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		windowSize: defaultWindowSize,
		thresholds: make(map[Step]time.Duration, len(DefaultThresholds)),
		global:     make(map[Step]*window),
		sessions:   make(map[string]map[Step]*window),
		active:     make(map[timerKey]time.Time),
	}
	for s, d := range DefaultThresholds {
		m.thresholds[s] = d
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins a stopwatch for step, optionally scoped to a session. Starting
// an already-running stopwatch restarts it.
func (m *Monitor) Start(step Step, sessionID string) {
	m.mu.Lock()
	m.active[timerKey{step, sessionID}] = time.Now()
	m.mu.Unlock()
}

// Stop ends the stopwatch started by [Monitor.Start] and records the elapsed
// duration. Returns zero if no matching stopwatch is running.
func (m *Monitor) Stop(step Step, sessionID string) time.Duration {
	m.mu.Lock()
	key := timerKey{step, sessionID}
	start, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	delete(m.active, key)
	m.mu.Unlock()

	d := time.Since(start)
	m.Record(step, sessionID, d)
	return d
}

// Record adds a duration sample directly, bypassing the stopwatch map.
// An empty sessionID records into the global window only.
func (m *Monitor) Record(step Step, sessionID string, d time.Duration) {
	m.mu.Lock()
	g, ok := m.global[step]
	if !ok {
		g = newWindow(m.windowSize)
		m.global[step] = g
	}
	g.add(d)

	if sessionID != "" {
		sw, ok := m.sessions[sessionID]
		if !ok {
			sw = make(map[Step]*window)
			m.sessions[sessionID] = sw
		}
		w, ok := sw[step]
		if !ok {
			w = newWindow(m.windowSize)
			sw[step] = w
		}
		w.add(d)
	}
	threshold := m.thresholds[step]
	rec := m.recorder
	m.mu.Unlock()

	if rec != nil {
		rec.RecordStage(string(step), d)
	}
	if threshold > 0 && d > threshold {
		slog.Warn("latency threshold exceeded",
			"step", step,
			"session_id", sessionID,
			"duration_ms", d.Milliseconds(),
			"threshold_ms", threshold.Milliseconds(),
		)
	}
}

// SetThreshold replaces the alert threshold for step at runtime, e.g. when
// the config file is reloaded. A zero duration disables alerting for the step.
func (m *Monitor) SetThreshold(step Step, d time.Duration) {
	m.mu.Lock()
	m.thresholds[step] = d
	m.mu.Unlock()
}

// Track starts a stopwatch and returns a stop function, so a stage can be
// timed by wrapping it:
//
//	defer mon.Track(latency.StepTranscribe, sessionID)()
func (m *Monitor) Track(step Step, sessionID string) func() time.Duration {
	m.Start(step, sessionID)
	return func() time.Duration { return m.Stop(step, sessionID) }
}

// Stats returns the global summary for a single step.
func (m *Monitor) Stats(step Step) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.global[step]
	if !ok {
		return Stats{}
	}
	return w.stats()
}

// SessionStats returns the per-session summary for a single step.
func (m *Monitor) SessionStats(sessionID string, step Step) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw, ok := m.sessions[sessionID]
	if !ok {
		return Stats{}
	}
	w, ok := sw[step]
	if !ok {
		return Stats{}
	}
	return w.stats()
}

// DropSession discards the per-session windows for sessionID. Called when a
// session is torn down so the registry does not grow without bound.
func (m *Monitor) DropSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Snapshot captures all global stats plus up to maxSessions per-session
// breakdowns (sorted by session id for deterministic output). maxSessions ≤ 0
// applies the default cap.
func (m *Monitor) Snapshot(maxSessions int) Snapshot {
	if maxSessions <= 0 {
		maxSessions = defaultExportSessions
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TakenAt:  time.Now().UTC(),
		Global:   make(map[Step]Stats, len(m.global)),
		Sessions: make(map[string]map[Step]Stats),
	}
	for step, w := range m.global {
		snap.Global[step] = w.stats()
	}

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > maxSessions {
		ids = ids[:maxSessions]
	}
	for _, id := range ids {
		per := make(map[Step]Stats, len(m.sessions[id]))
		for step, w := range m.sessions[id] {
			per[step] = w.stats()
		}
		snap.Sessions[id] = per
	}
	return snap
}

// Snapshot is a serializable point-in-time view of all monitor statistics.
type Snapshot struct {
	TakenAt  time.Time                 `json:"taken_at"`
	Global   map[Step]Stats            `json:"global"`
	Sessions map[string]map[Step]Stats `json:"sessions,omitempty"`
}

// Export serializes a snapshot (global plus up to maxSessions sessions) as
// indented JSON to w.
func (m *Monitor) Export(w io.Writer, maxSessions int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m.Snapshot(maxSessions))
}
