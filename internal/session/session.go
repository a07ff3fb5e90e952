// Package session holds the per-learner session state shared between the
// WebSocket transport and the turn orchestrator, and a manager that tracks
// all live sessions.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/vocoach/vocoach/internal/scenario"
	"github.com/vocoach/vocoach/pkg/provider/vad"
)

// TurnState is the conversational state of a session.
type TurnState string

const (
	// StateListening means the session is accepting learner audio.
	StateListening TurnState = "LISTENING"
	// StateProcessingASR means an utterance is being transcribed.
	StateProcessingASR TurnState = "PROCESSING_ASR"
	// StateProcessingLLM means the coach reply is being generated.
	StateProcessingLLM TurnState = "PROCESSING_LLM"
	// StateSpeakingTTS means coach audio is streaming to the learner.
	StateSpeakingTTS TurnState = "SPEAKING_TTS"
)

// Task is a handle on a cancellable background flow (the response pipeline
// for one turn). At most one task runs per session at a time.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Finish marks the task complete, releasing anyone waiting in Cancel.
func (t *Task) Finish() {
	t.once.Do(func() { close(t.done) })
}

// Cancel cancels the task context and waits for the task goroutine to
// acknowledge by calling Finish.
func (t *Task) Cancel() {
	t.cancel()
	<-t.done
}

// Session is the mutable state of one live coaching session. All methods are
// safe for concurrent use; the transport reader and pipeline goroutines share
// one instance.
type Session struct {
	ID       string
	Language string

	// VAD is the per-session voice activity handle. Set once at session
	// start and reset on interruption.
	VAD vad.SessionHandle

	mu sync.Mutex

	participants map[string]*Participant
	roles        map[Role]*Participant

	// multiAgent is reserved for sessions with more than one coach voice.
	// Construction today always yields exactly one learner and one coach.
	multiAgent bool

	state       TurnState
	interrupted bool

	speechActive bool
	speechStart  time.Time
	lastVoice    time.Time
	silenceStart time.Time

	gentlePromptSent   bool
	gentlePromptActive bool

	scenario *scenario.Scenario
	scState  *scenario.State

	lastActivity time.Time
	startedAt    time.Time
}

// New creates a session in the listening state with a learner and a coach
// participant.
func New(id, learnerID, language, voice string) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		Language:     language,
		participants: make(map[string]*Participant),
		roles:        make(map[Role]*Participant),
		state:        StateListening,
		lastActivity: now,
		startedAt:    now,
	}
	s.AddParticipant(NewParticipant(learnerID, RoleLearner, ""))
	s.AddParticipant(NewParticipant("coach", RoleCoach, voice))
	return s
}

// LearnerID returns the id of the learner participant.
func (s *Session) LearnerID() string {
	return s.learner().ID
}

// Voice returns the synthesis voice of the coach participant.
func (s *Session) Voice() string {
	return s.coach().Voice
}

// State returns the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to a new turn state.
func (s *Session) SetState(st TurnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Touch records learner activity for idle-timeout accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent learner activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ---- utterance buffer ----

// AppendAudio accumulates learner PCM into the learner's utterance buffer.
func (s *Session) AppendAudio(pcm []byte) {
	s.learner().AppendAudio(pcm)
}

// UtteranceBytes returns the size of the learner's buffered utterance.
func (s *Session) UtteranceBytes() int {
	return s.learner().BufferedBytes()
}

// TakeUtterance returns the learner's buffered utterance and resets the
// buffer.
func (s *Session) TakeUtterance() []byte {
	return s.learner().TakeUtterance()
}

// DiscardUtterance drops any buffered learner audio without transcribing it.
func (s *Session) DiscardUtterance() {
	s.learner().DiscardUtterance()
}

// ---- speech tracking ----

// SpeechTimes captures the VAD-derived timing snapshot for one session.
type SpeechTimes struct {
	Active       bool
	SpeechStart  time.Time
	LastVoice    time.Time
	SilenceStart time.Time
}

// MarkSpeech records a speech-positive VAD window at the given time. The
// first positive window after silence starts a new utterance.
func (s *Session) MarkSpeech(at time.Time) (started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.speechActive {
		s.speechActive = true
		s.speechStart = at
		started = true
	}
	s.lastVoice = at
	s.silenceStart = time.Time{}
	s.gentlePromptSent = false
	s.lastActivity = at
	return started
}

// MarkSilence records a speech-negative VAD window at the given time.
func (s *Session) MarkSilence(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silenceStart.IsZero() {
		s.silenceStart = at
	}
}

// EndSpeech closes the active utterance window, returning whether speech was
// active.
func (s *Session) EndSpeech() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.speechActive
	s.speechActive = false
	s.silenceStart = time.Time{}
	return was
}

// Speech returns the current speech timing snapshot.
func (s *Session) Speech() SpeechTimes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SpeechTimes{
		Active:       s.speechActive,
		SpeechStart:  s.speechStart,
		LastVoice:    s.lastVoice,
		SilenceStart: s.silenceStart,
	}
}

// ---- gentle prompt ----

// TryGentlePrompt marks the gentle prompt as sent for the current lull.
// It returns false when one was already sent since the learner last spoke,
// or when a prompt flow is still playing.
func (s *Session) TryGentlePrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gentlePromptSent || s.gentlePromptActive {
		return false
	}
	s.gentlePromptSent = true
	s.gentlePromptActive = true
	return true
}

// GentlePromptDone marks the gentle prompt flow as finished.
func (s *Session) GentlePromptDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gentlePromptActive = false
}

// ---- interruption ----

// MarkInterrupted flags the session as interrupted. Returns false when the
// flag was already set, making interruption handling idempotent.
func (s *Session) MarkInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return false
	}
	s.interrupted = true
	return true
}

// ConsumeInterrupted reads and clears the interrupted flag.
func (s *Session) ConsumeInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.interrupted
	s.interrupted = false
	return was
}

// Interrupted reports whether the interrupted flag is set.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// ---- scenario ----

// SetScenario attaches a scenario and its progression state.
func (s *Session) SetScenario(sc *scenario.Scenario, st *scenario.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenario = sc
	s.scState = st
}

// Scenario returns the attached scenario and state; both may be nil for
// free-form sessions.
func (s *Session) Scenario() (*scenario.Scenario, *scenario.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenario, s.scState
}

// ---- task slot ----

// BeginTask starts a response flow on the coach participant's task slot,
// cancelling any flow already running there. The returned context is
// cancelled when the task is cancelled; the caller must call FinishTask when
// the flow completes.
func (s *Session) BeginTask(parent context.Context) (context.Context, *Task) {
	return s.coach().BeginTask(parent)
}

// CancelTask cancels the coach's running task, if any, and waits for it to
// finish.
func (s *Session) CancelTask() {
	s.coach().CancelTask()
}

// FinishTask releases the coach's task slot if task still owns it and marks
// the flow complete.
func (s *Session) FinishTask(task *Task) {
	s.coach().FinishTask(task)
}
