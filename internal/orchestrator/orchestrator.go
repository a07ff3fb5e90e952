// Package orchestrator implements the voice-driven turn engine: it consumes
// learner audio, detects end of speech, and runs the transcribe→generate→
// speak pipeline with cancellation on interruption.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocoach/vocoach/internal/analysis"
	"github.com/vocoach/vocoach/internal/audiocache"
	"github.com/vocoach/vocoach/internal/continuity"
	"github.com/vocoach/vocoach/internal/kv"
	"github.com/vocoach/vocoach/internal/latency"
	"github.com/vocoach/vocoach/internal/scenario"
	"github.com/vocoach/vocoach/internal/session"
	"github.com/vocoach/vocoach/internal/store"
	"github.com/vocoach/vocoach/pkg/provider/llm"
	"github.com/vocoach/vocoach/pkg/provider/stt"
	"github.com/vocoach/vocoach/pkg/provider/tts"
	"github.com/vocoach/vocoach/pkg/provider/vad"
)

// Channel is the client-facing stream the orchestrator speaks through.
// Implementations must be safe for concurrent use.
type Channel interface {
	// SendAudio sends one binary audio frame to the client.
	SendAudio(data []byte) error
	// SendControl sends one JSON control frame to the client.
	SendControl(v any) error
}

// controlFrame is the JSON shape of outbound control messages.
type controlFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
}

var (
	speechStartFrame = controlFrame{Type: "audio_control", Event: "ia_speech_start"}
	speechEndFrame   = controlFrame{Type: "audio_control", Event: "ia_speech_end"}
	genericErrFrame  = controlFrame{Type: "error", Message: "Une erreur est survenue, réessayez."}
)

// Config holds the turn-taking thresholds.
type Config struct {
	// VADThreshold is the speech probability at or above which a window
	// counts as speech.
	VADThreshold float64
	// EndOfSpeechSilence is how long silence must last before the utterance
	// is finalised.
	EndOfSpeechSilence time.Duration
	// GentlePromptSilence is the shorter lull after which a gentle prompt
	// fires. Must be strictly less than EndOfSpeechSilence.
	GentlePromptSilence time.Duration
	// SpeechConfirmWindows is how many consecutive speech windows flip the
	// speaking state on.
	SpeechConfirmWindows int
	// SilenceConfirmWindows is how many consecutive silent windows flip the
	// speaking state off.
	SilenceConfirmWindows int
	// PostSpeechWait is the cooldown after the coach finishes speaking
	// during which inbound audio is ignored, so the tail of the coach's own
	// audio played back through the learner's microphone is not taken for
	// speech.
	PostSpeechWait time.Duration
	// SpeechPadding is how much audio preceding the detected speech onset
	// is kept and prepended to the utterance, so the first syllable is not
	// clipped by the confirmation delay.
	SpeechPadding time.Duration
	// WindowSamples is the VAD analysis window size in samples of 16 kHz
	// mono PCM16.
	WindowSamples int
	// MinUtteranceBytes short-circuits near-silent utterances before the
	// transcription call.
	MinUtteranceBytes int
	// BackendTimeout bounds each backend call. Zero leaves timeouts to the
	// backend clients' transports.
	BackendTimeout time.Duration
	// Temperature and MaxTokens are passed to the generation backend.
	Temperature float64
	MaxTokens   int
	// UtteranceTTL bounds how long raw utterance audio is retained.
	UtteranceTTL time.Duration
}

// DefaultConfig returns the tuned production thresholds.
func DefaultConfig() Config {
	return Config{
		VADThreshold:          0.40,
		EndOfSpeechSilence:    1800 * time.Millisecond,
		GentlePromptSilence:   1200 * time.Millisecond,
		PostSpeechWait:        600 * time.Millisecond,
		SpeechPadding:         400 * time.Millisecond,
		SpeechConfirmWindows:  2,
		SilenceConfirmWindows: 3,
		WindowSamples:         512,
		MinUtteranceBytes:     8192, // ~256 ms of 16 kHz mono PCM16
		Temperature:           0.7,
		MaxTokens:             300,
		UtteranceTTL:          24 * time.Hour,
	}
}

// Deps are the collaborators injected at construction.
type Deps struct {
	VAD        vad.Engine
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Store      store.Store
	KV         kv.Store
	Cache      *audiocache.Cache
	Continuity *continuity.Memory
	Monitor    *latency.Monitor
	Analysis   *analysis.Scheduler
	Sessions   *session.Manager

	// Summariser, when set, compacts old history into a running summary so
	// prompts stay bounded on long sessions.
	Summariser session.Summariser
}

// Orchestrator drives all live conversations. All exported methods are safe
// for concurrent use; per-conversation audio handling is serialised by the
// transport's read loop.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	convs map[string]*Conversation
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		convs: make(map[string]*Conversation),
	}
}

// Conversation binds one session to its client channel and keeps the
// orchestrator-side turn state. HandleAudio must be called from a single
// goroutine (the transport read loop); the other methods are safe anywhere.
type Conversation struct {
	sess *session.Session

	// chMu guards ch, which is swapped when a dropped client reconnects.
	chMu sync.Mutex
	ch   Channel

	// ctx spans the conversation's lifetime; gentle prompts and async cache
	// writes run under it so session teardown stops them.
	ctx    context.Context
	cancel context.CancelFunc

	// Read-loop-owned VAD state. padding holds the bounded tail of leading
	// silence so the speech onset is not clipped.
	vadRem     []byte
	padding    []byte
	speaking   bool
	runSpeech  int
	runSilence int

	// cooldownUntil (unix nanos) drops inbound audio for the post-speech
	// wait after the coach finishes a reply. Written by the pipeline
	// goroutine, read by the transport loop.
	cooldownUntil atomic.Int64

	histMu     sync.Mutex
	history    []llm.Message
	summary    string
	compacting bool

	turnCounter int64
}

// SessionID returns the conversation's session ID.
func (c *Conversation) SessionID() string { return c.sess.ID }

// SetChannel replaces the client channel, used when a dropped client
// reconnects within the grace window. In-flight synthesis streams to the new
// channel from the next frame on.
func (c *Conversation) SetChannel(ch Channel) {
	c.chMu.Lock()
	c.ch = ch
	c.chMu.Unlock()
	c.sess.Touch()
}

func (c *Conversation) sendControl(v any) error {
	c.chMu.Lock()
	ch := c.ch
	c.chMu.Unlock()
	return ch.SendControl(v)
}

func (c *Conversation) sendAudio(data []byte) error {
	c.chMu.Lock()
	ch := c.ch
	c.chMu.Unlock()
	return ch.SendAudio(data)
}

// StartParams configures a new conversation.
type StartParams struct {
	SessionID string
	LearnerID string
	Language  string
	Voice     string
	Scenario  *scenario.Scenario
	Channel   Channel
}

// StartSession creates the persistent record, the VAD session, and the
// in-memory conversation, initially listening.
func (o *Orchestrator) StartSession(ctx context.Context, p StartParams) (*Conversation, error) {
	if p.SessionID == "" {
		p.SessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	if p.Language == "" {
		p.Language = "fr"
	}

	sess := session.New(p.SessionID, p.LearnerID, p.Language, p.Voice)

	vadSess, err := o.deps.VAD.NewSession(vad.Config{
		SampleRate: 16000,
		WindowSize: o.cfg.WindowSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create vad session: %w", err)
	}
	sess.VAD = vadSess

	record := store.Session{
		ID:        p.SessionID,
		LearnerID: p.LearnerID,
		Language:  p.Language,
		StartedAt: time.Now(),
	}
	var scState *scenario.State
	if p.Scenario != nil {
		if err := p.Scenario.Validate(); err != nil {
			vadSess.Close()
			return nil, fmt.Errorf("orchestrator: invalid scenario: %w", err)
		}
		scState = scenario.NewState(p.Scenario)
		sess.SetScenario(p.Scenario, scState)
		record.ScenarioID = p.Scenario.ID
		if blob, err := marshalScenarioState(scState); err == nil {
			record.ScenarioState = blob
		}
	}

	if err := o.deps.Store.CreateSession(ctx, record); err != nil {
		vadSess.Close()
		return nil, fmt.Errorf("orchestrator: create session record: %w", err)
	}

	if err := o.deps.Sessions.Add(sess); err != nil {
		vadSess.Close()
		return nil, err
	}

	convCtx, cancel := context.WithCancel(context.Background())
	conv := &Conversation{
		sess:   sess,
		ch:     p.Channel,
		ctx:    convCtx,
		cancel: cancel,
	}

	o.mu.Lock()
	o.convs[p.SessionID] = conv
	o.mu.Unlock()

	slog.Info("session started",
		"session_id", p.SessionID,
		"learner_id", p.LearnerID,
		"language", p.Language,
		"scenario", record.ScenarioID,
	)
	return conv, nil
}

// Conversation returns the live conversation for a session ID, or nil.
func (o *Orchestrator) Conversation(sessionID string) *Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.convs[sessionID]
}

// EndSession tears down the conversation: cancels any in-flight pipeline,
// closes the VAD session, marks the persistent record ended, and drops all
// in-memory state.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	conv := o.convs[sessionID]
	delete(o.convs, sessionID)
	o.mu.Unlock()

	sess := o.deps.Sessions.Remove(sessionID)
	if conv == nil && sess == nil {
		return store.ErrNotFound
	}

	if conv != nil {
		conv.cancel()
		conv.sess.CancelTask()
		if conv.sess.VAD != nil {
			conv.sess.VAD.Close()
		}
	} else if sess != nil {
		sess.CancelTask()
		if sess.VAD != nil {
			sess.VAD.Close()
		}
	}

	o.deps.Continuity.Clear(sessionID)
	o.deps.Monitor.DropSession(sessionID)

	if err := o.deps.Store.EndSession(ctx, sessionID, time.Now()); err != nil {
		return fmt.Errorf("orchestrator: end session: %w", err)
	}
	slog.Info("session ended", "session_id", sessionID)
	return nil
}

// ---- audio handling (state machine) ----

// HandleAudio processes one inbound audio chunk for the conversation. It
// runs VAD over fixed-size windows, maintains the speech/silence edges, and
// triggers the turn pipeline when the end-of-speech threshold is reached.
func (o *Orchestrator) HandleAudio(conv *Conversation, chunk []byte) {
	sess := conv.sess
	sess.Touch()

	// Outside LISTENING, chunks are dropped unless the learner interrupted
	// and keeps talking over the teardown.
	if st := sess.State(); st != session.StateListening {
		if sess.Interrupted() {
			sess.AppendAudio(chunk)
		}
		return
	}

	// Post-speech cooldown: right after the coach spoke, the microphone may
	// still carry the reply's tail.
	if until := conv.cooldownUntil.Load(); until > 0 && time.Now().UnixNano() < until {
		return
	}

	now := time.Now()
	speechNow := false

	for _, window := range conv.vadWindows(chunk, o.cfg.WindowSamples*2) {
		res, err := sess.VAD.ProcessWindow(window)
		if err != nil {
			slog.Warn("vad window failed", "session_id", sess.ID, "error", err)
			continue
		}
		if o.updateSpeaking(conv, res.Probability) {
			speechNow = true
		}
	}

	if conv.speaking || speechNow {
		if started := sess.MarkSpeech(now); started {
			slog.Debug("speech started", "session_id", sess.ID)
		}
		if sess.UtteranceBytes() == 0 && len(conv.padding) > 0 {
			sess.AppendAudio(conv.padding)
			conv.padding = conv.padding[:0]
		}
		sess.AppendAudio(chunk)
		return
	}

	// Leading silence with an empty buffer is not transcribed; only a bounded
	// tail is retained as onset padding.
	if sess.UtteranceBytes() == 0 && !sess.Speech().Active {
		conv.retainPadding(chunk, o.paddingBytes())
		return
	}
	sess.AppendAudio(chunk)
	sess.MarkSilence(now)

	sp := sess.Speech()
	if sp.SilenceStart.IsZero() {
		return
	}
	silence := now.Sub(sp.SilenceStart)

	switch {
	case silence >= o.cfg.EndOfSpeechSilence:
		o.finalizeUtterance(conv)
	case silence >= o.cfg.GentlePromptSilence:
		if sess.TryGentlePrompt() {
			go o.gentlePrompt(conv)
		}
	}
}

// updateSpeaking folds one window probability into the consecutive-window
// confirmation counters and reports the resulting speaking state.
func (o *Orchestrator) updateSpeaking(conv *Conversation, probability float64) bool {
	if probability >= o.cfg.VADThreshold {
		conv.runSpeech++
		conv.runSilence = 0
		if conv.runSpeech >= o.cfg.SpeechConfirmWindows {
			conv.speaking = true
		}
	} else {
		conv.runSilence++
		conv.runSpeech = 0
		if conv.runSilence >= o.cfg.SilenceConfirmWindows {
			conv.speaking = false
		}
	}
	return conv.speaking
}

// vadWindows slices chunk into fixed-size analysis windows, carrying any
// remainder over to the next chunk.
func (c *Conversation) vadWindows(chunk []byte, windowBytes int) [][]byte {
	data := chunk
	if len(c.vadRem) > 0 {
		data = append(c.vadRem, chunk...)
	}
	var windows [][]byte
	for len(data) >= windowBytes {
		windows = append(windows, data[:windowBytes])
		data = data[windowBytes:]
	}
	c.vadRem = append(c.vadRem[:0], data...)
	return windows
}

// retainPadding appends chunk to the onset-padding buffer, keeping only the
// most recent max bytes.
func (c *Conversation) retainPadding(chunk []byte, max int) {
	if max <= 0 {
		return
	}
	c.padding = append(c.padding, chunk...)
	if over := len(c.padding) - max; over > 0 {
		c.padding = append(c.padding[:0], c.padding[over:]...)
	}
}

// paddingBytes converts the configured padding duration into bytes of 16 kHz
// mono PCM16.
func (o *Orchestrator) paddingBytes() int {
	return int(o.cfg.SpeechPadding.Milliseconds()) * 32
}

// resetVAD clears the detector and the confirmation counters for the next
// turn.
func (o *Orchestrator) resetVAD(conv *Conversation) {
	conv.sess.VAD.Reset()
	conv.vadRem = conv.vadRem[:0]
	conv.padding = conv.padding[:0]
	conv.speaking = false
	conv.runSpeech = 0
	conv.runSilence = 0
}

// finalizeUtterance closes the current utterance and hands it to the turn
// pipeline on the session's cancellable task slot.
func (o *Orchestrator) finalizeUtterance(conv *Conversation) {
	sess := conv.sess
	sess.EndSpeech()
	sess.SetState(session.StateProcessingASR)
	o.resetVAD(conv)

	utterance := sess.TakeUtterance()
	if len(utterance) == 0 {
		slog.Debug("empty utterance, back to listening", "session_id", sess.ID)
		sess.SetState(session.StateListening)
		return
	}
	if len(utterance) < o.cfg.MinUtteranceBytes {
		slog.Debug("near-silent utterance skipped",
			"session_id", sess.ID,
			"bytes", len(utterance),
		)
		sess.SetState(session.StateListening)
		return
	}

	conv.turnCounter++
	turn := conv.turnCounter

	taskCtx, task := sess.BeginTask(conv.ctx)
	go func() {
		defer sess.FinishTask(task)
		o.runPipeline(taskCtx, conv, turn, utterance)
	}()
}

// ---- interruption ----

// Interrupt handles the client's interruption signal: saves the topic for
// continuity, stops in-flight synthesis (cooperatively when the backend
// supports it), cancels the pipeline task, keeps the pending utterance
// buffer, and forces the session back to listening. Safe to call in any
// state and idempotent.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID string) {
	conv := o.Conversation(sessionID)
	if conv == nil {
		return
	}
	sess := conv.sess

	first := sess.MarkInterrupted()
	if first {
		topic := o.deps.Continuity.ExtractTopic(historyMessages(conv.snapshotHistory()), historyWindow)
		lastReply := conv.lastAssistantReply()
		if topic != "" || lastReply != "" {
			o.deps.Continuity.Save(sessionID, topic, lastReply, 0.5)
		}
	}

	// Prefer a cooperative stop so buffered audio is flushed cleanly; fall
	// back to hard cancellation when the backend has no stop primitive or
	// does not answer in time.
	if stopper, ok := o.deps.TTS.(tts.Stopper); ok {
		stopCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		if err := stopper.Stop(stopCtx, sessionID); err != nil {
			slog.Info("cooperative tts stop failed, cancelling hard",
				"session_id", sessionID,
				"error", err,
			)
		}
		cancel()
	}
	sess.CancelTask()

	sess.SetState(session.StateListening)
	if sess.VAD != nil {
		sess.VAD.Reset()
	}
	// The learner is talking over the coach; no cooldown applies.
	conv.cooldownUntil.Store(0)

	if first {
		slog.Info("session interrupted", "session_id", sessionID)
	}
}

// ---- history helpers ----

func (c *Conversation) appendHistory(msg llm.Message) {
	c.histMu.Lock()
	c.history = append(c.history, msg)
	c.histMu.Unlock()
}

func (c *Conversation) snapshotHistory() []llm.Message {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Conversation) snapshotSummary() string {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	return c.summary
}

func (c *Conversation) lastAssistantReply() string {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Role == "assistant" {
			return c.history[i].Content
		}
	}
	return ""
}

// compactThreshold is the history length that triggers summarisation;
// compactKeep is how many recent messages survive a compaction verbatim.
const (
	compactThreshold = 24
	compactKeep      = 8
)

// maybeCompact folds the oldest history into the running summary once the
// history grows past the threshold. The summarisation runs in the background
// under the conversation context; a failure leaves the history untouched.
func (o *Orchestrator) maybeCompact(conv *Conversation) {
	if o.deps.Summariser == nil {
		return
	}

	conv.histMu.Lock()
	if conv.compacting || len(conv.history) < compactThreshold {
		conv.histMu.Unlock()
		return
	}
	conv.compacting = true
	n := len(conv.history) - compactKeep
	old := make([]llm.Message, 0, n+1)
	if conv.summary != "" {
		old = append(old, llm.Message{Role: "résumé", Content: conv.summary})
	}
	old = append(old, conv.history[:n]...)
	conv.histMu.Unlock()

	go func() {
		defer func() {
			conv.histMu.Lock()
			conv.compacting = false
			conv.histMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(conv.ctx, 30*time.Second)
		defer cancel()
		summary, err := o.deps.Summariser.Summarise(ctx, old)
		if err != nil {
			slog.Warn("history compaction failed", "session_id", conv.sess.ID, "error", err)
			return
		}

		conv.histMu.Lock()
		conv.summary = summary
		conv.history = append([]llm.Message(nil), conv.history[n:]...)
		conv.histMu.Unlock()
		slog.Debug("history compacted",
			"session_id", conv.sess.ID,
			"dropped", n,
		)
	}()
}

// historyMessages converts llm messages into the continuity package's shape.
func historyMessages(msgs []llm.Message) []continuity.HistoryMessage {
	out := make([]continuity.HistoryMessage, len(msgs))
	for i, m := range msgs {
		out[i] = continuity.HistoryMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
