package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vocoach/vocoach/internal/analysis"
	"github.com/vocoach/vocoach/internal/latency"
	"github.com/vocoach/vocoach/internal/scenario"
	"github.com/vocoach/vocoach/internal/session"
	"github.com/vocoach/vocoach/internal/store"
	"github.com/vocoach/vocoach/pkg/provider/llm"
	"github.com/vocoach/vocoach/pkg/provider/stt"
	"github.com/vocoach/vocoach/pkg/provider/tts"
)

// runPipeline executes one full turn: persist the utterance, transcribe,
// generate, persist the exchange, and speak the reply. It runs on the
// session's task slot; cancellation at any stage aborts the remainder and
// leaves the session state to the interruption handler.
func (o *Orchestrator) runPipeline(ctx context.Context, conv *Conversation, turn int64, utterance []byte) {
	sess := conv.sess
	stopTurn := o.deps.Monitor.Track(latency.StepTurn, sess.ID)
	defer stopTurn()

	audioKey, err := o.persistUtterance(ctx, sess.ID, turn, utterance)
	if err != nil {
		if canceled(ctx, err) {
			return
		}
		// Retention of raw audio is best-effort; the turn continues.
		slog.Warn("utterance persist failed", "session_id", sess.ID, "error", err)
		audioKey = ""
	}

	transcript, err := o.transcribe(ctx, sess, utterance)
	if err != nil {
		if canceled(ctx, err) {
			slog.Info("transcription cancelled", "session_id", sess.ID)
			return
		}
		o.failTurn(conv, "transcription", err)
		return
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		slog.Debug("empty transcript, back to listening", "session_id", sess.ID)
		sess.SetState(session.StateListening)
		return
	}

	if o.deps.Analysis != nil {
		o.deps.Analysis.Schedule(analysis.Job{
			SessionID:  sess.ID,
			TurnID:     turn,
			Audio:      utterance,
			Transcript: text,
			Language:   sess.Language,
		})
	}

	sess.SetState(session.StateProcessingLLM)
	conv.appendHistory(llm.Message{Role: "user", Content: text})

	wasInterrupted := sess.Interrupted()
	reply, err := o.generate(ctx, conv, wasInterrupted)
	if err != nil {
		if canceled(ctx, err) {
			slog.Info("generation cancelled", "session_id", sess.ID)
			return
		}
		// The flag stays set so a retried turn still resumes the thread.
		o.failTurn(conv, "generation", err)
		return
	}
	if wasInterrupted {
		// Resumption delivered; the flag and the saved thread are single-use.
		sess.ConsumeInterrupted()
		o.deps.Continuity.Clear(sess.ID)
	}

	clean, emotion, scState := o.applyDirectives(sess, reply.Content)
	conv.appendHistory(llm.Message{Role: "assistant", Content: clean})
	o.maybeCompact(conv)

	if err := o.persistExchange(ctx, sess, text, clean, emotion, audioKey, wasInterrupted, scState); err != nil {
		if canceled(ctx, err) {
			return
		}
		o.failTurn(conv, "persistence", err)
		return
	}

	sess.SetState(session.StateSpeakingTTS)
	if err := o.speak(ctx, conv, clean, emotion); err != nil {
		if canceled(ctx, err) {
			slog.Info("synthesis cancelled", "session_id", sess.ID)
			return
		}
		o.failTurn(conv, "synthesis", err)
		return
	}

	// The interruption handler may already have forced LISTENING.
	if sess.State() == session.StateSpeakingTTS {
		if o.cfg.PostSpeechWait > 0 {
			conv.cooldownUntil.Store(time.Now().Add(o.cfg.PostSpeechWait).UnixNano())
		}
		sess.SetState(session.StateListening)
	}
	slog.Info("turn completed",
		"session_id", sess.ID,
		"turn", turn,
		"emotion", emotion,
		"duration", stopTurn(),
	)
}

// persistUtterance retains the raw utterance audio under a bounded TTL and
// returns the retrieval key.
func (o *Orchestrator) persistUtterance(ctx context.Context, sessionID string, turn int64, audio []byte) (string, error) {
	done := o.deps.Monitor.Track(latency.StepAudioPersist, sessionID)
	defer done()

	key := fmt.Sprintf("utterance:%s:%d", sessionID, turn)
	if err := o.deps.KV.Set(ctx, key, audio, o.cfg.UtteranceTTL); err != nil {
		return "", fmt.Errorf("orchestrator: persist utterance: %w", err)
	}
	return key, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, sess *session.Session, audio []byte) (stt.Transcript, error) {
	done := o.deps.Monitor.Track(latency.StepTranscribe, sess.ID)
	defer done()

	ctx, cancel := o.backendContext(ctx)
	defer cancel()
	return o.deps.STT.Transcribe(ctx, stt.Request{Audio: audio, Language: sess.Language})
}

// generate builds the prompt from scenario state, history, and (after an
// interruption) the continuity memory, then calls the generation backend.
func (o *Orchestrator) generate(ctx context.Context, conv *Conversation, interrupted bool) (*llm.CompletionResponse, error) {
	sess := conv.sess
	done := o.deps.Monitor.Track(latency.StepGenerate, sess.ID)
	defer done()

	in := promptInput{
		interrupted: interrupted,
		history:     conv.snapshotHistory(),
		summary:     conv.snapshotSummary(),
	}
	if sc, st := sess.Scenario(); sc != nil && st != nil {
		sctx := st.BuildContext(sc)
		in.scenarioCtx = &sctx
	}
	if interrupted {
		if entry, ok := o.deps.Continuity.Get(sess.ID); ok {
			in.continuity = &entry
		}
	}

	ctx, cancel := o.backendContext(ctx)
	defer cancel()
	return o.deps.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(in),
		Messages:     buildMessages(in.history),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	})
}

// applyDirectives strips and applies the reply's control directives, returning
// the clean spoken text, the emotion, and the scenario state to persist (nil
// when no scenario is attached).
func (o *Orchestrator) applyDirectives(sess *session.Session, reply string) (clean, emotion string, scState *scenario.State) {
	clean, upd, updStatus := ParseScenarioUpdate(reply)
	clean, emotion, emoStatus := ParseEmotion(clean)
	if emoStatus == DirectiveMalformed {
		slog.Warn("malformed emotion directive", "session_id", sess.ID)
	}

	sc, st := sess.Scenario()
	if sc == nil || st == nil {
		if updStatus == DirectiveFound {
			slog.Warn("scenario update without attached scenario", "session_id", sess.ID)
		}
		return clean, emotion, nil
	}

	switch updStatus {
	case DirectiveFound:
		if err := st.ApplyUpdate(sc, *upd); err != nil {
			slog.Warn("scenario update rejected",
				"session_id", sess.ID,
				"error", err,
			)
		} else if st.Completed(sc) {
			slog.Info("scenario completed",
				"session_id", sess.ID,
				"scenario", sc.ID,
			)
		}
	case DirectiveMalformed:
		slog.Warn("malformed scenario update", "session_id", sess.ID)
	}
	return clean, emotion, st
}

// persistExchange writes the user turn, the coach turn, and the scenario
// state in one transaction.
func (o *Orchestrator) persistExchange(ctx context.Context, sess *session.Session, userText, coachText, emotion, audioKey string, interrupted bool, scState *scenario.State) error {
	done := o.deps.Monitor.Track(latency.StepStore, sess.ID)
	defer done()

	now := time.Now()
	ex := store.Exchange{
		UserTurn: store.Turn{
			Role:        "user",
			Text:        userText,
			AudioKey:    audioKey,
			Interrupted: interrupted,
			CreatedAt:   now,
		},
		CoachTurn: store.Turn{
			Role:      "coach",
			Text:      coachText,
			Emotion:   emotion,
			CreatedAt: now,
		},
	}
	if scState != nil {
		blob, err := marshalScenarioState(scState)
		if err != nil {
			return fmt.Errorf("orchestrator: encode scenario state: %w", err)
		}
		ex.ScenarioState = blob
	}
	return o.deps.Store.SaveExchange(ctx, sess.ID, ex)
}

// speak streams the reply audio to the client, serving from the audio cache
// when the exact phrase was synthesised before and filling the cache
// asynchronously otherwise. The client is bracketed with speech start/end
// control frames either way.
func (o *Orchestrator) speak(ctx context.Context, conv *Conversation, text, emotion string) error {
	sess := conv.sess
	done := o.deps.Monitor.Track(latency.StepSynthesize, sess.ID)
	defer done()

	if err := conv.sendControl(speechStartFrame); err != nil {
		return fmt.Errorf("orchestrator: send speech start: %w", err)
	}

	key := o.deps.Cache.Key(text, sess.Language, sess.Voice(), emotion, "")
	hit, err := o.deps.Cache.Stream(ctx, key, func(chunk []byte) error {
		return conv.sendAudio(chunk)
	})
	if hit {
		// Audio already left through the sink; never resynthesize on a
		// mid-stream failure.
		if err != nil {
			return err
		}
		return conv.sendControl(speechEndFrame)
	}
	if err != nil {
		if canceled(ctx, err) {
			return err
		}
		slog.Warn("audio cache lookup failed", "session_id", sess.ID, "error", err)
	}

	stream, err := o.deps.TTS.Synthesize(ctx, tts.Request{
		Text:      text,
		Voice:     sess.Voice(),
		Language:  sess.Language,
		SessionID: sess.ID,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: synthesize: %w", err)
	}

	var full []byte
	for chunk := range stream.C {
		if err := ctx.Err(); err != nil {
			go drainStream(stream)
			return err
		}
		if err := conv.sendAudio(chunk); err != nil {
			go drainStream(stream)
			return fmt.Errorf("orchestrator: send audio: %w", err)
		}
		full = append(full, chunk...)
	}
	// A closed channel alone does not mean the phrase is complete: an
	// interrupted or failed backend closes it too. Only the terminal status
	// says whether the audio may be cached and the turn reported done.
	if err := <-stream.Err; err != nil {
		if canceled(ctx, err) {
			return err
		}
		return fmt.Errorf("orchestrator: synthesis stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(full) > 0 {
		// Cache fill happens off the turn's critical path, bound to the
		// conversation lifetime rather than the (soon-finished) task. It only
		// runs for streams that completed the whole phrase.
		audio := full
		go func() {
			cctx, cancel := context.WithTimeout(conv.ctx, 5*time.Second)
			defer cancel()
			if err := o.deps.Cache.Set(cctx, key, audio); err != nil {
				slog.Debug("audio cache fill failed", "session_id", sess.ID, "error", err)
			}
		}()
	}

	return conv.sendControl(speechEndFrame)
}

// ---- gentle prompt (side flow) ----

// gentlePrompt runs the short mid-lull encouragement. It never touches the
// conversation history, persists nothing, and does not use the cancellable
// task slot: an interruption simply lets it finish streaming into a client
// that has already moved on, bounded by the conversation context.
func (o *Orchestrator) gentlePrompt(conv *Conversation) {
	sess := conv.sess
	defer sess.GentlePromptDone()

	ctx, cancel := context.WithTimeout(conv.ctx, 10*time.Second)
	defer cancel()

	in := promptInput{history: conv.snapshotHistory()}
	if sc, st := sess.Scenario(); sc != nil && st != nil {
		sctx := st.BuildContext(sc)
		in.scenarioCtx = &sctx
	}
	system := buildSystemPrompt(in) + "\n\n" + gentlePromptInstruction

	resp, err := o.deps.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     buildMessages(in.history),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    60,
	})
	if err != nil {
		slog.Debug("gentle prompt generation failed", "session_id", sess.ID, "error", err)
		return
	}

	clean, emotion, _ := ParseEmotion(resp.Content)
	clean, _, _ = ParseScenarioUpdate(clean)
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return
	}

	if err := o.speak(ctx, conv, clean, emotion); err != nil && !canceled(ctx, err) {
		slog.Debug("gentle prompt synthesis failed", "session_id", sess.ID, "error", err)
	}
	slog.Debug("gentle prompt delivered", "session_id", sess.ID)
}

// ---- failure path ----

// failTurn reports a backend failure to the client with a generic message
// and returns the session to listening. Details stay in the logs.
func (o *Orchestrator) failTurn(conv *Conversation, stage string, err error) {
	sess := conv.sess
	slog.Error("turn failed",
		"session_id", sess.ID,
		"stage", stage,
		"error", err,
	)
	if sendErr := conv.sendControl(genericErrFrame); sendErr != nil {
		slog.Warn("error frame send failed", "session_id", sess.ID, "error", sendErr)
	}
	sess.SetState(session.StateListening)
}

// backendContext bounds a backend call when a timeout is configured.
func (o *Orchestrator) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.BackendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.BackendTimeout)
}

// canceled reports whether err (or the context) represents cancellation
// rather than a backend failure. A cooperatively stopped synthesis counts as
// cancellation: the interruption handler owns the session state then.
func canceled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, tts.ErrStopped)
}

// drainStream releases a provider's stream goroutine after an aborted send.
func drainStream(s *tts.Stream) {
	for range s.C {
	}
	<-s.Err
}

func marshalScenarioState(st *scenario.State) ([]byte, error) {
	return json.Marshal(st)
}
