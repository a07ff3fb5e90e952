package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vocoach/vocoach/internal/kv"
	"github.com/vocoach/vocoach/pkg/provider/llm"
)

const analysisInstruction = `Tu es un évaluateur de prononciation et de fluidité pour des apprenants
de langue. À partir de la transcription d'un énoncé, produis une évaluation
courte : points forts, erreurs probables de prononciation, et un conseil
concret. Réponds en trois phrases au maximum.`

// Result is one stored analysis, keyed by session and turn.
type Result struct {
	SessionID  string    `json:"session_id"`
	TurnID     int64     `json:"turn_id"`
	Transcript string    `json:"transcript"`
	Feedback   string    `json:"feedback"`
	Language   string    `json:"language"`
	CreatedAt  time.Time `json:"created_at"`
}

// LLMRunner produces pronunciation feedback by asking the generation backend
// to assess the transcript, and stores the result in the key-value store so
// clients can fetch it after the turn.
type LLMRunner struct {
	provider llm.Provider
	store    kv.Store
	ttl      time.Duration
}

// NewLLMRunner creates an LLMRunner storing results with the given TTL.
// A zero ttl keeps results for the backend default.
func NewLLMRunner(provider llm.Provider, store kv.Store, ttl time.Duration) *LLMRunner {
	return &LLMRunner{provider: provider, store: store, ttl: ttl}
}

var _ Runner = (*LLMRunner)(nil)

// Run implements [Runner].
func (r *LLMRunner) Run(ctx context.Context, job Job) error {
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: analysisInstruction,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf("Langue : %s\nTranscription : %s", job.Language, job.Transcript)},
		},
		Temperature: 0.3,
		MaxTokens:   160,
	})
	if err != nil {
		return fmt.Errorf("analysis: generate feedback: %w", err)
	}

	res := Result{
		SessionID:  job.SessionID,
		TurnID:     job.TurnID,
		Transcript: job.Transcript,
		Feedback:   resp.Content,
		Language:   job.Language,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("analysis: marshal result: %w", err)
	}

	key := ResultKey(job.SessionID, job.TurnID)
	if err := r.store.Set(ctx, key, data, r.ttl); err != nil {
		return fmt.Errorf("analysis: store result: %w", err)
	}
	return nil
}

// ResultKey is the key-value key for one turn's stored analysis.
func ResultKey(sessionID string, turnID int64) string {
	return fmt.Sprintf("analysis:result:%s:%d", sessionID, turnID)
}
