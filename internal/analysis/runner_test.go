package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vocoach/vocoach/internal/kv"
	"github.com/vocoach/vocoach/pkg/provider/llm"
	llmmock "github.com/vocoach/vocoach/pkg/provider/llm/mock"
)

func TestLLMRunnerStoresFeedback(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "Bonne articulation. Attention aux liaisons."}}
	store := kv.NewMemoryStore()
	r := NewLLMRunner(provider, store, time.Hour)

	job := Job{
		SessionID:  "s1",
		TurnID:     3,
		Transcript: "Je voudrais un café.",
		Language:   "fr",
	}
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := store.Get(context.Background(), ResultKey("s1", 3))
	if err != nil {
		t.Fatalf("Get result: %v", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Feedback != provider.Response.Content {
		t.Errorf("Feedback = %q, want %q", res.Feedback, provider.Response.Content)
	}
	if res.Transcript != job.Transcript {
		t.Errorf("Transcript = %q, want %q", res.Transcript, job.Transcript)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	if !strings.Contains(calls[0].Req.Messages[0].Content, job.Transcript) {
		t.Errorf("prompt does not carry transcript: %q", calls[0].Req.Messages[0].Content)
	}
}

func TestLLMRunnerPropagatesProviderError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("backend down")
	provider := &llmmock.Provider{Err: wantErr}
	store := kv.NewMemoryStore()
	r := NewLLMRunner(provider, store, time.Hour)

	err := r.Run(context.Background(), Job{SessionID: "s1", TurnID: 1, Transcript: "x"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() = %v, want wrapped %v", err, wantErr)
	}
	if _, err := store.Get(context.Background(), ResultKey("s1", 1)); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("result stored despite failure, Get err = %v", err)
	}
}
