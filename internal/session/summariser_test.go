package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vocoach/vocoach/pkg/provider/llm"
	llmmock "github.com/vocoach/vocoach/pkg/provider/llm/mock"
)

func TestSummariseEmptyHistorySkipsBackend(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{}
	s := NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), nil)
	if err != nil {
		t.Fatalf("Summarise() error = %v", err)
	}
	if got != "" {
		t.Errorf("Summarise() = %q, want empty", got)
	}
	if n := len(provider.Calls()); n != 0 {
		t.Errorf("backend called %d times for empty history, want 0", n)
	}
}

func TestSummariseFormatsTranscript(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "L'apprenant répète un dialogue au restaurant."},
	}
	s := NewLLMSummariser(provider)

	messages := []llm.Message{
		{Role: "user", Content: "Je voudrais une table pour deux."},
		{Role: "assistant", Content: "Très bien, attention à la liaison."},
	}
	got, err := s.Summarise(context.Background(), messages)
	if err != nil {
		t.Fatalf("Summarise() error = %v", err)
	}
	if got != "L'apprenant répète un dialogue au restaurant." {
		t.Errorf("Summarise() = %q", got)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt == "" {
		t.Error("request has no system prompt")
	}
	if len(req.Messages) != 1 {
		t.Fatalf("request has %d messages, want 1", len(req.Messages))
	}
	transcript := req.Messages[0].Content
	for _, want := range []string{
		"[user]: Je voudrais une table pour deux.",
		"[assistant]: Très bien, attention à la liaison.",
	} {
		if !strings.Contains(transcript, want) {
			t.Errorf("transcript missing %q:\n%s", want, transcript)
		}
	}
}

func TestSummarisePropagatesBackendError(t *testing.T) {
	t.Parallel()
	backendErr := errors.New("model overloaded")
	provider := &llmmock.Provider{Err: backendErr}
	s := NewLLMSummariser(provider)

	_, err := s.Summarise(context.Background(), []llm.Message{{Role: "user", Content: "bonjour"}})
	if !errors.Is(err, backendErr) {
		t.Fatalf("Summarise() error = %v, want wrapped %v", err, backendErr)
	}
}
