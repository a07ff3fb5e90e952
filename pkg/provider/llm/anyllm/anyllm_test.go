package anyllm

import (
	"testing"

	"github.com/vocoach/vocoach/pkg/provider/llm"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("smoke-signals", "gpt-4o"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "mistral-large-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Tu es un coach vocal bienveillant.",
		Messages: []llm.Message{
			{Role: "user", Content: "Bonjour !"},
			{Role: "assistant", Content: "Bonjour, prêt à commencer ?"},
		},
		Temperature: 0.6,
		MaxTokens:   256,
	})

	if params.Model != "mistral-large-latest" {
		t.Errorf("expected model to be set, got %q", params.Model)
	}
	if got := len(params.Messages); got != 3 {
		t.Fatalf("expected system prompt + 2 messages, got %d", got)
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.6 {
		t.Errorf("temperature not propagated: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens not propagated: %v", params.MaxTokens)
	}
}

func TestBuildParamsDefaults(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Bonjour !"}},
	})

	if params.Temperature != nil {
		t.Error("expected nil temperature for zero value")
	}
	if params.MaxTokens != nil {
		t.Error("expected nil max tokens for zero value")
	}
	if got := len(params.Messages); got != 1 {
		t.Fatalf("expected 1 message without system prompt, got %d", got)
	}
}
