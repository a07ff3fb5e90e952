package openai

import (
	"testing"

	"github.com/vocoach/vocoach/pkg/provider/llm"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o-mini"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConvertMessageSystem(t *testing.T) {
	t.Parallel()

	param, err := convertMessage(llm.Message{Role: "system", Content: "Tu es un coach vocal."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

func TestConvertMessageUser(t *testing.T) {
	t.Parallel()

	param, err := convertMessage(llm.Message{Role: "user", Content: "Bonjour !"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

func TestConvertMessageAssistant(t *testing.T) {
	t.Parallel()

	param, err := convertMessage(llm.Message{Role: "assistant", Content: "Très bien."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

func TestConvertMessageUnknownRole(t *testing.T) {
	t.Parallel()

	if _, err := convertMessage(llm.Message{Role: "narrator", Content: "..."}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Tu es un coach vocal.",
		Messages: []llm.Message{
			{Role: "user", Content: "Bonjour !"},
		},
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(params.Messages); got != 2 {
		t.Fatalf("expected system prompt + 1 message, got %d", got)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.7 {
		t.Errorf("temperature not propagated: %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 300 {
		t.Errorf("max tokens not propagated: %+v", params.MaxCompletionTokens)
	}
}
