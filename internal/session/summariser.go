package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/vocoach/vocoach/pkg/provider/llm"
)

// summarisationPrompt is the system prompt sent to the LLM when condensing
// old conversation history.
const summarisationPrompt = `Résume la conversation suivante entre un coach vocal et un apprenant.
Conserve : le sujet de l'exercice, les informations données par l'apprenant, les
corrections déjà faites par le coach, et où en est la progression. Sois concis ;
cinq phrases au maximum.`

// Summariser produces a concise summary of a conversation segment. The
// orchestrator uses it to compact old history so prompts stay bounded on long
// sessions.
type Summariser interface {
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummariser summarises conversations with the generation backend.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates an [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

var _ Summariser = (*LLMSummariser)(nil)

// Summarise formats the messages into a transcript and asks the model for a
// condensed summary. An empty slice yields an empty summary without a
// backend call.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
		MaxTokens:   250,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}

	return resp.Content, nil
}
