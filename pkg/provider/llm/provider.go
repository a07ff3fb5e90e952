// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o, a
// Mistral endpoint, or a local Ollama instance) and exposes a uniform
// completion interface so the session orchestrator can generate coach replies
// without coupling to any specific SDK.
//
// The orchestrator works with full, non-streamed replies: each coach turn is
// parsed as a whole for emotion and scenario directives before synthesis, so
// Provider deliberately offers only a blocking Complete method.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is a single entry in the conversation history sent to the model.
type Message struct {
	// Role is one of "system", "user" or "assistant". The orchestrator maps
	// learner turns to "user" and coach turns to "assistant".
	Role string

	// Content is the plain-text body of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between providers
// for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation history. Providers without a dedicated system field should
	// prepend it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is the full reply produced by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply, including any inline
	// directives the caller may want to parse out.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly when ctx is cancelled; the orchestrator cancels
// in-flight completions when the learner interrupts.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
