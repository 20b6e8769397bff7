// Package llm defines the Provider interface for the Large Language Model
// backend used by the Barnabee request core.
//
// The core uses the LLM sparingly (the last cascade stage, ambiguous entity
// resolution, and response phrasing), so the interface exposes a single
// blocking Complete call with an optional JSON-schema response constraint. Streaming is deliberately not part of the contract: every call
// site operates under a sub-second deadline and consumes the full response.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation: when ctx expires, Complete returns promptly with ctx.Err()
// wrapped in a provider error.
package llm

import "context"

// Message is a single message in a chat-style conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for identical text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation. Providers without a dedicated system slot prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. 0.0 requests
	// greedy decoding; the cascade and resolver always use 0.0 so that
	// repeated classification of the same utterance is stable.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// ResponseSchema, when non-nil, is a JSON Schema the response must
	// conform to. Providers instruct the model to emit only matching JSON;
	// callers validate the result before trusting it (the cascade and
	// resolver use gojsonschema for this).
	ResponseSchema map[string]any
}

// CompletionResponse is the full model reply.
type CompletionResponse struct {
	// Content is the text of the reply. When ResponseSchema was set, Content
	// is the raw JSON document (possibly surrounded by whitespace).
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly; orchestrator deadlines
// are passed down and a provider that overruns them breaks the request
// latency budget.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the provider-specific model identifier, used for
	// logging and operational records.
	ModelID() string
}
