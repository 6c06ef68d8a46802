// Package llm defines the Provider interface for Large Language Model backends.
//
// kizuki uses an LLM for two short, non-streaming tasks: writing a hint for a
// detected label and, as an alternative to the realtime classifier, picking
// the topic of the latest utterance. Both fit in a single completion, so the
// interface exposes only Complete.
//
// Implementors must be safe for concurrent use and must return promptly when
// ctx is cancelled.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Returns an error if the request fails, the model returns no choices, or
	// ctx is cancelled before the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages or SystemPrompt must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages as a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the reply.
	Messages []Message

	// Temperature controls output randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int

	// JSONMode asks the backend to return a single JSON object. Backends that
	// cannot enforce it ignore the flag; callers should still ask for JSON in
	// the prompt.
	JSONMode bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
