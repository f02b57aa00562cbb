// Package llm is the text model abstraction behind the study features:
// flashcards, quizzes and chat grounded in the user's materials. Backends live
// in subpackages (anyllm, openai) and must be safe for concurrent use.
package llm

import "context"

// Usage is the token accounting a backend reports for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one single-shot completion.
type CompletionRequest struct {
	// Messages is the conversation, oldest first. It must not be empty.
	Messages []Message

	// SystemPrompt is sent ahead of Messages when set.
	SystemPrompt string

	// Model replaces the backend's configured model, e.g. to route a question
	// to the reasoning model.
	Model string

	// Temperature and MaxTokens leave the backend default in place when zero.
	Temperature float64
	MaxTokens   int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a text model backend.
type Provider interface {
	// Complete waits for the whole reply. It returns promptly once ctx is done.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It may overcount but
	// should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities describes the configured model.
	Capabilities() ModelCapabilities
}
