package resilience

import (
	"context"

	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that moves study generation to the next
// configured backend when one fails or its breaker is open. A request's model
// override (the reasoning model) only reaches the primary; fallbacks answer
// with their own model.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an LLMFallback that prefers primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends a backend tried after all earlier ones.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, ownModel{provider})
}

// ownModel clears the per-request model override so a fallback answers with
// the model it was configured with.
type ownModel struct{ llm.Provider }

func (o ownModel) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Model = ""
	return o.Provider.Complete(ctx, req)
}

// Names lists the backends in failover order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Check reports whether any backend would currently accept a request.
func (f *LLMFallback) Check(ctx context.Context) error { return f.group.Check(ctx) }

// Complete returns the first successful backend's reply.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's estimate. Counting is local and never
// touches a breaker.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities describes the primary's model.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
