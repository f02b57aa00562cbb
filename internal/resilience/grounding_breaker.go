package resilience

import (
	"context"

	"github.com/MrWong99/elevated/pkg/provider/grounding"
	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// GroundingBreaker puts web search and image reading behind one
// [CircuitBreaker], so a failing backend is skipped quickly by both.
type GroundingBreaker struct {
	provider grounding.Provider
	breaker  *CircuitBreaker
}

var _ grounding.Provider = (*GroundingBreaker)(nil)

// NewGroundingBreaker wraps p. cfg.Name defaults to "grounding".
func NewGroundingBreaker(p grounding.Provider, cfg CircuitBreakerConfig) *GroundingBreaker {
	if cfg.Name == "" {
		cfg.Name = "grounding"
	}
	return &GroundingBreaker{provider: p, breaker: NewCircuitBreaker(cfg)}
}

// Search implements [grounding.Provider].
func (b *GroundingBreaker) Search(ctx context.Context, req grounding.SearchRequest) (*grounding.SearchResponse, error) {
	return guarded(b.breaker, func() (*grounding.SearchResponse, error) {
		return b.provider.Search(ctx, req)
	})
}

// ReadImage implements [grounding.Provider].
func (b *GroundingBreaker) ReadImage(ctx context.Context, req grounding.ImageRequest) (*llm.CompletionResponse, error) {
	return guarded(b.breaker, func() (*llm.CompletionResponse, error) {
		return b.provider.ReadImage(ctx, req)
	})
}

// Check reports [ErrCircuitOpen] while calls are being rejected.
func (b *GroundingBreaker) Check(ctx context.Context) error { return b.breaker.Check(ctx) }

// State returns the breaker state.
func (b *GroundingBreaker) State() State { return b.breaker.State() }

// guarded runs fn through cb and returns its result.
func guarded[R any](cb *CircuitBreaker, fn func() (R, error)) (R, error) {
	var out R
	err := cb.Execute(func() error {
		var err error
		out, err = fn()
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}
