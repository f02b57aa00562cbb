package resilience

import (
	"context"

	"github.com/MrWong99/elevated/pkg/provider/live"
)

// LiveBreaker guards the handshake of a [live.Provider] with a
// [CircuitBreaker]. After repeated failed connects further attempts fail fast
// with [ErrCircuitOpen] until the reset timeout has passed. Established
// streams are not affected.
type LiveBreaker struct {
	provider live.Provider
	breaker  *CircuitBreaker
}

// Compile-time interface assertion.
var _ live.Provider = (*LiveBreaker)(nil)

// NewLiveBreaker wraps p. cfg.Name defaults to "live".
func NewLiveBreaker(p live.Provider, cfg CircuitBreakerConfig) *LiveBreaker {
	if cfg.Name == "" {
		cfg.Name = "live"
	}
	return &LiveBreaker{provider: p, breaker: NewCircuitBreaker(cfg)}
}

// Connect forwards to the wrapped provider unless the breaker is open.
func (b *LiveBreaker) Connect(ctx context.Context, cfg live.SessionConfig) (live.Stream, error) {
	var s live.Stream
	err := b.breaker.Execute(func() error {
		var err error
		s, err = b.provider.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Capabilities delegates to the wrapped provider.
func (b *LiveBreaker) Capabilities() live.Capabilities { return b.provider.Capabilities() }

// Check reports [ErrCircuitOpen] while connects are being rejected.
func (b *LiveBreaker) Check(ctx context.Context) error { return b.breaker.Check(ctx) }

// State returns the breaker state.
func (b *LiveBreaker) State() State { return b.breaker.State() }
