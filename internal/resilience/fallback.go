package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] served a call.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is shared by the breakers of a [FallbackGroup]; each breaker
// takes its entry's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
	Logger         *slog.Logger
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries interchangeable providers in registration order, each
// behind its own [CircuitBreaker]. Register every entry before sharing the
// group between goroutines.
type FallbackGroup[T any] struct {
	members []member[T]
	breaker CircuitBreakerConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.CircuitBreaker.Logger == nil {
		cfg.CircuitBreaker.Logger = log
	}
	fg := &FallbackGroup[T]{breaker: cfg.CircuitBreaker, log: log}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	cfg := fg.breaker
	cfg.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Names lists the entries in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(fg.members))
	for _, m := range fg.members {
		out = append(out, m.name)
	}
	return out
}

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T { return fg.members[0].value }

// Check fails when every breaker is open, since the next call could not
// reach any provider.
func (fg *FallbackGroup[T]) Check(context.Context) error {
	for _, m := range fg.members {
		if m.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, ErrCircuitOpen)
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn on each entry in turn until one succeeds,
// skipping entries whose breaker is open. When all fail the error wraps
// [ErrAllFailed] and every entry's error. Once ctx is done the failover stops
// and the call's own error is returned.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i, m := range fg.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var out R
		err := m.breaker.Execute(func() (err error) {
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				fg.log.Info("resilience: served by fallback", "provider", m.name, "skipped", i)
			}
			return out, nil
		case ctx.Err() != nil:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			fg.log.Debug("resilience: provider skipped, circuit open", "provider", m.name)
		default:
			fg.log.Warn("resilience: provider failed", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
