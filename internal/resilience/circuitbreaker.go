// Package resilience keeps Elevated usable while a remote dependency is
// failing. [CircuitBreaker] stops hammering a service that keeps failing,
// [LiveBreaker] applies one to voice connects, and [FallbackGroup] with
// [LLMFallback] moves study generation to the next configured model.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling through while a breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast until the reset timeout passes
	StateHalfOpen              // a limited number of trials decide the next state
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	Name string

	// MaxFailures in a row open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the time spent open before probing. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax successful trials close the breaker; no more than this many
	// run at once. Default 1.
	HalfOpenMax int

	// IsFailure classifies errors. The default ignores [context.Canceled],
	// since a user disconnecting says nothing about the service.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, with the breaker lock
	// released.
	OnStateChange func(name string, from, to State)

	Logger *slog.Logger
	Now    func() time.Time
}

// CircuitBreaker is a three-state breaker, safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	onChange     func(name string, from, to State)
	log          *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last failure that kept or made the breaker open
	trials   int       // in flight, while half-open
	passed   int       // successful trials, while half-open
}

func defaultIsFailure(err error) bool { return !errors.Is(err, context.Canceled) }

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		onChange:     cfg.OnStateChange,
		log:          cfg.Logger,
		now:          cfg.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 1
	}
	if cb.isFailure == nil {
		cb.isFailure = defaultIsFailure
	}
	if cb.log == nil {
		cb.log = slog.Default()
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute calls fn unless the breaker rejects the call with [ErrCircuitOpen].
// fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err)
	return err
}

// admit decides whether a call may run and whether it is a half-open trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.trials, cb.passed = 0, 0
		changed = cb.moveTo(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

// settle accounts for a finished call.
func (cb *CircuitBreaker) settle(trial bool, err error) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if trial {
		cb.trials--
	}
	switch {
	case err == nil:
		changed = cb.succeeded(trial)
	case cb.isFailure(err):
		changed = cb.failed(trial)
	}
}

func (cb *CircuitBreaker) failed(trial bool) func() {
	cb.openedAt = cb.now()
	switch {
	case trial || cb.state == StateHalfOpen:
		return cb.moveTo(StateOpen)
	case cb.state == StateOpen:
		// A call admitted before the breaker opened; already accounted for.
		return nil
	}
	cb.failures++
	if cb.failures < cb.maxFailures {
		return nil
	}
	return cb.moveTo(StateOpen)
}

func (cb *CircuitBreaker) succeeded(trial bool) func() {
	switch {
	case !trial && cb.state == StateClosed:
		cb.failures = 0
	case trial && cb.state == StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.halfOpenMax {
			return cb.moveTo(StateClosed)
		}
	}
	return nil
}

// moveTo switches state and returns the notification to run once cb.mu is
// released. Caller holds cb.mu.
func (cb *CircuitBreaker) moveTo(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	if to == StateClosed {
		cb.failures, cb.passed = 0, 0
	}

	attrs := []any{"name", cb.name, "from", from.String(), "to", to.String()}
	if to == StateOpen {
		cb.log.Warn("resilience: circuit opened", append(attrs, "consecutive_failures", cb.failures)...)
	} else {
		cb.log.Info("resilience: circuit state changed", attrs...)
	}
	if cb.onChange == nil {
		return nil
	}
	return func() { cb.onChange(cb.name, from, to) }
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Check is a readiness check: [ErrCircuitOpen] while calls are rejected.
func (cb *CircuitBreaker) Check(context.Context) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.trials = 0
	changed := cb.moveTo(StateClosed)
	cb.failures, cb.passed = 0, 0
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}
