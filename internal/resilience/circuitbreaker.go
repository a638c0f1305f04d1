// Package resilience guards the shared engines with circuit breakers and
// ordered failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] puts a breaker in front of each of several interchangeable
// engines and tries them in order. [VoiceFallback] applies that to
// [voice.Engine].
//
// Context cancellation is never counted as an engine failure, so lines
// discarded by Stop leave the breakers untouched. Call timeouts still count.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes allowed, and the number of
	// successes required, in the half-open state. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(string, State, State)
	log          *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		log:          cfg.Logger,
		now:          cfg.now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 3
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

// Execute runs fn if the breaker allows it. Errors wrapping context.Canceled
// are returned unchanged and do not affect the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.probes, cb.probeWins = 0, 0
	}
	switch {
	case cb.state == StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.probes >= cb.halfOpenMax:
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return ErrCircuitOpen
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.probes++
	}
	mid := cb.state
	cb.mu.Unlock()
	cb.notify(from, mid)

	err := fn()
	if errors.Is(err, context.Canceled) {
		if probe {
			cb.mu.Lock()
			cb.probes--
			cb.mu.Unlock()
		}
		return err
	}

	cb.mu.Lock()
	before := cb.state
	if err != nil {
		cb.recordFailure(probe)
	} else {
		cb.recordSuccess(probe)
	}
	after := cb.state
	cb.mu.Unlock()
	cb.notify(before, after)
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) {
	if probe || cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.log.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.log.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) {
	if !probe {
		if cb.state == StateClosed {
			cb.failures = 0
		}
		return
	}
	if cb.state != StateHalfOpen {
		return
	}
	cb.probeWins++
	if cb.probeWins >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.failures = 0
		cb.log.Info("circuit breaker closed", "name", cb.name)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.probes, cb.probeWins = 0, 0, 0
	cb.mu.Unlock()
	cb.log.Info("circuit breaker reset", "name", cb.name)
	cb.notify(from, StateClosed)
}
