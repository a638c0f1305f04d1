package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or had
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all engines failed")

// FallbackConfig configures the breaker created for each entry of a
// [FallbackGroup]. The Name field of CircuitBreaker is replaced by the entry
// name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of the
// same engine type, each behind its own [CircuitBreaker]. Entries are tried
// in registration order.
//
// Entries must all be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States returns each entry's breaker state keyed by entry name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Available reports whether at least one entry's breaker would accept a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn with each entry in order until one succeeds.
// Entries with an open breaker are skipped. It stops as soon as ctx is done
// and returns ctx's error. When every entry fails the error wraps both
// [ErrAllFailed] and the last entry's error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("resilience: %s: %w", entry.name, err)
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping engine with open circuit", "engine", entry.name)
			continue
		}
		if i < len(fg.entries)-1 {
			slog.Warn("engine failed, trying next", "engine", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
