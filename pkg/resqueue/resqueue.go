// Package resqueue serializes access to a shared, stateful inference engine.
//
// A [Queue] admits exactly one holder at a time and serves waiters in the
// order they arrived. Every character's pipeline shares one Queue per engine,
// so a voice engine or an animation engine never runs two calls concurrently.
//
//	q := resqueue.New("voice")
//	err := q.Do(ctx, func(ctx context.Context) error {
//	    seg, err = engine.GenerateSpeech(ctx, text, voice)
//	    return err
//	})
package resqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrCallTimeout is returned by [Queue.Do] when a call exceeds the configured
// per-call timeout.
var ErrCallTimeout = errors.New("resqueue: call timed out")

// Observer receives timing information for each completed critical section.
// wait is the time spent queued, hold is the time the resource was held.
type Observer func(name string, wait, hold time.Duration)

// Option is a functional option for [New].
type Option func(*Queue)

// WithCallTimeout bounds every [Queue.Do] call. The context passed to the
// critical section is cancelled after d, and Do returns [ErrCallTimeout] if the
// call was still running. Zero (the default) disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.callTimeout = d
	}
}

// WithObserver registers fn to be called after each release.
func WithObserver(fn Observer) Option {
	return func(q *Queue) {
		q.observer = fn
	}
}

// Queue is a FIFO mutual-exclusion gate around one engine.
//
// The zero value is not usable; construct with [New]. All methods are safe for
// concurrent use.
type Queue struct {
	name        string
	sem         *semaphore.Weighted
	callTimeout time.Duration
	observer    Observer

	waiting    atomic.Int64
	inFlight   atomic.Int64
	acquiredAt atomic.Int64 // unix nanos of the current holder's acquisition
	lastWait   atomic.Int64 // wait duration of the current holder
}

// New returns a Queue named name. The name is used in errors and metrics.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name: name,
		sem:  semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Acquire blocks until the caller holds the resource or ctx is done. Waiters
// are admitted in arrival order. A cancelled waiter leaves the queue without
// ever holding the resource.
func (q *Queue) Acquire(ctx context.Context) error {
	start := time.Now()
	q.waiting.Add(1)
	err := q.sem.Acquire(ctx, 1)
	q.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("resqueue %s: acquire: %w", q.name, err)
	}
	now := time.Now()
	q.inFlight.Add(1)
	q.acquiredAt.Store(now.UnixNano())
	q.lastWait.Store(int64(now.Sub(start)))
	return nil
}

// Release hands the resource to the next waiter. Calling Release without a
// matching successful Acquire panics.
func (q *Queue) Release() {
	hold := time.Since(time.Unix(0, q.acquiredAt.Load()))
	wait := time.Duration(q.lastWait.Load())
	q.inFlight.Add(-1)
	q.sem.Release(1)
	if q.observer != nil {
		q.observer(q.name, wait, hold)
	}
}

// Do runs fn while holding the resource. The resource is released on every
// exit path, including a panic inside fn, which is re-raised after release.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := q.Acquire(ctx); err != nil {
		return err
	}
	defer q.Release()

	if q.callTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, q.callTimeout)
	defer cancel()
	err := fn(callCtx)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("resqueue %s: %w after %s", q.name, ErrCallTimeout, q.callTimeout)
	}
	return err
}

// Waiting returns the number of callers currently blocked in Acquire.
func (q *Queue) Waiting() int { return int(q.waiting.Load()) }

// InFlight returns 1 while the resource is held and 0 otherwise.
func (q *Queue) InFlight() int { return int(q.inFlight.Load()) }
