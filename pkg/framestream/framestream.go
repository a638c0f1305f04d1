// Package framestream provides [Stream], a single-producer/single-consumer
// queue of animation frames with an explicit end-of-stream signal.
//
// Animation engines and the speech cache frame loader produce frames
// incrementally; the speech pipeline consumes them as they arrive. The stream
// never blocks the producer and lets the consumer wait, cancellably, for the
// next frame.
//
//	s := framestream.New(expected)
//	go func() {
//	    defer s.Finish()
//	    for ... { _ = s.Enqueue(frame) }
//	}()
//	err := framestream.Drain(ctx, s, func(f types.Frame) error { ... })
package framestream

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// ErrFinished is returned by [Stream.Enqueue] once the stream has been finished.
var ErrFinished = errors.New("framestream: stream finished")

// Stream is an ordered, unbounded queue of frames plus a finished flag.
//
// Frames are dequeued in exactly the order they were enqueued. Once [Stream.Finish]
// or [Stream.FinishWithError] has been called no further frame is accepted, so a
// consumer never observes a frame enqueued after the stream was finished.
//
// All methods are safe for concurrent use.
type Stream struct {
	notify chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	frames    []types.Frame
	finished  bool
	err       error
	expected  int
	delivered int
}

// New returns an empty stream. expected is an advisory total frame count used
// for progress reporting; pass 0 when unknown.
func New(expected int) *Stream {
	return &Stream{
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		expected: max(expected, 0),
	}
}

// FromFrames returns an already-finished stream carrying frames.
func FromFrames(frames []types.Frame) *Stream {
	s := New(len(frames))
	s.frames = append(s.frames, frames...)
	s.finished = true
	close(s.done)
	return s
}

// Enqueue appends a frame and wakes a waiting consumer. It returns [ErrFinished]
// if the stream has already been finished; the frame is dropped in that case.
func (s *Stream) Enqueue(f types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrFinished
	}
	s.frames = append(s.frames, f)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Finish marks the end of the stream. Frames already enqueued remain
// available to the consumer. Finish is idempotent and safe to defer.
func (s *Stream) Finish() {
	s.FinishWithError(nil)
}

// FinishWithError marks the end of the stream and records err as the reason
// production stopped. The consumer receives err from [Stream.WaitForNext] after
// all enqueued frames have been delivered. Only the first call has an effect.
func (s *Stream) FinishWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.done)
}

// HasMoreFrames reports whether a frame is queued or more may still arrive.
func (s *Stream) HasMoreFrames() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) > 0 || !s.finished
}

// Finished reports whether the producer has finished the stream.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Err returns the error the stream was finished with, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitForNext blocks until the next frame is available, the stream ends or ctx
// is done.
//
// It returns (frame, true, nil) for a frame, (zero, false, err) once the stream
// is finished and drained, where err is the error passed to FinishWithError (nil
// for a clean finish), and (zero, false, ctx.Err()) on cancellation.
func (s *Stream) WaitForNext(ctx context.Context) (types.Frame, bool, error) {
	for {
		s.mu.Lock()
		if len(s.frames) > 0 {
			f := s.frames[0]
			s.frames[0] = types.Frame{}
			s.frames = s.frames[1:]
			s.delivered++
			s.mu.Unlock()
			return f, true, nil
		}
		if s.finished {
			err := s.err
			s.mu.Unlock()
			return types.Frame{}, false, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return types.Frame{}, false, ctx.Err()
		}
	}
}

// TotalExpectedFrames returns the advisory frame count, or 0 when unknown.
func (s *Stream) TotalExpectedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// SetExpected updates the advisory frame count. Producers call this once they
// learn the total, e.g. from an engine's metadata message.
func (s *Stream) SetExpected(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected = max(n, 0)
}

// Delivered returns how many frames the consumer has received so far.
func (s *Stream) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Drain consumes s until it ends, calling fn for each frame in order. It
// returns the first error from fn, the stream's finish error, or ctx.Err().
func Drain(ctx context.Context, s *Stream, fn func(types.Frame) error) error {
	for {
		f, ok, err := s.WaitForNext(ctx)
		if !ok {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

// Collect drains s into a slice.
func Collect(ctx context.Context, s *Stream) ([]types.Frame, error) {
	var out []types.Frame
	err := Drain(ctx, s, func(f types.Frame) error {
		out = append(out, f)
		return nil
	})
	return out, err
}
