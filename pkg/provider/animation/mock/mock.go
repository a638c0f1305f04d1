// Package mock provides a test double for the animation.Engine interface.
//
// Engine renders tiny solid-colour frames whose count follows the audio
// duration, and can be configured to fail, stall or pace its output.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/talkinghead/pkg/framestream"
	"github.com/MrWong99/talkinghead/pkg/provider/animation"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	CharacterID string
	Expression  types.Expression
	Duration    time.Duration
	At          time.Time
}

// Engine is a mock implementation of animation.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// FPS controls how many frames are produced per second of audio.
	// Defaults to animation.DefaultFPS.
	FPS int

	// FrameDelay is slept before each frame is enqueued.
	FrameDelay time.Duration

	// StartErr, if non-nil, is returned from Generate without starting a stream.
	StartErr error

	// StreamErr, if non-nil, finishes the stream with this error after
	// FailAfter frames have been produced.
	StreamErr error
	FailAfter int

	// Gate, if non-nil, holds frame production until a value is received or
	// the channel is closed.
	Gate chan struct{}

	// --- Call records ---

	// Calls records every call to Generate in order.
	Calls []GenerateCall

	active    int
	maxActive int
}

// Generate records the call and starts a producer goroutine.
func (e *Engine) Generate(ctx context.Context, avatar *types.AvatarData, audio *types.AudioSegment) (*framestream.Stream, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, GenerateCall{
		CharacterID: avatar.CharacterID,
		Expression:  avatar.Expression,
		Duration:    audio.Duration(),
		At:          time.Now(),
	})
	if e.StartErr != nil {
		err := e.StartErr
		e.mu.Unlock()
		return nil, err
	}
	fps := e.FPS
	delay, gate := e.FrameDelay, e.Gate
	streamErr, failAfter := e.StreamErr, e.FailAfter
	e.active++
	e.maxActive = max(e.maxActive, e.active)
	e.mu.Unlock()

	n := animation.ExpectedFrames(audio, fps)
	s := framestream.New(n)
	go func() {
		err := produce(ctx, s, n, delay, gate, streamErr, failAfter)
		// Leave the active set before finishing so a consumer that reacts to
		// the end of the stream never observes this producer as running.
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
		if err != nil {
			s.FinishWithError(err)
			return
		}
		s.Finish()
	}()
	return s, nil
}

func produce(ctx context.Context, s *framestream.Stream, n int, delay time.Duration, gate chan struct{}, streamErr error, failAfter int) error {
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for i := range n {
		if streamErr != nil && i == failAfter {
			return streamErr
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.Enqueue(Frame(i)); err != nil {
			return nil
		}
	}
	if streamErr != nil && failAfter >= n {
		return streamErr
	}
	return nil
}

// CallCount returns the number of recorded calls.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// MaxConcurrent returns the highest number of streams produced at once.
func (e *Engine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = nil
	e.maxActive = 0
}

// Frame returns a 2x2 frame whose red channel encodes i.
func Frame(i int) types.Frame {
	pix := make([]byte, 2*2*4)
	for p := 0; p < len(pix); p += 4 {
		pix[p] = byte(i)
		pix[p+1] = byte(i >> 8)
		pix[p+3] = 0xff
	}
	return types.Frame{Index: i, Width: 2, Height: 2, Pix: pix}
}

// Ensure Engine implements animation.Engine at compile time.
var _ animation.Engine = (*Engine)(nil)
