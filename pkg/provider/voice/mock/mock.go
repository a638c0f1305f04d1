// Package mock provides a test double for the voice.Engine interface.
//
// Use Engine to return controlled audio clips, inject failures for specific
// lines, and verify which texts and voices reached the backend.
//
// Example:
//
//	e := &mock.Engine{
//	    ClipDuration: 200 * time.Millisecond,
//	    ErrFor:       map[string]error{"line two": errBoom},
//	}
//	seg, err := e.GenerateSpeech(ctx, "line one", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/talkinghead/pkg/provider/voice"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// DefaultSampleRate is the sample rate of generated clips.
const DefaultSampleRate = 16000

// GenerateSpeechCall records a single invocation of GenerateSpeech.
type GenerateSpeechCall struct {
	Text  string
	Voice types.VoiceProfile
	At    time.Time
}

// Engine is a mock implementation of voice.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ClipDuration is the length of the silent clip returned for each line.
	// Defaults to 100 ms.
	ClipDuration time.Duration

	// Delay simulates synthesis latency. The call honours ctx while waiting.
	Delay time.Duration

	// Err, if non-nil, is returned for every call.
	Err error

	// ErrFor maps line text to an error returned for that line only.
	ErrFor map[string]error

	// Gate, if non-nil, blocks every call until a value is received or the
	// channel is closed.
	Gate chan struct{}

	// --- Call records ---

	// Calls records every call to GenerateSpeech in order.
	Calls []GenerateSpeechCall

	active    int
	maxActive int
}

// GenerateSpeech records the call and returns a silent clip or the configured error.
func (e *Engine) GenerateSpeech(ctx context.Context, text string, v types.VoiceProfile) (*types.AudioSegment, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, GenerateSpeechCall{Text: text, Voice: v, At: time.Now()})
	e.active++
	e.maxActive = max(e.maxActive, e.active)
	delay, gate := e.Delay, e.Gate
	err := e.Err
	if perLine, ok := e.ErrFor[text]; ok {
		err = perLine
	}
	d := e.ClipDuration
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return Silence(d, DefaultSampleRate), nil
}

// CallCount returns the number of recorded calls.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// Texts returns the texts of all recorded calls in order.
func (e *Engine) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Calls))
	for i, c := range e.Calls {
		out[i] = c.Text
	}
	return out
}

// MaxConcurrent returns the highest number of calls that were in progress at once.
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

// Silence returns a mono clip of d of silence at rate.
func Silence(d time.Duration, rate int) *types.AudioSegment {
	samples := int(d * time.Duration(rate) / time.Second)
	return &types.AudioSegment{PCM: make([]byte, samples*2), SampleRate: rate, Channels: 1}
}

// Ensure Engine implements voice.Engine at compile time.
var _ voice.Engine = (*Engine)(nil)
