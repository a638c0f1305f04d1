// Package voice defines the Engine interface for speech synthesis backends.
//
// A voice engine turns one line of text into a complete [types.AudioSegment].
// Engines are typically stateful and expensive (a GPU-resident model or a
// rate-limited cloud API), so the pipeline never calls one concurrently: every
// call is made while holding the engine's resqueue.Queue.
//
// Implementations must nevertheless be safe for use from multiple goroutines.
package voice

import (
	"context"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// Engine is the abstraction over any speech synthesis backend.
type Engine interface {
	// GenerateSpeech synthesises text with the given voice and returns the
	// complete clip. It returns an error if synthesis fails or ctx is cancelled
	// before the clip is ready.
	GenerateSpeech(ctx context.Context, text string, voice types.VoiceProfile) (*types.AudioSegment, error)
}

// EngineFunc adapts an ordinary function to the [Engine] interface.
type EngineFunc func(ctx context.Context, text string, voice types.VoiceProfile) (*types.AudioSegment, error)

// GenerateSpeech calls f.
func (f EngineFunc) GenerateSpeech(ctx context.Context, text string, voice types.VoiceProfile) (*types.AudioSegment, error) {
	return f(ctx, text, voice)
}
