// Package animation defines the Engine interface for talking-head animation
// backends.
//
// An animation engine receives a character's avatar data together with the
// audio of one line and produces the matching lip/face frames. Frames are
// delivered incrementally through a [framestream.Stream] so playback can begin
// before the whole clip has been rendered.
package animation

import (
	"context"

	"github.com/MrWong99/talkinghead/pkg/framestream"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// DefaultFPS is the frame rate engines assume when none is configured.
const DefaultFPS = 25

// Engine is the abstraction over any animation backend.
//
// Generate starts producing frames and returns immediately with the stream
// they will arrive on. The engine finishes the stream when all frames have been
// enqueued, or finishes it with an error if production fails midway. Cancelling
// ctx stops production and finishes the stream with ctx.Err().
//
// A non-nil error is returned only if generation could not be started.
type Engine interface {
	Generate(ctx context.Context, avatar *types.AvatarData, audio *types.AudioSegment) (*framestream.Stream, error)
}

// ExpectedFrames returns the number of frames a clip of audio yields at fps.
func ExpectedFrames(audio *types.AudioSegment, fps int) int {
	if fps <= 0 {
		fps = DefaultFPS
	}
	d := audio.Duration()
	n := int(d.Seconds()*float64(fps) + 0.5)
	if n == 0 && d > 0 {
		n = 1
	}
	return n
}
