// Package types defines the shared data types used across all talkinghead packages.
//
// These types form the lingua franca between voice engines, animation engines,
// the speech cache, the pipeline and the presentation layer. Each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import (
	"fmt"
	"image"
	"time"
)

// AudioSegment is a complete, immutable clip of signed 16-bit little-endian PCM
// audio produced by a voice engine or loaded from the speech cache.
type AudioSegment struct {
	// PCM holds interleaved int16 little-endian samples.
	PCM []byte

	// SampleRate in Hz (e.g., 24000 for OpenAI PCM output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Duration returns the playback length of the segment. Segments with an
// invalid format report zero.
func (s *AudioSegment) Duration() time.Duration {
	if s == nil || s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	samples := len(s.PCM) / (2 * s.Channels)
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

// Empty reports whether the segment carries no samples.
func (s *AudioSegment) Empty() bool {
	return s == nil || len(s.PCM) < 2
}

// Frame is a single rendered animation frame. Pixels are stored as RGBA with a
// stride of 4*Width, which makes a Frame convertible to an [image.RGBA] without
// copying.
//
// A frame is owned by the stream that carries it until it is consumed; after
// that the consumer (usually a presentation sink) owns it.
type Frame struct {
	// Index is the position of the frame within its clip.
	Index int

	Width  int
	Height int

	// Pix holds RGBA pixel data, 4 bytes per pixel, row-major.
	Pix []byte
}

// Image returns an [image.RGBA] view of the frame's pixels. The returned image
// shares memory with the frame.
func (f Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: 4 * f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// IsZero reports whether the frame carries no pixel data.
func (f Frame) IsZero() bool {
	return len(f.Pix) == 0
}

// FrameFromImage converts any image into a Frame with the given index.
// An *image.RGBA anchored at the origin is adopted without copying.
func FrameFromImage(index int, img image.Image) Frame {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return Frame{Index: index, Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, img.At(x, y))
		}
	}
	return Frame{Index: index, Width: b.Dx(), Height: b.Dy(), Pix: dst.Pix}
}

// Expression selects the animation expression used for a speech request.
// Non-negative values index into a character's expression list.
type Expression int

// VoiceOnly requests audio without any animation frames.
const VoiceOnly Expression = -1

// IsVoiceOnly reports whether e requests audio only.
func (e Expression) IsVoiceOnly() bool { return e == VoiceOnly }

// String returns "voice-only" for [VoiceOnly] and the numeric index otherwise.
func (e Expression) String() string {
	if e == VoiceOnly {
		return "voice-only"
	}
	return fmt.Sprintf("expression-%d", int(e))
}

// VoiceProfile describes how a character's lines are voiced.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "alloy", a Coqui speaker).
	ID string

	// Provider identifies which voice engine this voice belongs to.
	Provider string

	// Style is a free-form delivery instruction forwarded to engines that
	// support it ("calm, slightly amused").
	Style string

	// SpeedFactor adjusts speaking rate (0.25–4.0, 0 or 1.0 = default).
	SpeedFactor float64
}

// AvatarData is the per-character, per-expression input handed to an
// animation engine alongside the audio of one line.
type AvatarData struct {
	// CharacterID identifies the character the frames are generated for.
	CharacterID string

	// Expression is the index of the selected expression.
	Expression Expression

	// ExpressionName is the human-readable expression name from the bundle.
	ExpressionName string

	// Image is the character's base portrait.
	Image Frame

	// Motion is the engine-specific motion data for the selected expression.
	Motion []byte

	// Textures are optional per-expression texture overlays.
	Textures []Frame
}
