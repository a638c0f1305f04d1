package resilience

import (
	"context"

	"github.com/MrWong99/talkinghead/pkg/provider/voice"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// VoiceFallback is a [voice.Engine] that fails over across several voice
// engines. Each engine has its own circuit breaker.
//
// The whole group sits behind a single resqueue.Queue, so at most one of its
// engines is ever running.
type VoiceFallback struct {
	group *FallbackGroup[voice.Engine]
}

var _ voice.Engine = (*VoiceFallback)(nil)

// NewVoiceFallback creates a [VoiceFallback] with primary as the preferred engine.
func NewVoiceFallback(primary voice.Engine, primaryName string, cfg FallbackConfig) *VoiceFallback {
	return &VoiceFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another engine, tried after those already added.
func (f *VoiceFallback) AddFallback(name string, e voice.Engine) {
	f.group.AddFallback(name, e)
}

// GenerateSpeech synthesises text with the first engine that succeeds.
func (f *VoiceFallback) GenerateSpeech(ctx context.Context, text string, v types.VoiceProfile) (*types.AudioSegment, error) {
	return ExecuteWithResult(ctx, f.group, func(e voice.Engine) (*types.AudioSegment, error) {
		return e.GenerateSpeech(ctx, text, v)
	})
}

// States reports each engine's breaker state.
func (f *VoiceFallback) States() map[string]State { return f.group.States() }

// Available reports whether any engine currently accepts calls.
func (f *VoiceFallback) Available() bool { return f.group.Available() }
