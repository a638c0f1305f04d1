// Package present defines the presentation sink the playback core reports
// to: rendered frames, speech boundaries, errors, speaker and state changes.
//
// A UI or display layer implements [Sink]. Calls arrive from the player and
// controller goroutines of each character and must not block for long; a slow
// sink delays frame stepping.
package present

import (
	"context"
	"log/slog"

	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// Sink receives presentation events. Frames passed to OnFrameUpdate are owned
// by the sink once delivered.
type Sink interface {
	OnFrameUpdate(characterID string, f types.Frame)
	OnSpeechStarted(characterID string)
	OnSpeechEnded(characterID string)
	OnError(characterID string, err error)
	OnSpeakerChanged(characterID string)
	OnStateChanged(characterID, state string)
}

// Nop is a [Sink] that ignores every event.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) OnFrameUpdate(string, types.Frame) {}
func (Nop) OnSpeechStarted(string)            {}
func (Nop) OnSpeechEnded(string)              {}
func (Nop) OnError(string, error)             {}
func (Nop) OnSpeakerChanged(string)           {}
func (Nop) OnStateChanged(string, string)     {}

// Multi fans every event out to several sinks in order.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) OnFrameUpdate(id string, f types.Frame) {
	for _, s := range m {
		s.OnFrameUpdate(id, f)
	}
}

func (m Multi) OnSpeechStarted(id string) {
	for _, s := range m {
		s.OnSpeechStarted(id)
	}
}

func (m Multi) OnSpeechEnded(id string) {
	for _, s := range m {
		s.OnSpeechEnded(id)
	}
}

func (m Multi) OnError(id string, err error) {
	for _, s := range m {
		s.OnError(id, err)
	}
}

func (m Multi) OnSpeakerChanged(id string) {
	for _, s := range m {
		s.OnSpeakerChanged(id)
	}
}

func (m Multi) OnStateChanged(id, state string) {
	for _, s := range m {
		s.OnStateChanged(id, state)
	}
}

// Log is a [Sink] that writes every event except frames to a structured
// logger. Errors are logged at warn level.
type Log struct {
	L *slog.Logger
}

var _ Sink = Log{}

// NewLog returns a Log sink writing through the context logger of ctx.
func NewLog(ctx context.Context) Log {
	return Log{L: observe.Logger(ctx)}
}

func (l Log) logger() *slog.Logger {
	if l.L == nil {
		return slog.Default()
	}
	return l.L
}

func (Log) OnFrameUpdate(string, types.Frame) {}

func (l Log) OnSpeechStarted(id string) {
	l.logger().Debug("speech started", "character", id)
}

func (l Log) OnSpeechEnded(id string) {
	l.logger().Debug("speech ended", "character", id)
}

func (l Log) OnError(id string, err error) {
	l.logger().Warn("speech error", "character", id, "err", err)
}

func (l Log) OnSpeakerChanged(id string) {
	l.logger().Info("speaker changed", "character", id)
}

func (l Log) OnStateChanged(id, state string) {
	l.logger().Debug("state changed", "character", id, "state", state)
}
