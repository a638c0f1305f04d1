package pipeline

import (
	"errors"
	"fmt"

	"github.com/MrWong99/talkinghead/internal/character"
)

var (
	// ErrEmptyText is returned for a request without lines or with a blank line.
	ErrEmptyText = errors.New("pipeline: empty text")

	// ErrNotLoaded is returned when the character has not been loaded yet.
	ErrNotLoaded = errors.New("pipeline: character not loaded")

	// ErrUnknownExpression is returned for an expression the character does not have.
	ErrUnknownExpression = character.ErrUnknownExpression

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("pipeline: closed")
)

// ValidationError reports a request rejected before any resource was acquired.
// It wraps one of [ErrEmptyText], [ErrNotLoaded] or [ErrUnknownExpression].
type ValidationError struct {
	CharacterID string
	Line        int // -1 when the error is not about a single line
	Err         error
}

func (e *ValidationError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("pipeline: invalid request for %q, line %d: %v", e.CharacterID, e.Line, e.Err)
	}
	return fmt.Sprintf("pipeline: invalid request for %q: %v", e.CharacterID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Engine stages reported in [EngineError.Stage].
const (
	StageVoice     = "voice"
	StageAnimation = "animation"
	StageOutput    = "output"
)

// EngineError reports a failed generation or playback step for one line. The
// line is skipped; the rest of the queue continues.
type EngineError struct {
	Stage       string
	CharacterID string
	RequestID   string
	Line        int
	Text        string
	Err         error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("pipeline: %s failed for %s line %d (%q): %v", e.Stage, e.CharacterID, e.Line, e.Text, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
