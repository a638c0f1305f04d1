// Package mock provides a recording [present.Sink] for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/talkinghead/internal/present"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// Kind names an event type.
type Kind string

const (
	KindFrame          Kind = "frame"
	KindSpeechStarted  Kind = "speech_started"
	KindSpeechEnded    Kind = "speech_ended"
	KindError          Kind = "error"
	KindSpeakerChanged Kind = "speaker_changed"
	KindStateChanged   Kind = "state_changed"
)

// Event is one recorded sink call.
type Event struct {
	Kind        Kind
	CharacterID string
	Frame       types.Frame
	Err         error
	State       string
}

// Sink records every event in arrival order. It is safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

var _ present.Sink = (*Sink)(nil)

// New returns an empty recorder.
func New() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

func (s *Sink) record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sink) OnFrameUpdate(id string, f types.Frame) {
	s.record(Event{Kind: KindFrame, CharacterID: id, Frame: f})
}

func (s *Sink) OnSpeechStarted(id string) {
	s.record(Event{Kind: KindSpeechStarted, CharacterID: id})
}

func (s *Sink) OnSpeechEnded(id string) {
	s.record(Event{Kind: KindSpeechEnded, CharacterID: id})
}

func (s *Sink) OnError(id string, err error) {
	s.record(Event{Kind: KindError, CharacterID: id, Err: err})
}

func (s *Sink) OnSpeakerChanged(id string) {
	s.record(Event{Kind: KindSpeakerChanged, CharacterID: id})
}

func (s *Sink) OnStateChanged(id, state string) {
	s.record(Event{Kind: KindStateChanged, CharacterID: id, State: state})
}

// Events returns a copy of all recorded events.
func (s *Sink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Of returns the recorded events of kind k.
func (s *Sink) Of(k Kind) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of kind k were recorded.
func (s *Sink) Count(k Kind) int { return len(s.Of(k)) }

// Errors returns the errors passed to OnError.
func (s *Sink) Errors() []error {
	var out []error
	for _, e := range s.Of(KindError) {
		out = append(out, e.Err)
	}
	return out
}

// Changed returns a channel that receives a value after new events arrive.
func (s *Sink) Changed() <-chan struct{} { return s.notify }

// Reset clears all recorded events.
func (s *Sink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}
