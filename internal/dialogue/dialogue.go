// Package dialogue sequences turns across several characters.
//
// An [Orchestrator] holds one [Speaker] per character and a single ordered
// queue of [Turn]s. [Orchestrator.Run] forwards one turn at a time and waits
// until the speaking character has finished before it starts the next, so
// turns never overlap. Whenever the speaking character changes, the previous
// speaker is stopped and the sink receives OnSpeakerChanged.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/talkinghead/internal/playback"
	"github.com/MrWong99/talkinghead/internal/pipeline"
	"github.com/MrWong99/talkinghead/internal/present"
	"github.com/MrWong99/talkinghead/pkg/types"
)

var (
	// ErrUnknownCharacter is returned for turns naming an unregistered character.
	ErrUnknownCharacter = errors.New("dialogue: unknown character")

	// ErrDuplicate is returned by Register for an ID that is already registered.
	ErrDuplicate = errors.New("dialogue: character already registered")

	// ErrRunning is returned by Run when another Run call is active.
	ErrRunning = errors.New("dialogue: already running")
)

// Default wait back-off bounds.
const (
	DefaultPollMin = 10 * time.Millisecond
	DefaultPollMax = 200 * time.Millisecond
)

// Speaker is a character that can take a turn. [*playback.Controller]
// implements it.
type Speaker interface {
	ID() string
	Enqueue(req pipeline.Request) (string, error)
	Stop()
	Status() playback.Status
}

// Turn is one character's uninterrupted span of dialogue.
type Turn struct {
	CharacterID string
	Text        string
	Expression  types.Expression
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSink sets the sink that receives OnSpeakerChanged and turn errors.
func WithSink(s present.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithPoll sets the back-off bounds used while waiting for a turn to end.
func WithPoll(lo, hi time.Duration) Option {
	return func(o *Orchestrator) {
		if lo > 0 {
			o.pollMin = lo
		}
		if hi >= o.pollMin {
			o.pollMax = hi
		}
	}
}

// Orchestrator runs turns strictly one after another. All methods are safe
// for concurrent use.
type Orchestrator struct {
	sink    present.Sink
	log     *slog.Logger
	pollMin time.Duration
	pollMax time.Duration
	wake    chan struct{}

	mu       sync.Mutex
	speakers map[string]Speaker
	turns    []Turn
	active   string
	running  bool
}

// New returns an empty orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sink:     present.Nop{},
		log:      slog.Default(),
		pollMin:  DefaultPollMin,
		pollMax:  DefaultPollMax,
		wake:     make(chan struct{}, 1),
		speakers: make(map[string]Speaker),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds s under its ID.
func (o *Orchestrator) Register(s Speaker) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.speakers[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID())
	}
	o.speakers[s.ID()] = s
	return nil
}

// Unregister removes the speaker with id. Queued turns for it are skipped
// when they come up.
func (o *Orchestrator) Unregister(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.speakers, id)
	if o.active == id {
		o.active = ""
	}
}

// Speakers returns the registered speaker IDs.
func (o *Orchestrator) Speakers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.speakers))
	for id := range o.speakers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Enqueue appends turns to the queue. Either all turns are queued or, if one
// names an unknown character or has no text, none are.
func (o *Orchestrator) Enqueue(turns ...Turn) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, t := range turns {
		if _, ok := o.speakers[t.CharacterID]; !ok {
			return fmt.Errorf("turn %d: %w: %q", i, ErrUnknownCharacter, t.CharacterID)
		}
		if strings.TrimSpace(t.Text) == "" {
			return &pipeline.ValidationError{CharacterID: t.CharacterID, Line: -1, Err: pipeline.ErrEmptyText}
		}
	}
	o.turns = append(o.turns, turns...)
	o.signal()
	return nil
}

// Clear drops all queued turns and returns how many were dropped. The turn
// in progress is not interrupted.
func (o *Orchestrator) Clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.turns)
	o.turns = nil
	return n
}

// Pending returns the number of queued turns.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}

// Active returns the ID of the current speaker, or "" before the first turn.
func (o *Orchestrator) Active() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Run processes turns until ctx is cancelled. It returns nil on cancellation
// and [ErrRunning] if called while another Run is active.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	for {
		turn, ok := o.next()
		if !ok {
			select {
			case <-o.wake:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if o.take(ctx, turn) != nil {
			return nil
		}
	}
}

func (o *Orchestrator) next() (Turn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.turns) == 0 {
		return Turn{}, false
	}
	t := o.turns[0]
	o.turns = o.turns[1:]
	return t, true
}

// take plays one turn. It only returns an error when ctx is done.
//
// When the speaker changes, the previous speaker is stopped only if it still
// has something to say, such as a request queued on it directly. A speaker
// that already finished is left alone so its idle loop is not restarted.
func (o *Orchestrator) take(ctx context.Context, t Turn) error {
	o.mu.Lock()
	s, ok := o.speakers[t.CharacterID]
	if !ok {
		o.mu.Unlock()
		o.log.Warn("skipping turn for unregistered character", "character", t.CharacterID)
		return nil
	}
	var prev Speaker
	changed := o.active != t.CharacterID
	if changed {
		prev = o.speakers[o.active]
		o.active = t.CharacterID
	}
	o.mu.Unlock()

	if changed {
		if prev != nil && !prev.Status().Done() {
			prev.Stop()
		}
		o.sink.OnSpeakerChanged(t.CharacterID)
	}

	if _, err := s.Enqueue(pipeline.Request{Lines: []string{t.Text}, Expression: t.Expression}); err != nil {
		o.log.Warn("turn rejected", "character", t.CharacterID, "err", err)
		o.sink.OnError(t.CharacterID, err)
		return nil
	}
	return o.wait(ctx, s)
}

// wait blocks until s has nothing left to say.
func (o *Orchestrator) wait(ctx context.Context, s Speaker) error {
	backoff := o.pollMin
	for !s.Status().Done() {
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = min(backoff*2, o.pollMax)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

var _ Speaker = (*playback.Controller)(nil)
