// Package playback wraps a character's speech pipeline in a state machine
// that owns the idle animation.
//
// A [Controller] starts in [Uninitialized], moves through [Loading] to [Idle]
// once its character is loaded, and switches between [Idle], [Speaking] and
// [Paused] as requests are queued, played and paused. While the character is
// idle it loops its idle frames. The idle loop keeps running after a request
// is queued until the first line is ready to play; it is then stopped, the
// final frame of the idle set is shown as a transition and speech begins. When the
// queue drains the controller returns to [Idle] and restarts the idle loop at
// its first frame.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/talkinghead/internal/character"
	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/internal/pipeline"
	"github.com/MrWong99/talkinghead/internal/present"
)

// DefaultIdleFPS is the idle animation rate for characters that do not set one.
const DefaultIdleFPS = 12

// Option configures a [Controller].
type Option func(*Controller)

// WithIdleFPS sets the fallback idle frame rate.
func WithIdleFPS(fps int) Option {
	return func(c *Controller) {
		if fps > 0 {
			c.idleFPS = fps
		}
	}
}

// Status is a snapshot of a controller.
type Status struct {
	State State
	// QueueEmpty is true when no line is queued, pending or being generated.
	QueueEmpty bool
	// Playing is true while a line is being played.
	Playing bool
}

// Done reports whether the controller has nothing left to say.
func (s Status) Done() bool { return s.QueueEmpty && !s.Playing }

// Controller is the playback state machine of one character. All methods are
// safe for concurrent use.
type Controller struct {
	id      string
	store   character.Store
	sink    present.Sink
	log     *slog.Logger
	metrics *observe.Metrics
	idleFPS int
	pipe    *pipeline.Pipeline

	mu      sync.Mutex
	state   State
	char    *character.Character
	midClip bool
	idle    *idleLoop
}

// New returns a controller for character id. cfg describes the engines and
// outputs of the underlying pipeline; its CharacterID and Hooks are owned by
// the controller and overwritten.
func New(id string, store character.Store, cfg pipeline.Config, opts ...Option) *Controller {
	if cfg.Sink == nil {
		cfg.Sink = present.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := &Controller{
		id:      id,
		store:   store,
		sink:    cfg.Sink,
		log:     cfg.Logger.With("character", id),
		metrics: cfg.Metrics,
		idleFPS: DefaultIdleFPS,
	}
	for _, o := range opts {
		o(c)
	}
	cfg.CharacterID = id
	cfg.Hooks = pipeline.Hooks{
		BeforePlay: c.beforePlay,
		Drained:    c.drained,
	}
	c.pipe = pipeline.New(cfg)
	return c
}

// ID returns the character ID.
func (c *Controller) ID() string { return c.id }

// Character returns the loaded character, or nil.
func (c *Controller) Character() *character.Character {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.char
}

// Load fetches the character from the store and enters [Idle]. Loading an
// already loaded controller is a no-op. A failed load returns the controller
// to [Uninitialized] so it can be retried.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Stopped:
		c.mu.Unlock()
		return fmt.Errorf("playback: load %s: %w", c.id, pipeline.ErrClosed)
	case Uninitialized:
	default:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(Loading)
	c.mu.Unlock()

	ch, err := c.store.Load(ctx, c.id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Loading {
		// Closed while loading.
		return fmt.Errorf("playback: load %s: %w", c.id, pipeline.ErrClosed)
	}
	if err != nil {
		c.setStateLocked(Uninitialized)
		return fmt.Errorf("playback: load %s: %w", c.id, err)
	}
	c.char = ch
	c.pipe.SetCharacter(ch)
	c.metrics.ActiveCharacters.Add(ctx, 1)
	c.setStateLocked(Idle)
	c.startIdleLocked()
	c.log.Info("character loaded",
		"name", ch.Name,
		"expressions", len(ch.Expressions),
		"idle_frames", len(ch.IdleFrames),
	)
	return nil
}

// Enqueue validates req and queues it for playback. An idle controller
// becomes [Speaking]; the idle animation keeps running until the first line
// is ready.
func (c *Controller) Enqueue(req pipeline.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return "", pipeline.ErrClosed
	}
	id, err := c.pipe.Enqueue(req)
	if err != nil {
		return "", err
	}
	if c.state == Idle {
		c.setStateLocked(Speaking)
	}
	return id, nil
}

// Pause pauses speech and the idle animation. Pausing a paused or unloaded
// controller does nothing.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle && c.state != Speaking {
		return
	}
	c.midClip = c.pipe.Pause()
	c.stopIdleLocked()
	c.setStateLocked(Paused)
}

// Resume continues after [Controller.Pause]. The controller returns to
// [Speaking] when it was paused in the middle of a line and to [Idle]
// otherwise.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return
	}
	c.pipe.Resume()
	if c.midClip {
		c.setStateLocked(Speaking)
		return
	}
	c.setStateLocked(Idle)
	c.startIdleLocked()
}

// Stop discards queued and pending lines, ends the current line and returns
// to [Idle]. Engine calls in flight finish in the background and their
// results are dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Loaded() {
		return
	}
	c.pipe.Stop()
	c.midClip = false
	if c.state != Idle {
		c.setStateLocked(Idle)
	}
	c.startIdleLocked()
}

// Close stops the controller for good and waits for its goroutines.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return nil
	}
	wasLoaded := c.state.Loaded()
	c.stopIdleLocked()
	c.setStateLocked(Stopped)
	c.mu.Unlock()

	// The pipeline's player may be waiting for mu inside a hook.
	err := c.pipe.Close()
	if wasLoaded {
		c.metrics.ActiveCharacters.Add(context.Background(), -1)
	}
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller and its pipeline.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	ps := c.pipe.Status()
	return Status{State: st, QueueEmpty: ps.QueueEmpty(), Playing: ps.Playing}
}

// Pipeline returns the underlying pipeline.
func (c *Controller) Pipeline() *pipeline.Pipeline { return c.pipe }

// setStateLocked records s and publishes it. Callers hold mu.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state change", "from", c.state.String(), "to", s.String())
	c.state = s
	c.sink.OnStateChanged(c.id, s.String())
}

// beforePlay runs on the player right before a line starts. A Stop may land
// between the player's epoch check and c.mu; the item is then no longer
// current and the hook leaves the idle state alone.
func (c *Controller) beforePlay(it *pipeline.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe.Status().Current != it {
		return
	}
	if c.stopIdleLocked() {
		if frames := c.idleFramesLocked(); len(frames) > 0 {
			c.sink.OnFrameUpdate(c.id, frames[len(frames)-1])
		}
	}
	switch c.state {
	case Idle:
		c.setStateLocked(Speaking)
	case Paused:
		// Paused between dequeue and start; the line starts paused.
		c.midClip = true
	}
}

// drained runs on the player once every queued line has been handled.
func (c *Controller) drained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Speaking {
		return
	}
	// A request queued while the player was shutting down has already
	// started a new one.
	if !c.pipe.Status().QueueEmpty() {
		return
	}
	c.setStateLocked(Idle)
	c.startIdleLocked()
}
