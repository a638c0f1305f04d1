// Package pipeline runs the per-character speech pipeline: a generator that
// turns queued lines into audio and frames, and a player that plays finished
// items strictly in the order they were queued.
//
// The generator works one line at a time. Voice synthesis is the latency
// critical step, so as soon as a line has audio it is appended to the pending
// queue and the generator moves on to the next line while the line's
// animation is produced concurrently. The player only takes the head of the
// pending queue, and only once both its audio and its frames are ready, so
// lines finishing out of order never play out of order.
//
// Voice and animation engines are shared between characters; every call goes
// through the engine's [resqueue.Queue].
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/talkinghead/internal/audioout"
	"github.com/MrWong99/talkinghead/internal/character"
	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/internal/present"
	"github.com/MrWong99/talkinghead/internal/speechcache"
	"github.com/MrWong99/talkinghead/pkg/provider/animation"
	"github.com/MrWong99/talkinghead/pkg/provider/voice"
	"github.com/MrWong99/talkinghead/pkg/resqueue"
)

// Default player poll back-off bounds.
const (
	DefaultPollMin = 10 * time.Millisecond
	DefaultPollMax = 200 * time.Millisecond
)

// Hooks let the owner of a pipeline react to player transitions. Hooks run on
// the player goroutine and are never called concurrently with each other.
type Hooks struct {
	// BeforePlay is called when an item leaves the queue, right before its
	// audio starts.
	BeforePlay func(it *Item)

	// Drained is called when the player stops because the pending queue and
	// the generator are both empty.
	Drained func()
}

// Config holds the collaborators of a [Pipeline].
type Config struct {
	// CharacterID names the character in events and errors.
	CharacterID string

	// Voice and Animation are the shared engines, guarded by VoiceQueue and
	// AnimationQueue. Queues default to private ones when nil.
	Voice          voice.Engine
	Animation      animation.Engine
	VoiceQueue     *resqueue.Queue
	AnimationQueue *resqueue.Queue

	// Cache enables the speech cache when non-nil.
	Cache  *speechcache.Cache
	Hasher speechcache.Hasher

	// Output plays audio. Defaults to [audioout.NewClock].
	Output audioout.Output

	Sink    present.Sink
	Hooks   Hooks
	Logger  *slog.Logger
	Metrics *observe.Metrics

	// PollMin and PollMax bound the player's back-off while it waits for
	// the head item.
	PollMin time.Duration
	PollMax time.Duration
}

// Status is a snapshot of the pipeline.
type Status struct {
	// Lines is the number of queued lines the generator has not started.
	Lines int
	// Pending is the number of items waiting for the player.
	Pending int
	// Generating is true while the generator goroutine runs.
	Generating bool
	// Playing is true from the moment an item leaves the queue until its
	// audio has ended.
	Playing bool
	// Paused is true while playback is paused.
	Paused bool
	// Current is the item being played, if any.
	Current *Item
}

// QueueEmpty reports whether no work is queued or being generated.
func (s Status) QueueEmpty() bool {
	return s.Lines == 0 && s.Pending == 0 && !s.Generating
}

// Pipeline is the generator/player pair of one character. All methods are
// safe for concurrent use.
type Pipeline struct {
	cfg    Config
	log    *slog.Logger
	wake   chan struct{}
	hookMu sync.Mutex

	mu          sync.Mutex
	char        *character.Character
	lines       []line
	pending     []*Item
	genRunning  bool
	playRunning bool
	paused      bool
	closed      bool
	epoch       uint64
	runCtx      context.Context
	cancel      context.CancelFunc
	current     *Item
	playback    audioout.Playback
	wg          sync.WaitGroup
}

// New returns a pipeline. The character must be set with [Pipeline.SetCharacter]
// before requests are accepted.
func New(cfg Config) *Pipeline {
	if cfg.VoiceQueue == nil {
		cfg.VoiceQueue = resqueue.New(StageVoice)
	}
	if cfg.AnimationQueue == nil {
		cfg.AnimationQueue = resqueue.New(StageAnimation)
	}
	if cfg.Hasher == nil {
		cfg.Hasher = speechcache.SHA256Hasher{}
	}
	if cfg.Output == nil {
		cfg.Output = audioout.NewClock()
	}
	if cfg.Sink == nil {
		cfg.Sink = present.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.PollMin <= 0 {
		cfg.PollMin = DefaultPollMin
	}
	if cfg.PollMax < cfg.PollMin {
		cfg.PollMax = max(DefaultPollMax, cfg.PollMin)
	}
	p := &Pipeline{
		cfg:  cfg,
		log:  cfg.Logger.With("character", cfg.CharacterID),
		wake: make(chan struct{}, 1),
	}
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// SetCharacter installs the loaded character data.
func (p *Pipeline) SetCharacter(c *character.Character) {
	p.mu.Lock()
	p.char = c
	p.mu.Unlock()
}

// Character returns the loaded character, or nil.
func (p *Pipeline) Character() *character.Character {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.char
}

// Validate checks req against the loaded character without queueing it.
func (p *Pipeline) Validate(req Request) error {
	p.mu.Lock()
	c := p.char
	p.mu.Unlock()
	return p.validate(c, req)
}

func (p *Pipeline) validate(c *character.Character, req Request) error {
	id := p.cfg.CharacterID
	if c == nil {
		return &ValidationError{CharacterID: id, Line: -1, Err: ErrNotLoaded}
	}
	if len(req.Lines) == 0 {
		return &ValidationError{CharacterID: id, Line: -1, Err: ErrEmptyText}
	}
	for i, l := range req.Lines {
		if strings.TrimSpace(l) == "" {
			return &ValidationError{CharacterID: id, Line: i, Err: ErrEmptyText}
		}
	}
	if !c.HasExpression(req.Expression) {
		return &ValidationError{CharacterID: id, Line: -1, Err: ErrUnknownExpression}
	}
	return nil
}

// Enqueue validates req and appends its lines to the generator queue. The
// generator and player are started if they are not running. It returns the
// request ID.
func (p *Pipeline) Enqueue(req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	if err := p.validate(p.char, req); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now()
	for i, text := range req.Lines {
		p.lines = append(p.lines, line{
			requestID:  req.ID,
			index:      i,
			text:       text,
			expression: req.Expression,
			enqueued:   now,
		})
	}
	p.startLocked()
	return req.ID, nil
}

// startLocked starts the loops that are not running. Callers hold mu.
func (p *Pipeline) startLocked() {
	if !p.genRunning {
		p.genRunning = true
		p.wg.Add(1)
		go p.runGenerator(p.runCtx, p.epoch, p.char)
	}
	if !p.playRunning {
		p.playRunning = true
		p.wg.Add(1)
		go p.runPlayer(p.runCtx, p.epoch)
	}
}

// Pause pauses playback. It reports whether a clip was playing at the time.
func (p *Pipeline) Pause() (midClip bool) {
	p.mu.Lock()
	midClip = p.current != nil
	if p.paused {
		p.mu.Unlock()
		return midClip
	}
	p.paused = true
	pb := p.playback
	p.mu.Unlock()
	if pb != nil {
		pb.Pause()
	}
	return midClip
}

// Resume continues after [Pipeline.Pause].
func (p *Pipeline) Resume() {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	pb := p.playback
	p.mu.Unlock()
	if pb != nil {
		pb.Resume()
	}
	p.signal()
}

// Stop discards all queued lines and pending items and ends the current
// playback. Engine calls already running cannot be aborted; their results are
// dropped when they arrive.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	pb := p.stopLocked()
	p.mu.Unlock()
	if pb != nil {
		pb.Stop()
	}
}

func (p *Pipeline) stopLocked() audioout.Playback {
	p.epoch++
	p.cancel()
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.lines = nil
	p.pending = nil
	p.genRunning = false
	p.playRunning = false
	p.paused = false
	p.current = nil
	pb := p.playback
	p.playback = nil
	return pb
}

// Close stops the pipeline, rejects further requests and waits for its
// goroutines to exit.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pb := p.stopLocked()
	p.cancel()
	p.mu.Unlock()
	if pb != nil {
		pb.Stop()
	}
	p.wg.Wait()
	return nil
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Lines:      len(p.lines),
		Pending:    len(p.pending),
		Generating: p.genRunning,
		Playing:    p.current != nil,
		Paused:     p.paused,
		Current:    p.current,
	}
}

// Active reports whether the generator or the player is running.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.genRunning || p.playRunning
}

// signal wakes the player.
func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// stale reports whether epoch has been superseded by a Stop.
func (p *Pipeline) stale(epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch != epoch
}

func (p *Pipeline) reportError(ctx context.Context, err *EngineError) {
	p.cfg.Metrics.RecordEngineError(ctx, err.Stage)
	p.log.Warn("line failed",
		"stage", err.Stage,
		"request", err.RequestID,
		"line", err.Line,
		"err", err.Err,
	)
	p.cfg.Sink.OnError(p.cfg.CharacterID, err)
}
