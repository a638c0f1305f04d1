// Package audioout plays speech audio and reports the playback position the
// frame stepper synchronizes to.
//
// [Clock] is a device-less output that advances a wall clock for the length
// of each segment; it backs headless deployments and tests. The oto
// subpackage plays through the system audio device.
package audioout

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// Output starts playback of audio segments.
type Output interface {
	// Start begins playing seg and returns a handle to the running playback.
	// Cancelling ctx stops the playback.
	Start(ctx context.Context, seg *types.AudioSegment) (Playback, error)
}

// Playback is one running segment.
type Playback interface {
	// Position returns how much of the segment has been played.
	Position() time.Duration

	// Done is closed when the segment finished playing or was stopped.
	Done() <-chan struct{}

	// Pause suspends playback. The position stays where it is.
	Pause()

	// Resume continues a paused playback.
	Resume()

	// Paused reports whether the playback is paused.
	Paused() bool

	// Stop ends the playback immediately.
	Stop()
}

// ClockOption configures a [Clock].
type ClockOption func(*Clock)

// WithSpeed scales how fast the clock advances relative to wall time. A speed
// of 10 plays a one second segment in 100ms. Positions are still reported in
// audio time.
func WithSpeed(f float64) ClockOption {
	return func(c *Clock) {
		if f > 0 {
			c.speed = f
		}
	}
}

// Clock is an [Output] that produces no sound.
type Clock struct {
	speed float64

	mu     sync.Mutex
	starts int
}

var _ Output = (*Clock)(nil)

// NewClock returns a Clock.
func NewClock(opts ...ClockOption) *Clock {
	c := &Clock{speed: 1}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start implements [Output].
func (c *Clock) Start(ctx context.Context, seg *types.AudioSegment) (Playback, error) {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	return NewTimeline(ctx, seg.Duration(), c.speed), nil
}

// Starts returns how many segments were started.
func (c *Clock) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Timeline is a pausable wall-clock [Playback] of a fixed length. Device
// outputs embed it to track position while the device consumes samples.
type Timeline struct {
	length time.Duration
	speed  float64

	mu        sync.Mutex
	elapsed   time.Duration // audio time played before resumedAt
	resumedAt time.Time
	paused    bool
	timer     *time.Timer
	done      chan struct{}
	finished  bool
	onPause   func(paused bool)
}

var _ Playback = (*Timeline)(nil)

// NewTimeline starts a timeline of the given length. speed scales the clock
// as in [WithSpeed].
func NewTimeline(ctx context.Context, length time.Duration, speed float64) *Timeline {
	if speed <= 0 {
		speed = 1
	}
	t := &Timeline{
		length:    length,
		speed:     speed,
		resumedAt: time.Now(),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.arm(length)
	t.mu.Unlock()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.done:
			}
		}()
	}
	return t
}

// OnPause registers fn to be called, outside the timeline's lock, whenever
// the timeline is paused or resumed.
func (t *Timeline) OnPause(fn func(paused bool)) {
	t.mu.Lock()
	t.onPause = fn
	t.mu.Unlock()
}

// arm schedules completion after the given amount of audio time. Callers hold mu.
func (t *Timeline) arm(remaining time.Duration) {
	wall := time.Duration(float64(remaining) / t.speed)
	t.timer = time.AfterFunc(wall, t.finish)
}

func (t *Timeline) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	if !t.paused {
		t.elapsed += t.sinceResume()
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
}

func (t *Timeline) sinceResume() time.Duration {
	return time.Duration(float64(time.Since(t.resumedAt)) * t.speed)
}

// Position implements [Playback].
func (t *Timeline) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := t.elapsed
	if !t.paused && !t.finished {
		pos += t.sinceResume()
	}
	return min(pos, t.length)
}

// Done implements [Playback].
func (t *Timeline) Done() <-chan struct{} { return t.done }

// Pause implements [Playback].
func (t *Timeline) Pause() {
	t.mu.Lock()
	if t.paused || t.finished {
		t.mu.Unlock()
		return
	}
	t.timer.Stop()
	t.elapsed += t.sinceResume()
	t.paused = true
	fn := t.onPause
	t.mu.Unlock()
	if fn != nil {
		fn(true)
	}
}

// Resume implements [Playback].
func (t *Timeline) Resume() {
	t.mu.Lock()
	if !t.paused || t.finished {
		t.mu.Unlock()
		return
	}
	t.paused = false
	t.resumedAt = time.Now()
	t.arm(max(t.length-t.elapsed, 0))
	fn := t.onPause
	t.mu.Unlock()
	if fn != nil {
		fn(false)
	}
}

// Paused implements [Playback].
func (t *Timeline) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Stop implements [Playback].
func (t *Timeline) Stop() { t.finish() }
