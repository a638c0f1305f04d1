package playback

import (
	"context"
	"time"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// pingPongIndex maps a monotonically increasing step to a frame index that
// walks 0..n-1 and back without showing either boundary frame twice in a row.
// For n=3 the sequence is 0 1 2 1 0 1 2 1 ...
func pingPongIndex(step, n int) int {
	if n <= 1 {
		return 0
	}
	period := 2 * (n - 1)
	k := step % period
	if k < n {
		return k
	}
	return period - k
}

// idleLoop renders the idle animation until stopped.
type idleLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startIdleLocked starts the idle animation from its first frame. Callers
// hold c.mu.
func (c *Controller) startIdleLocked() {
	c.stopIdleLocked()
	frames := c.idleFramesLocked()
	if len(frames) == 0 {
		return
	}
	fps := c.char.IdleFPS
	if fps <= 0 {
		fps = c.idleFPS
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &idleLoop{cancel: cancel, done: make(chan struct{})}
	c.idle = loop
	go func() {
		defer close(loop.done)
		c.renderIdle(frames[0])
		if len(frames) == 1 {
			return
		}
		tick := time.NewTicker(time.Second / time.Duration(fps))
		defer tick.Stop()
		for step := 1; ; step++ {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			// A tick and a cancellation can be ready together.
			if ctx.Err() != nil {
				return
			}
			c.renderIdle(frames[pingPongIndex(step, len(frames))])
		}
	}()
}

// idleFramesLocked returns the idle frame set, falling back to the still
// image. Callers hold c.mu.
func (c *Controller) idleFramesLocked() []types.Frame {
	if c.char == nil {
		return nil
	}
	if len(c.char.IdleFrames) > 0 {
		return c.char.IdleFrames
	}
	if !c.char.Image.IsZero() {
		return []types.Frame{c.char.Image}
	}
	return nil
}

// stopIdleLocked stops the idle animation and waits for its goroutine, so no
// idle frame is rendered after it returns. It reports whether the loop was
// running. Callers hold c.mu; the loop never takes it.
func (c *Controller) stopIdleLocked() bool {
	if c.idle == nil {
		return false
	}
	c.idle.cancel()
	<-c.idle.done
	c.idle = nil
	return true
}

func (c *Controller) renderIdle(f types.Frame) {
	c.sink.OnFrameUpdate(c.id, f)
}
