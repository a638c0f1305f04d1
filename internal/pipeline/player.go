package pipeline

import (
	"context"
	"time"

	"github.com/MrWong99/talkinghead/internal/audioout"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// Frame stepping resolution bounds.
const (
	minFrameTick = 2 * time.Millisecond
	maxFrameTick = 20 * time.Millisecond
)

type headState int

const (
	headWait headState = iota
	headReady
	headDrained
	headStale
)

func (p *Pipeline) runPlayer(ctx context.Context, epoch uint64) {
	defer p.wg.Done()

	backoff := p.cfg.PollMin
	for {
		// hookMu keeps Drained of this player and BeforePlay of a player
		// started right after it from interleaving.
		p.hookMu.Lock()
		it, state := p.head(epoch)
		if state == headDrained && p.cfg.Hooks.Drained != nil {
			p.cfg.Hooks.Drained()
		}
		p.hookMu.Unlock()

		switch state {
		case headStale, headDrained:
			return
		case headWait:
			timer := time.NewTimer(backoff)
			select {
			case <-p.wake:
				backoff = p.cfg.PollMin
			case <-timer.C:
				backoff = min(backoff*2, p.cfg.PollMax)
			case <-ctx.Done():
				timer.Stop()
				return
			}
			timer.Stop()
			continue
		}

		backoff = p.cfg.PollMin
		if it.Failed() {
			p.cfg.Metrics.RecordSegment(ctx, p.cfg.CharacterID, false)
			p.log.Debug("skipping failed line", "request", it.RequestID, "line", it.Line)
			continue
		}
		p.play(ctx, epoch, it)
	}
}

// head pops the head item if it is ready to play.
func (p *Pipeline) head(epoch uint64) (*Item, headState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return nil, headStale
	}
	if p.paused {
		return nil, headWait
	}
	if len(p.pending) == 0 {
		if !p.genRunning {
			p.playRunning = false
			return nil, headDrained
		}
		return nil, headWait
	}
	it := p.pending[0]
	if !it.Ready() {
		return nil, headWait
	}
	p.pending[0] = nil
	p.pending = p.pending[1:]
	if !it.Failed() {
		p.current = it
	}
	return it, headReady
}

func (p *Pipeline) play(ctx context.Context, epoch uint64, it *Item) {
	id := p.cfg.CharacterID

	p.hookMu.Lock()
	if p.stale(epoch) {
		p.hookMu.Unlock()
		return
	}
	if p.cfg.Hooks.BeforePlay != nil {
		p.cfg.Hooks.BeforePlay(it)
	}
	p.hookMu.Unlock()

	audio := it.Audio()
	pb, err := p.cfg.Output.Start(ctx, audio)
	if err != nil {
		p.clearCurrent(epoch)
		if !p.stale(epoch) {
			p.reportError(ctx, &EngineError{
				Stage:       StageOutput,
				CharacterID: id,
				RequestID:   it.RequestID,
				Line:        it.Line,
				Text:        it.Text,
				Err:         err,
			})
		}
		return
	}

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		pb.Stop()
		return
	}
	p.playback = pb
	if p.paused {
		pb.Pause()
	}
	p.mu.Unlock()

	p.cfg.Metrics.SpeechLatency.Record(ctx, time.Since(it.enqueued).Seconds())
	p.cfg.Sink.OnSpeechStarted(id)

	finished := p.step(ctx, epoch, pb, it.Frames(), audio.Duration())

	p.clearCurrent(epoch)
	if !finished {
		return
	}
	p.cfg.Sink.OnSpeechEnded(id)
	p.cfg.Metrics.RecordSegment(ctx, id, true)
}

// step shows frames in sync with the playback position until the audio ends.
// Frames are spread evenly over the clip: frame i is due at i*duration/n.
// Every frame is delivered once and in order, even when a tick comes late.
// It reports whether playback ran to the end without being stopped.
func (p *Pipeline) step(ctx context.Context, epoch uint64, pb audioout.Playback, frames []types.Frame, duration time.Duration) bool {
	id := p.cfg.CharacterID
	n := len(frames)
	next := 0
	showUpTo := func(i int) {
		for ; next <= i && next < n; next++ {
			p.cfg.Sink.OnFrameUpdate(id, frames[next])
			frames[next] = types.Frame{}
		}
	}

	if n == 0 || duration <= 0 {
		select {
		case <-pb.Done():
			return !p.stale(epoch)
		case <-ctx.Done():
			return false
		}
	}

	interval := duration / time.Duration(n)
	tick := time.NewTicker(min(max(interval/2, minFrameTick), maxFrameTick))
	defer tick.Stop()

	showUpTo(0)
	for {
		select {
		case <-pb.Done():
			if p.stale(epoch) {
				return false
			}
			showUpTo(n - 1)
			return true
		case <-ctx.Done():
			return false
		case <-tick.C:
			if pb.Paused() || interval <= 0 {
				continue
			}
			showUpTo(int(pb.Position() / interval))
		}
	}
}

func (p *Pipeline) clearCurrent(epoch uint64) {
	p.mu.Lock()
	if p.epoch == epoch {
		p.current = nil
		p.playback = nil
	}
	p.mu.Unlock()
}
