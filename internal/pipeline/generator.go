package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/talkinghead/internal/character"
	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/internal/speechcache"
	"github.com/MrWong99/talkinghead/pkg/framestream"
	"github.com/MrWong99/talkinghead/pkg/types"
)

var errStale = errors.New("pipeline: stopped")

// animJob is the animation half of one line.
type animJob struct {
	item         *Item
	audio        *types.AudioSegment
	storeAudio   bool // audio came from the engine and is not cached yet
	framesCached bool
}

// animQueue is an unbounded in-order hand-off from the generator to its
// animation worker, so voice synthesis of the next line never waits for the
// animation of the previous one.
type animQueue struct {
	mu     sync.Mutex
	jobs   []animJob
	closed bool
	signal chan struct{}
}

func newAnimQueue() *animQueue {
	return &animQueue{signal: make(chan struct{}, 1)}
}

func (q *animQueue) push(j animJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	q.notify()
}

func (q *animQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *animQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a job is available. ok is false once the queue is closed
// and empty.
func (q *animQueue) pop() (animJob, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return j, true
		}
		if q.closed {
			q.mu.Unlock()
			return animJob{}, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (p *Pipeline) runGenerator(ctx context.Context, epoch uint64, c *character.Character) {
	defer p.wg.Done()

	jobs := newAnimQueue()
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		for {
			j, ok := jobs.pop()
			if !ok {
				return
			}
			p.animate(ctx, epoch, c, j)
		}
	}()

	for {
		l, ok := p.nextLine(epoch)
		if !ok {
			break
		}
		p.generate(ctx, epoch, c, l, jobs)
	}
	jobs.close()
	worker.Wait()
	p.signal()
}

// nextLine pops the next queued line. When none is left the generator is
// marked as stopped under the same lock, so a concurrent Enqueue starts a new
// one.
func (p *Pipeline) nextLine(epoch uint64) (line, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return line{}, false
	}
	if len(p.lines) == 0 {
		p.genRunning = false
		return line{}, false
	}
	l := p.lines[0]
	p.lines = p.lines[1:]
	return l, true
}

// push appends it to the pending queue unless the pipeline was stopped since
// the work started.
func (p *Pipeline) push(epoch uint64, it *Item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return false
	}
	p.pending = append(p.pending, it)
	return true
}

func (p *Pipeline) generate(ctx context.Context, epoch uint64, c *character.Character, l line, jobs *animQueue) {
	it := &Item{
		ID:         uuid.NewString(),
		RequestID:  l.requestID,
		Line:       l.index,
		Text:       l.text,
		Expression: l.expression,
		Key:        p.cfg.Hasher.Hash(l.text, c.ID, l.expression),
		enqueued:   l.enqueued,
	}

	seg, framesCached := p.cachedAudio(ctx, it.Key)
	fromCache := seg != nil
	if seg == nil {
		var err error
		seg, err = p.synthesize(ctx, c, l.text)
		if err == nil && seg.Empty() {
			err = errors.New("voice engine returned no audio")
		}
		if err != nil {
			if ctx.Err() != nil || p.stale(epoch) {
				return
			}
			it.fail(err)
			if p.push(epoch, it) {
				p.reportError(ctx, &EngineError{
					Stage:       StageVoice,
					CharacterID: p.cfg.CharacterID,
					RequestID:   l.requestID,
					Line:        l.index,
					Text:        l.text,
					Err:         err,
				})
				p.signal()
			}
			return
		}
	}

	it.setAudio(seg)
	if l.expression.IsVoiceOnly() {
		it.finishAnimation()
		if !p.push(epoch, it) {
			return
		}
		p.signal()
		if !fromCache {
			p.store(it, seg, nil)
		}
		return
	}
	if !p.push(epoch, it) {
		return
	}
	jobs.push(animJob{item: it, audio: seg, storeAudio: !fromCache, framesCached: framesCached})
}

// cachedAudio returns the cached audio for key, or nil on a miss. Read
// failures are logged and treated as a miss.
func (p *Pipeline) cachedAudio(ctx context.Context, key speechcache.Key) (*types.AudioSegment, bool) {
	if p.cfg.Cache == nil {
		return nil, false
	}
	ok, loc := p.cfg.Cache.Exists(key)
	if !ok {
		return nil, false
	}
	seg, err := p.cfg.Cache.LoadAudio(ctx, key)
	if err != nil {
		p.log.Warn("speech cache read failed, regenerating", "key", key.String(), "err", err)
		return nil, false
	}
	return seg, loc.HasFrames()
}

func (p *Pipeline) synthesize(ctx context.Context, c *character.Character, text string) (*types.AudioSegment, error) {
	var seg *types.AudioSegment
	start := time.Now()
	err := p.cfg.VoiceQueue.Do(ctx, func(ctx context.Context) error {
		ctx, span := observe.StartEngineSpan(ctx, StageVoice, c.ID)
		var err error
		seg, err = p.cfg.Voice.GenerateSpeech(ctx, text, c.Voice)
		observe.EndSpan(span, err)
		return err
	})
	p.cfg.Metrics.VoiceDuration.Record(ctx, time.Since(start).Seconds())
	return seg, err
}

func (p *Pipeline) animate(ctx context.Context, epoch uint64, c *character.Character, j animJob) {
	it := j.item
	start := time.Now()

	if j.framesCached {
		err := p.cachedFrames(ctx, epoch, it)
		if err == nil {
			it.finishAnimation()
			p.signal()
			if j.storeAudio {
				p.store(it, j.audio, nil)
			}
			return
		}
		if errors.Is(err, errStale) || ctx.Err() != nil {
			return
		}
		p.log.Warn("speech cache frames unreadable, regenerating", "key", it.Key.String(), "err", err)
		it.resetFrames()
	}

	avatar, err := c.Avatar(it.Expression)
	if err == nil {
		err = p.cfg.AnimationQueue.Do(ctx, func(ctx context.Context) error {
			ctx, span := observe.StartEngineSpan(ctx, StageAnimation, c.ID)
			err := p.render(ctx, epoch, it, avatar, j.audio)
			observe.EndSpan(span, err)
			return err
		})
	}
	p.cfg.Metrics.AnimationDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, errStale) || ctx.Err() != nil || p.stale(epoch) {
			return
		}
		it.fail(err)
		p.reportError(ctx, &EngineError{
			Stage:       StageAnimation,
			CharacterID: p.cfg.CharacterID,
			RequestID:   it.RequestID,
			Line:        it.Line,
			Text:        it.Text,
			Err:         err,
		})
		p.signal()
		return
	}

	it.finishAnimation()
	p.signal()
	var audio *types.AudioSegment
	if j.storeAudio {
		audio = j.audio
	}
	p.store(it, audio, it.Frames())
}

// render runs the animation engine and drains its stream into it. It runs
// inside the animation queue so the engine is held until the last frame.
func (p *Pipeline) render(ctx context.Context, epoch uint64, it *Item, avatar *types.AvatarData, audio *types.AudioSegment) error {
	s, err := p.cfg.Animation.Generate(ctx, avatar, audio)
	if err != nil {
		return err
	}
	return p.collect(ctx, epoch, it, s)
}

func (p *Pipeline) cachedFrames(ctx context.Context, epoch uint64, it *Item) error {
	s, err := p.cfg.Cache.LoadFrames(ctx, it.Key)
	if err != nil {
		return err
	}
	return p.collect(ctx, epoch, it, s)
}

// collect drains s into it. The expected count is refreshed per frame since
// remote engines only learn it after the stream has started.
func (p *Pipeline) collect(ctx context.Context, epoch uint64, it *Item, s *framestream.Stream) error {
	it.setExpected(s.TotalExpectedFrames())
	return framestream.Drain(ctx, s, func(f types.Frame) error {
		if p.stale(epoch) {
			return errStale
		}
		it.appendFrame(f)
		it.setExpected(s.TotalExpectedFrames())
		return nil
	})
}

// store persists freshly generated parts of it in the background.
func (p *Pipeline) store(it *Item, audio *types.AudioSegment, frames []types.Frame) {
	if p.cfg.Cache == nil || (audio == nil && len(frames) == 0) {
		return
	}
	p.cfg.Cache.StoreAsync(speechcache.Entry{
		Key:         it.Key,
		CharacterID: p.cfg.CharacterID,
		Text:        it.Text,
		Expression:  it.Expression,
	}, audio, frames)
}
