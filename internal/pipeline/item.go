package pipeline

import (
	"sync"
	"time"

	"github.com/MrWong99/talkinghead/internal/speechcache"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// Request is one queued utterance: ordered lines spoken with one expression.
type Request struct {
	// ID identifies the request in events and errors. Assigned by Enqueue
	// when empty.
	ID         string
	Lines      []string
	Expression types.Expression
}

// line is one unit of generator work.
type line struct {
	requestID  string
	index      int
	text       string
	expression types.Expression
	enqueued   time.Time
}

// Item correlates the audio and the (possibly still filling) frames of one
// line. Items are created by the generator once audio exists and consumed by
// the player in creation order.
type Item struct {
	ID         string
	RequestID  string
	Line       int
	Text       string
	Expression types.Expression
	Key        speechcache.Key

	enqueued time.Time

	mu             sync.Mutex
	audio          *types.AudioSegment
	frames         []types.Frame
	expected       int
	audioReady     bool
	animationReady bool
	failed         bool
	err            error
}

// Audio returns the line's audio, or nil before it is ready.
func (it *Item) Audio() *types.AudioSegment {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.audio
}

// Frames returns a copy of the frames collected so far.
func (it *Item) Frames() []types.Frame {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]types.Frame, len(it.frames))
	copy(out, it.frames)
	return out
}

// FrameCount returns how many frames have been collected.
func (it *Item) FrameCount() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.frames)
}

// AudioReady reports whether the audio is available.
func (it *Item) AudioReady() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.audioReady
}

// AnimationReady reports whether all frames have been collected.
func (it *Item) AnimationReady() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.animationReady
}

// Ready reports whether the item can leave the queue.
func (it *Item) Ready() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.audioReady && it.animationReady
}

// Failed reports whether generation failed. A failed item is ready but empty
// and is skipped by the player.
func (it *Item) Failed() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.failed
}

// Err returns the generation error of a failed item.
func (it *Item) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Progress returns the fraction of expected frames collected so far, in
// [0, 1]. The expected count is advisory; a ready item always reports 1.
func (it *Item) Progress() float64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	switch {
	case it.animationReady:
		return 1
	case it.expected <= 0:
		return 0
	}
	return min(float64(len(it.frames))/float64(it.expected), 1)
}

func (it *Item) setAudio(seg *types.AudioSegment) {
	it.mu.Lock()
	it.audio = seg
	it.audioReady = true
	it.mu.Unlock()
}

func (it *Item) setExpected(n int) {
	it.mu.Lock()
	it.expected = n
	it.mu.Unlock()
}

func (it *Item) appendFrame(f types.Frame) {
	it.mu.Lock()
	it.frames = append(it.frames, f)
	it.mu.Unlock()
}

func (it *Item) resetFrames() {
	it.mu.Lock()
	it.frames = nil
	it.expected = 0
	it.mu.Unlock()
}

func (it *Item) finishAnimation() {
	it.mu.Lock()
	it.animationReady = true
	it.mu.Unlock()
}

// fail marks the item ready-but-empty.
func (it *Item) fail(err error) {
	it.mu.Lock()
	it.failed = true
	it.err = err
	it.audioReady = true
	it.animationReady = true
	it.frames = nil
	it.mu.Unlock()
}
