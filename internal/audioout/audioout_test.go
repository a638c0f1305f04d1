package audioout

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/talkinghead/pkg/types"
)

func segment(d time.Duration) *types.AudioSegment {
	samples := int(d.Seconds() * 16000)
	return &types.AudioSegment{PCM: make([]byte, samples*2), SampleRate: 16000, Channels: 1}
}

func TestClock_PlaysForSegmentLength(t *testing.T) {
	t.Parallel()
	c := NewClock()
	start := time.Now()
	p, err := c.Start(context.Background(), segment(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback never finished")
	}
	if el := time.Since(start); el < 45*time.Millisecond {
		t.Fatalf("finished after %s, want about 50ms", el)
	}
	if got := p.Position(); got != 50*time.Millisecond {
		t.Fatalf("Position() after end = %s, want 50ms", got)
	}
	if c.Starts() != 1 {
		t.Fatalf("Starts() = %d", c.Starts())
	}
}

func TestClock_Speed(t *testing.T) {
	t.Parallel()
	p, _ := NewClock(WithSpeed(100)).Start(context.Background(), segment(time.Second))
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("sped-up playback should finish in about 10ms")
	}
}

func TestTimeline_PauseFreezesPosition(t *testing.T) {
	t.Parallel()
	tl := NewTimeline(context.Background(), 200*time.Millisecond, 1)
	defer tl.Stop()

	time.Sleep(20 * time.Millisecond)
	tl.Pause()
	if !tl.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	frozen := tl.Position()
	time.Sleep(300 * time.Millisecond)

	select {
	case <-tl.Done():
		t.Fatal("paused playback must not finish")
	default:
	}
	if got := tl.Position(); got != frozen {
		t.Fatalf("position moved while paused: %s -> %s", frozen, got)
	}

	tl.Resume()
	select {
	case <-tl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("resumed playback never finished")
	}
}

func TestTimeline_OnPause(t *testing.T) {
	t.Parallel()
	tl := NewTimeline(context.Background(), time.Second, 1)
	defer tl.Stop()

	var events []bool
	tl.OnPause(func(paused bool) { events = append(events, paused) })
	tl.Pause()
	tl.Pause()
	tl.Resume()
	tl.Resume()
	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Fatalf("events = %v, want [true false]", events)
	}
}

func TestTimeline_StopAndCancel(t *testing.T) {
	t.Parallel()
	tl := NewTimeline(context.Background(), time.Hour, 1)
	tl.Stop()
	tl.Stop()
	select {
	case <-tl.Done():
	default:
		t.Fatal("Stop must close Done")
	}

	ctx, cancel := context.WithCancel(context.Background())
	tl = NewTimeline(ctx, time.Hour, 1)
	cancel()
	select {
	case <-tl.Done():
	case <-time.After(time.Second):
		t.Fatal("context cancellation must stop the playback")
	}
}
