package playback

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/talkinghead/internal/audioout"
	"github.com/MrWong99/talkinghead/internal/character"
	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/internal/pipeline"
	pmock "github.com/MrWong99/talkinghead/internal/present/mock"
	amock "github.com/MrWong99/talkinghead/pkg/provider/animation/mock"
	vmock "github.com/MrWong99/talkinghead/pkg/provider/voice/mock"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// idleFrame returns a 1x1 frame whose red channel is 200+i, which keeps idle
// frames apart from the mock animation engine's output.
func idleFrame(i int) types.Frame {
	return types.Frame{Index: i, Width: 1, Height: 1, Pix: []byte{byte(200 + i), 0, 0, 0xff}}
}

func isIdle(f types.Frame) bool { return len(f.Pix) > 0 && f.Pix[0] >= 200 }

type fixture struct {
	c     *Controller
	voice *vmock.Engine
	anim  *amock.Engine
	sink  *pmock.Sink
}

func newFixture(t *testing.T, mod func(*pipeline.Config)) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := character.NewMemStore(&character.Character{
		ID:          "ada",
		Name:        "Ada",
		Image:       idleFrame(0),
		IdleFrames:  []types.Frame{idleFrame(0), idleFrame(1), idleFrame(2)},
		IdleFPS:     100,
		Expressions: []character.Expression{{Name: "neutral"}},
	})
	f := &fixture{voice: &vmock.Engine{}, anim: &amock.Engine{}, sink: pmock.New()}
	cfg := pipeline.Config{
		Voice:     f.voice,
		Animation: f.anim,
		Output:    audioout.NewClock(audioout.WithSpeed(10)),
		Sink:      f.sink,
		Metrics:   m,
		PollMin:   time.Millisecond,
		PollMax:   5 * time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}
	f.c = New("ada", store, cfg)
	t.Cleanup(func() { _ = f.c.Close() })
	return f
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	if err := f.c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func (f *fixture) states() []string {
	var out []string
	for _, e := range f.sink.Of(pmock.KindStateChanged) {
		out = append(out, e.State)
	}
	return out
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return f.c.State() == want })
}

func (f *fixture) frameCount() int { return f.sink.Count(pmock.KindFrame) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPingPongIndex(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int
		want []int
	}{
		{1, []int{0, 0, 0, 0}},
		{2, []int{0, 1, 0, 1, 0}},
		{3, []int{0, 1, 2, 1, 0, 1, 2, 1}},
		{4, []int{0, 1, 2, 3, 2, 1, 0, 1}},
	}
	for _, tc := range tests {
		got := make([]int, len(tc.want))
		for step := range got {
			got[step] = pingPongIndex(step, tc.n)
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("n=%d: got %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if Speaking.String() != "speaking" || State(42).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
	if Loading.Loaded() || !Paused.Loaded() {
		t.Fatal("Loaded() mismatch")
	}
}

func TestController_LoadStartsIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if f.c.State() != Uninitialized {
		t.Fatalf("initial state = %s", f.c.State())
	}
	f.load(t)

	if got := f.states(); !slices.Equal(got, []string{"loading", "idle"}) {
		t.Fatalf("states = %v", got)
	}
	waitFor(t, "idle frames", func() bool { return f.frameCount() >= 5 })

	var idx []int
	for _, e := range f.sink.Of(pmock.KindFrame)[:5] {
		if !isIdle(e.Frame) {
			t.Fatalf("non-idle frame while idle: %+v", e.Frame)
		}
		idx = append(idx, e.Frame.Index)
	}
	if !slices.Equal(idx, []int{0, 1, 2, 1, 0}) {
		t.Fatalf("idle sequence = %v", idx)
	}

	// A second Load does nothing.
	f.load(t)
	if got := len(f.states()); got != 2 {
		t.Fatalf("state changes after reload = %d", got)
	}
}

func TestController_LoadFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.c = New("nobody", character.NewMemStore(), pipeline.Config{Sink: f.sink})
	defer f.c.Close()

	err := f.c.Load(context.Background())
	if !errors.Is(err, character.ErrNotFound) {
		t.Fatalf("Load err = %v, want ErrNotFound", err)
	}
	if f.c.State() != Uninitialized {
		t.Fatalf("state after failed load = %s", f.c.State())
	}
	_, err = f.c.Enqueue(pipeline.Request{Lines: []string{"hi"}})
	var ve *pipeline.ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, pipeline.ErrNotLoaded) {
		t.Fatalf("Enqueue err = %v, want ErrNotLoaded", err)
	}
}

func TestController_SpeakingCycle(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(t, nil)
	f.voice.Gate = gate
	f.load(t)

	if _, err := f.c.Enqueue(pipeline.Request{Lines: []string{"one", "two"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if f.c.State() != Speaking {
		t.Fatalf("state after Enqueue = %s", f.c.State())
	}

	// Idle keeps animating until the first line is ready.
	before := f.frameCount()
	waitFor(t, "idle frames while generating", func() bool { return f.frameCount() >= before+3 })
	if f.sink.Count(pmock.KindSpeechStarted) != 0 {
		t.Fatal("speech started before the line was ready")
	}

	close(gate)
	waitFor(t, "speech to finish", func() bool {
		return f.sink.Count(pmock.KindSpeechEnded) == 2 && f.c.State() == Idle
	})
	waitFor(t, "idle restart", func() bool {
		ev := f.sink.Events()
		return ev[len(ev)-1].Kind == pmock.KindFrame && isIdle(ev[len(ev)-1].Frame)
	})

	if got := f.states(); !slices.Equal(got, []string{"loading", "idle", "speaking", "idle"}) {
		t.Fatalf("states = %v", got)
	}

	ev := f.sink.Events()
	first := slices.IndexFunc(ev, func(e pmock.Event) bool { return e.Kind == pmock.KindSpeechStarted })
	last := -1
	for i, e := range ev {
		if e.Kind == pmock.KindSpeechEnded {
			last = i
		}
	}

	// The final frame of the idle set is shown right before speech.
	var idleBefore []types.Frame
	for _, e := range ev[:first] {
		if e.Kind == pmock.KindFrame {
			idleBefore = append(idleBefore, e.Frame)
		}
	}
	n := len(idleBefore)
	if n < 2 || !isIdle(idleBefore[n-1]) || idleBefore[n-1].Index != 2 {
		t.Fatalf("missing transition frame; last idle frames %v", idleBefore[max(0, n-3):])
	}

	for _, e := range ev[first:last] {
		if e.Kind == pmock.KindFrame && isIdle(e.Frame) {
			t.Fatal("idle frame rendered during speech")
		}
	}

	// Idle resumes at its first frame.
	after := slices.IndexFunc(ev[last:], func(e pmock.Event) bool { return e.Kind == pmock.KindFrame })
	if after < 0 {
		t.Fatal("no frame after speech ended")
	}
	if fr := ev[last+after].Frame; !isIdle(fr) || fr.Index != 0 {
		t.Fatalf("first frame after speech = %+v, want idle frame 0", fr)
	}

	st := f.c.Status()
	if st.State != Idle || !st.Done() {
		t.Fatalf("status = %+v", st)
	}
}

func TestController_PauseMidClip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *pipeline.Config) { c.Output = audioout.NewClock() })
	f.voice.ClipDuration = 300 * time.Millisecond
	f.load(t)

	if _, err := f.c.Enqueue(pipeline.Request{Lines: []string{"long line"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "speech start", func() bool { return f.sink.Count(pmock.KindSpeechStarted) == 1 })

	f.c.Pause()
	if st := f.c.Status(); st.State != Paused || !st.Playing {
		t.Fatalf("status while paused = %+v", st)
	}
	time.Sleep(20 * time.Millisecond)
	frozen := f.frameCount()
	time.Sleep(100 * time.Millisecond)
	if f.frameCount() != frozen {
		t.Fatal("frames rendered while paused")
	}

	f.c.Resume()
	if f.c.State() != Speaking {
		t.Fatalf("state after mid-clip Resume = %s", f.c.State())
	}
	f.waitState(t, Idle)
	if f.sink.Count(pmock.KindSpeechEnded) != 1 {
		t.Fatal("line did not finish after Resume")
	}
}

func TestController_PauseWhileIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.load(t)
	waitFor(t, "idle frames", func() bool { return f.frameCount() >= 2 })

	f.c.Pause()
	if f.c.State() != Paused {
		t.Fatalf("state = %s", f.c.State())
	}
	frozen := f.frameCount()
	time.Sleep(50 * time.Millisecond)
	if f.frameCount() != frozen {
		t.Fatal("idle animation kept running while paused")
	}

	f.c.Resume()
	if f.c.State() != Idle {
		t.Fatalf("state after Resume = %s, want idle", f.c.State())
	}
	waitFor(t, "idle restart", func() bool { return f.frameCount() > frozen })
	if fr := f.sink.Of(pmock.KindFrame)[frozen].Frame; fr.Index != 0 {
		t.Fatalf("idle restarted at frame %d", fr.Index)
	}
}

func TestController_StopDiscardsQueue(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(t, nil)
	f.voice.Gate = gate
	f.load(t)

	if _, err := f.c.Enqueue(pipeline.Request{Lines: []string{"a", "b", "c"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "voice call", func() bool { return f.voice.CallCount() == 1 })

	f.c.Stop()
	st := f.c.Status()
	if st.State != Idle || !st.Done() {
		t.Fatalf("status after Stop = %+v", st)
	}
	close(gate)
	time.Sleep(30 * time.Millisecond)
	if f.sink.Count(pmock.KindSpeechStarted) != 0 || f.voice.CallCount() != 1 {
		t.Fatal("discarded work reached the player")
	}

	if _, err := f.c.Enqueue(pipeline.Request{Lines: []string{"again"}}); err != nil {
		t.Fatalf("Enqueue after Stop: %v", err)
	}
	waitFor(t, "speech after Stop", func() bool {
		return f.sink.Count(pmock.KindSpeechEnded) == 1 && f.c.State() == Idle
	})
}

func TestController_BeforePlayIgnoresDiscardedItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.load(t)
	waitFor(t, "idle frames", func() bool { return f.frameCount() >= 2 })

	// An item dropped by Stop after the player dequeued it.
	f.c.beforePlay(&pipeline.Item{})

	if f.c.State() != Idle {
		t.Fatalf("state = %s, want idle", f.c.State())
	}
	before := f.frameCount()
	waitFor(t, "idle loop to keep running", func() bool { return f.frameCount() >= before+3 })
	if got := f.states(); !slices.Equal(got, []string{"loading", "idle"}) {
		t.Fatalf("states = %v", got)
	}
}

func TestController_Close(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.load(t)

	if err := f.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.c.State() != Stopped {
		t.Fatalf("state = %s", f.c.State())
	}
	frames := f.frameCount()
	time.Sleep(30 * time.Millisecond)
	if f.frameCount() != frames {
		t.Fatal("idle frames after Close")
	}

	if _, err := f.c.Enqueue(pipeline.Request{Lines: []string{"late"}}); !errors.Is(err, pipeline.ErrClosed) {
		t.Fatalf("Enqueue after Close = %v", err)
	}
	if err := f.c.Load(context.Background()); !errors.Is(err, pipeline.ErrClosed) {
		t.Fatalf("Load after Close = %v", err)
	}
	if err := f.c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
