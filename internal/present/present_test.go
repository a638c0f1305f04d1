package present_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/talkinghead/internal/present"
	"github.com/MrWong99/talkinghead/internal/present/mock"
	"github.com/MrWong99/talkinghead/pkg/types"
)

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()
	a, b := mock.New(), mock.New()
	m := present.Multi{a, present.Nop{}, b}

	m.OnSpeechStarted("ada")
	m.OnFrameUpdate("ada", types.Frame{Index: 3})
	m.OnError("ada", errors.New("boom"))
	m.OnSpeakerChanged("bob")
	m.OnStateChanged("ada", "idle")
	m.OnSpeechEnded("ada")

	for _, s := range []*mock.Sink{a, b} {
		ev := s.Events()
		if len(ev) != 6 {
			t.Fatalf("got %d events, want 6", len(ev))
		}
		if ev[1].Kind != mock.KindFrame || ev[1].Frame.Index != 3 {
			t.Errorf("frame event = %+v", ev[1])
		}
		if ev[3].CharacterID != "bob" || ev[4].State != "idle" {
			t.Errorf("events = %+v", ev)
		}
	}
}

func TestLog_WritesEvents(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := present.Log{L: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.OnFrameUpdate("ada", types.Frame{})
	l.OnError("ada", errors.New("voice down"))
	l.OnSpeakerChanged("bob")

	out := buf.String()
	if !strings.Contains(out, "voice down") || !strings.Contains(out, "character=bob") {
		t.Fatalf("log output = %q", out)
	}
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("frames must not be logged, got %q", out)
	}
}
