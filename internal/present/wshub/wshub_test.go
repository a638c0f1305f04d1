package wshub

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/talkinghead/pkg/types"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", h.Clients(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHub_BroadcastsEvents(t *testing.T) {
	t.Parallel()
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)

	h.OnSpeakerChanged("ada")
	h.OnError("ada", errors.New("voice down"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var e Event
	if err := wsjson.Read(ctx, conn, &e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Type != "speaker_changed" || e.Character != "ada" || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
	if err := wsjson.Read(ctx, conn, &e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Type != "error" || e.Error != "voice down" {
		t.Fatalf("event = %+v", e)
	}
}

func TestHub_Frames(t *testing.T) {
	t.Parallel()
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	withFrames := dial(t, srv, "")
	noFrames := dial(t, srv, "/?frames=0")
	waitClients(t, h, 2)

	f := types.Frame{Width: 1, Height: 1, Pix: []byte{9, 8, 7, 255}}
	h.OnFrameUpdate("bob", f)
	h.OnSpeechEnded("bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	typ, data, err := withFrames.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("message type = %v, want binary", typ)
	}
	n := int(binary.LittleEndian.Uint16(data))
	if string(data[2:2+n]) != "bob" {
		t.Fatalf("character = %q", data[2:2+n])
	}
	body := data[2+n:]
	if binary.LittleEndian.Uint32(body[0:4]) != 1 || string(body[8:]) != string(f.Pix) {
		t.Fatalf("frame body = %v", body)
	}

	var e Event
	if err := wsjson.Read(ctx, noFrames, &e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Type != "speech_ended" {
		t.Fatalf("frames=0 client got %+v first, want speech_ended", e)
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	t.Parallel()
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)
	conn.Close(websocket.StatusNormalClosure, "")
	waitClients(t, h, 0)
}

func TestHub_DropsWhenClientBufferFull(t *testing.T) {
	t.Parallel()
	h := New(WithBuffer(1))
	c := &client{send: make(chan message, 1), frames: true}
	h.clients[c] = struct{}{}

	h.OnSpeechStarted("ada")
	h.OnSpeechEnded("ada")
	h.OnFrameUpdate("ada", types.Frame{})

	if got := h.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	if len(c.send) != 1 {
		t.Fatalf("buffered = %d, want 1", len(c.send))
	}
}
