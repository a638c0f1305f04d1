// Package wshub broadcasts presentation events to browser clients over
// WebSocket.
//
// Every event except frames is sent as a JSON text message ([Event]). Frames
// are sent as binary messages:
//
//	uint16 LE id length | character id | uint32 LE width | uint32 LE height | RGBA pixels
//
// Clients that connect with ?frames=0 receive only the JSON events. A client
// that cannot keep up loses messages rather than slowing down playback.
package wshub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/talkinghead/internal/present"
	"github.com/MrWong99/talkinghead/pkg/provider/animation/wsanim"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// DefaultBuffer is the per-client outgoing message buffer.
const DefaultBuffer = 256

const writeTimeout = 5 * time.Second

// Event is the JSON form of a non-frame sink event.
type Event struct {
	Type      string    `json:"type"`
	Character string    `json:"character"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

type message struct {
	typ  websocket.MessageType
	data []byte
}

type client struct {
	send   chan message
	frames bool
}

// Option is a functional option for [New].
type Option func(*Hub)

// WithBuffer sets the per-client outgoing buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.log = l
	}
}

// Hub is a [present.Sink] and an [http.Handler] that upgrades requests to
// WebSocket event streams.
type Hub struct {
	buffer int
	log    *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped int
}

var (
	_ present.Sink = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// New returns an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		buffer:  DefaultBuffer,
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP accepts a WebSocket connection and streams events to it until the
// client disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn("wshub: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{
		send:   make(chan message, h.buffer),
		frames: r.URL.Query().Get("frames") != "0",
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// The hub never reads; CloseRead handles pings and notices disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case m := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.log.Debug("wshub: write failed", "err", err)
				}
				return
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded because a client's buffer
// was full.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) broadcast(m message, frame bool) {
	h.mu.RLock()
	drops := 0
	for c := range h.clients {
		if frame && !c.frames {
			continue
		}
		select {
		case c.send <- m:
		default:
			drops++
		}
	}
	h.mu.RUnlock()
	if drops > 0 {
		h.mu.Lock()
		h.dropped += drops
		h.mu.Unlock()
	}
}

func (h *Hub) event(e Event) {
	e.Time = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("wshub: marshal event", "err", err)
		return
	}
	h.broadcast(message{typ: websocket.MessageText, data: data}, false)
}

// EncodeFrameMessage builds the binary message for a frame of characterID.
func EncodeFrameMessage(characterID string, f types.Frame) []byte {
	body := wsanim.EncodeFrame(f)
	out := make([]byte, 2+len(characterID), 2+len(characterID)+len(body))
	binary.LittleEndian.PutUint16(out, uint16(len(characterID)))
	copy(out[2:], characterID)
	return append(out, body...)
}

func (h *Hub) OnFrameUpdate(id string, f types.Frame) {
	h.broadcast(message{typ: websocket.MessageBinary, data: EncodeFrameMessage(id, f)}, true)
}

func (h *Hub) OnSpeechStarted(id string) {
	h.event(Event{Type: "speech_started", Character: id})
}

func (h *Hub) OnSpeechEnded(id string) {
	h.event(Event{Type: "speech_ended", Character: id})
}

func (h *Hub) OnError(id string, err error) {
	h.event(Event{Type: "error", Character: id, Error: err.Error()})
}

func (h *Hub) OnSpeakerChanged(id string) {
	h.event(Event{Type: "speaker_changed", Character: id})
}

func (h *Hub) OnStateChanged(id, state string) {
	h.event(Event{Type: "state_changed", Character: id, State: state})
}
