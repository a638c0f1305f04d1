// Package wsanim provides an animation engine that delegates rendering to a
// remote inference server over a WebSocket.
//
// Each Generate call opens one connection and runs a short exchange:
//
//	client → server  text    {"type":"start", ...}   clip parameters and avatar data
//	client → server  binary  PCM16LE audio of the line
//	server → client  text    {"type":"meta","frames":N}   optional advisory frame count
//	server → client  binary  one message per frame: uint32 width, uint32 height (LE), RGBA pixels
//	server → client  text    {"type":"end"} or {"type":"error","message":"..."}
//
// Frames are enqueued on the returned stream as they arrive.
package wsanim

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/talkinghead/pkg/framestream"
	"github.com/MrWong99/talkinghead/pkg/provider/animation"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// Compile-time interface assertion.
var _ animation.Engine = (*Engine)(nil)

const (
	defaultDialTimeout = 10 * time.Second

	// readLimit bounds a single frame message.
	readLimit = 64 << 20

	frameHeaderSize = 8
)

// ErrRemote wraps error messages reported by the animation server.
var ErrRemote = errors.New("wsanim: remote error")

// StartMessage is the first message of every exchange.
type StartMessage struct {
	Type           string `json:"type"`
	CharacterID    string `json:"character_id"`
	Expression     int    `json:"expression"`
	ExpressionName string `json:"expression_name,omitempty"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	FPS            int    `json:"fps"`
	ImagePNG       []byte `json:"image_png,omitempty"`
	Motion         []byte `json:"motion,omitempty"`
}

// ServerMessage is a text message sent by the server.
type ServerMessage struct {
	Type    string `json:"type"`
	Frames  int    `json:"frames,omitempty"`
	Message string `json:"message,omitempty"`
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithFPS sets the frame rate requested from the server.
func WithFPS(fps int) Option {
	return func(e *Engine) {
		e.fps = fps
	}
}

// WithAPIKey sends key as a bearer token during the handshake.
func WithAPIKey(key string) Option {
	return func(e *Engine) {
		e.apiKey = key
	}
}

// WithDialTimeout bounds the WebSocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.dialTimeout = d
	}
}

// Engine implements animation.Engine against a remote WebSocket server.
type Engine struct {
	url         string
	apiKey      string
	fps         int
	dialTimeout time.Duration
}

// New creates an Engine for the server at url ("ws://host:port/generate").
// http and https URLs are accepted and mapped to ws and wss.
func New(url string, opts ...Option) (*Engine, error) {
	if url == "" {
		return nil, errors.New("wsanim: url must not be empty")
	}
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	}
	e := &Engine{url: url, fps: animation.DefaultFPS, dialTimeout: defaultDialTimeout}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Generate implements animation.Engine.
func (e *Engine) Generate(ctx context.Context, avatar *types.AvatarData, audio *types.AudioSegment) (*framestream.Stream, error) {
	if avatar == nil || audio.Empty() {
		return nil, errors.New("wsanim: avatar and audio are required")
	}

	start, err := e.startMessage(avatar, audio)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()
	var dialOpts *websocket.DialOptions
	if e.apiKey != "" {
		dialOpts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + e.apiKey}},
		}
	}
	conn, _, err := websocket.Dial(dialCtx, e.url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("wsanim: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send start")
		return nil, fmt.Errorf("wsanim: send start: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, audio.PCM); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send audio")
		return nil, fmt.Errorf("wsanim: send audio: %w", err)
	}

	s := framestream.New(animation.ExpectedFrames(audio, e.fps))
	go e.receive(ctx, conn, s)
	return s, nil
}

// receive reads frames until the server ends the exchange.
func (e *Engine) receive(ctx context.Context, conn *websocket.Conn, s *framestream.Stream) {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	index := 0
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.FinishWithError(fmt.Errorf("wsanim: read: %w", err))
			return
		}

		if typ == websocket.MessageBinary {
			f, err := decodeFrame(index, data)
			if err != nil {
				s.FinishWithError(err)
				return
			}
			if err := s.Enqueue(f); err != nil {
				return
			}
			index++
			continue
		}

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.FinishWithError(fmt.Errorf("wsanim: decode server message: %w", err))
			return
		}
		switch msg.Type {
		case "meta":
			s.SetExpected(msg.Frames)
		case "end":
			s.Finish()
			return
		case "error":
			s.FinishWithError(fmt.Errorf("%w: %s", ErrRemote, msg.Message))
			return
		}
	}
}

func (e *Engine) startMessage(avatar *types.AvatarData, audio *types.AudioSegment) ([]byte, error) {
	msg := StartMessage{
		Type:           "start",
		CharacterID:    avatar.CharacterID,
		Expression:     int(avatar.Expression),
		ExpressionName: avatar.ExpressionName,
		SampleRate:     audio.SampleRate,
		Channels:       audio.Channels,
		FPS:            e.fps,
		Motion:         avatar.Motion,
	}
	if !avatar.Image.IsZero() {
		var buf bytes.Buffer
		if err := png.Encode(&buf, avatar.Image.Image()); err != nil {
			return nil, fmt.Errorf("wsanim: encode avatar image: %w", err)
		}
		msg.ImagePNG = buf.Bytes()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wsanim: marshal start: %w", err)
	}
	return data, nil
}

// EncodeFrame serialises f in the wire format used for frame messages.
func EncodeFrame(f types.Frame) []byte {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(f.Pix))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Width))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.Height))
	return append(buf, f.Pix...)
}

// maxFrameSide bounds the width and height accepted from the remote engine.
const maxFrameSide = 1 << 15

func decodeFrame(index int, data []byte) (types.Frame, error) {
	if len(data) < frameHeaderSize {
		return types.Frame{}, errors.New("wsanim: frame message too short")
	}
	w := binary.LittleEndian.Uint32(data[0:4])
	h := binary.LittleEndian.Uint32(data[4:8])
	pix := data[frameHeaderSize:]
	if w == 0 || h == 0 || w > maxFrameSide || h > maxFrameSide || uint64(w)*uint64(h)*4 != uint64(len(pix)) {
		return types.Frame{}, fmt.Errorf("wsanim: frame %d: %dx%d does not match %d pixel bytes", index, w, h, len(pix))
	}
	return types.Frame{Index: index, Width: int(w), Height: int(h), Pix: pix}, nil
}
