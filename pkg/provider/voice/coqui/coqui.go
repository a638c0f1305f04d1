// Package coqui provides a voice engine backed by a locally running Coqui TTS
// server, reached over its REST API.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is a GET /api/tts with URL query
//     parameters.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is a POST
//     /tts_to_audio/ with a JSON body and requires a speaker reference.
//
// Both servers answer with a WAV file; the engine strips the container and
// returns raw PCM.
//
//	e, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	seg, err := e.GenerateSpeech(ctx, "Good evening.", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/talkinghead/pkg/audio"
	"github.com/MrWong99/talkinghead/pkg/provider/voice"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// Compile-time interface assertion.
var _ voice.Engine = (*Engine)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	xttsEndpoint    = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"
)

// APIMode selects which Coqui server API the engine targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(e *Engine) {
		e.apiMode = mode
	}
}

// WithOutputSampleRate resamples synthesised audio to rate. Zero keeps the
// model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(e *Engine) {
		e.outputRate = rate
	}
}

// Engine implements voice.Engine backed by a Coqui TTS server.
type Engine struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int
}

// New creates an Engine for the server at serverURL (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	if e.apiMode != APIModeStandard && e.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown api mode %q", e.apiMode)
	}
	return e, nil
}

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// GenerateSpeech implements voice.Engine.
func (e *Engine) GenerateSpeech(ctx context.Context, text string, v types.VoiceProfile) (*types.AudioSegment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	// XTTS always needs a speaker reference; standard mode works without one
	// for single-speaker models.
	if v.ID == "" && e.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}

	var (
		req *http.Request
		err error
	)
	if e.apiMode == APIModeXTTS {
		req, err = e.xttsRequest(ctx, text, v)
	} else {
		req, err = e.standardRequest(ctx, text, v)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	seg, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if e.outputRate > 0 && seg.SampleRate != e.outputRate {
		seg = audio.Convert(seg, audio.Format{SampleRate: e.outputRate, Channels: seg.Channels})
	}
	return seg, nil
}

func (e *Engine) xttsRequest(ctx context.Context, text string, v types.VoiceProfile) (*http.Request, error) {
	data, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: v.ID, Language: e.language})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+xttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (e *Engine) standardRequest(ctx context.Context, text string, v types.VoiceProfile) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", text)
	if v.ID != "" {
		params.Set("speaker_id", v.ID)
	}
	if v.Style != "" {
		params.Set("style_wav", v.Style)
	}
	if e.language != "" {
		params.Set("language_id", e.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}
