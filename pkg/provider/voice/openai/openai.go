// Package openai provides a voice engine backed by the OpenAI speech API.
//
// Audio is requested in the raw "pcm" response format (24 kHz, 16-bit signed
// little-endian, mono) so no container parsing or decoding is needed before
// playback or caching.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/talkinghead/pkg/provider/voice"
	"github.com/MrWong99/talkinghead/pkg/types"
)

const (
	// DefaultModel is the default OpenAI speech model.
	DefaultModel = string(oai.SpeechModelGPT4oMiniTTS)

	// DefaultVoice is used when the voice profile carries no ID.
	DefaultVoice = "alloy"

	// SampleRate is the fixed rate of the "pcm" response format.
	SampleRate = 24000
)

// Ensure Engine implements the voice.Engine interface.
var _ voice.Engine = (*Engine)(nil)

// Engine implements voice.Engine using the OpenAI API.
type Engine struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. to target a
// compatible self-hosted server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests. Defaults
// to 0; failover is handled by the resilience layer.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs an OpenAI voice engine. If model is empty, [DefaultModel] is used.
func New(apiKey, model string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai voice: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Engine{client: oai.NewClient(reqOpts...), model: model}, nil
}

// ModelID returns the configured model.
func (e *Engine) ModelID() string { return e.model }

// GenerateSpeech implements voice.Engine.
func (e *Engine) GenerateSpeech(ctx context.Context, text string, v types.VoiceProfile) (*types.AudioSegment, error) {
	if text == "" {
		return nil, errors.New("openai voice: text must not be empty")
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(e.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID(v)),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if v.Style != "" {
		params.Instructions = param.NewOpt(v.Style)
	}
	if v.SpeedFactor > 0 && v.SpeedFactor != 1 {
		params.Speed = param.NewOpt(clampSpeed(v.SpeedFactor))
	}

	resp, err := e.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai voice: generate speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai voice: read audio: %w", err)
	}
	if len(pcm) < 2 {
		return nil, errors.New("openai voice: empty audio response")
	}
	return &types.AudioSegment{PCM: pcm[:len(pcm)&^1], SampleRate: SampleRate, Channels: 1}, nil
}

func voiceID(v types.VoiceProfile) string {
	if v.ID == "" {
		return DefaultVoice
	}
	return v.ID
}

// clampSpeed limits f to the range accepted by the API.
func clampSpeed(f float64) float64 {
	return min(max(f, 0.25), 4.0)
}
