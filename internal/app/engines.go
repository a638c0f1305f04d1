package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/talkinghead/internal/config"
	"github.com/MrWong99/talkinghead/internal/resilience"
	"github.com/MrWong99/talkinghead/pkg/provider/animation"
	animmock "github.com/MrWong99/talkinghead/pkg/provider/animation/mock"
	"github.com/MrWong99/talkinghead/pkg/provider/animation/wsanim"
	"github.com/MrWong99/talkinghead/pkg/provider/voice"
	"github.com/MrWong99/talkinghead/pkg/provider/voice/coqui"
	voicemock "github.com/MrWong99/talkinghead/pkg/provider/voice/mock"
	"github.com/MrWong99/talkinghead/pkg/provider/voice/openai"
)

// Engines holds the two shared engines. Every character's pipeline uses the
// same instances.
type Engines struct {
	// Voice fails over across the configured voice engines.
	Voice *resilience.VoiceFallback

	Animation animation.Engine
}

// RegisterBuiltinEngines wires the engine factories that ship with
// talkinghead into reg.
func RegisterBuiltinEngines(reg *config.Registry) {
	reg.RegisterVoice("openai", func(e config.ProviderEntry) (voice.Engine, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if n, ok := optInt(e.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		key := e.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return openai.New(key, e.Model, opts...)
	})

	reg.RegisterVoice("coqui", func(e config.ProviderEntry) (voice.Engine, error) {
		var opts []coqui.Option
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(e.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate, ok := optInt(e.Options, "sample_rate"); ok {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	reg.RegisterVoice("mock", func(e config.ProviderEntry) (voice.Engine, error) {
		return &voicemock.Engine{
			ClipDuration: optDuration(e.Options, "clip"),
			Delay:        optDuration(e.Options, "delay"),
		}, nil
	})

	reg.RegisterAnimation("wsanim", func(e config.ProviderEntry) (animation.Engine, error) {
		var opts []wsanim.Option
		if e.APIKey != "" {
			opts = append(opts, wsanim.WithAPIKey(e.APIKey))
		}
		if fps, ok := optInt(e.Options, "fps"); ok {
			opts = append(opts, wsanim.WithFPS(fps))
		}
		if d := optDuration(e.Options, "dial_timeout"); d > 0 {
			opts = append(opts, wsanim.WithDialTimeout(d))
		}
		return wsanim.New(e.BaseURL, opts...)
	})

	reg.RegisterAnimation("mock", func(e config.ProviderEntry) (animation.Engine, error) {
		fps, _ := optInt(e.Options, "fps")
		return &animmock.Engine{FPS: fps, FrameDelay: optDuration(e.Options, "frame_delay")}, nil
	})
}

// BuildEngines instantiates the engines named in cfg.
func BuildEngines(cfg config.EnginesConfig, reg *config.Registry, breaker resilience.CircuitBreakerConfig) (*Engines, error) {
	primary, err := reg.CreateVoice(cfg.Voice.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("app: create voice engine %q: %w", cfg.Voice.Name, err)
	}
	fb := resilience.NewVoiceFallback(primary, cfg.Voice.Name, resilience.FallbackConfig{CircuitBreaker: breaker})
	slog.Info("engine created", "kind", "voice", "name", cfg.Voice.Name)

	for i, entry := range cfg.Voice.Fallbacks {
		e, err := reg.CreateVoice(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create voice fallback %d %q: %w", i, entry.Name, err)
		}
		fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), e)
		slog.Info("engine created", "kind", "voice-fallback", "name", entry.Name)
	}

	anim, err := reg.CreateAnimation(cfg.Animation.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("app: create animation engine %q: %w", cfg.Animation.Name, err)
	}
	slog.Info("engine created", "kind", "animation", "name", cfg.Animation.Name)

	return &Engines{Voice: fb, Animation: anim}, nil
}

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt accepts YAML integers and whole floats.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// optDuration accepts duration strings ("250ms") and plain milliseconds.
func optDuration(opts map[string]any, key string) time.Duration {
	if s := optString(opts, key); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
			return 0
		}
		return d
	}
	if ms, ok := optInt(opts, key); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

var (
	errNoEngines     = errors.New("app: engines are required")
	errCacheDisabled = errors.New("app: speech cache is disabled")
)
