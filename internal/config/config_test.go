package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/talkinghead/internal/config"
	"github.com/MrWong99/talkinghead/pkg/framestream"
	"github.com/MrWong99/talkinghead/pkg/provider/animation"
	"github.com/MrWong99/talkinghead/pkg/provider/voice"
	"github.com/MrWong99/talkinghead/pkg/types"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

engines:
  voice:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini-tts
    call_timeout: 30s
    fallbacks:
      - name: coqui
        base_url: http://localhost:5002
  animation:
    name: wsanim
    base_url: ws://localhost:9000/animate
    options:
      fps: 25

cache:
  enabled: true
  dir: /var/lib/talkinghead/cache
  compression_level: 3
  index: sqlite

characters:
  - id: ada
    bundle: ./characters/ada
    voice_style: calm and precise
  - id: bob
    bundle: ./characters/bob
    voice_id: onyx

playback:
  output: clock
  idle_fps: 12
  poll_min: 10ms
  poll_max: 200ms

dialogue:
  script:
    - character: ada
      text: Hello, Bob.
    - character: bob
      text: Hi Ada!
      expression: happy
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	v := cfg.Engines.Voice
	if v.Name != "openai" || v.Model != "gpt-4o-mini-tts" || v.CallTimeout != 30*time.Second {
		t.Errorf("voice engine = %+v", v)
	}
	if len(v.Fallbacks) != 1 || v.Fallbacks[0].BaseURL != "http://localhost:5002" {
		t.Errorf("voice fallbacks = %+v", v.Fallbacks)
	}
	if fps, _ := cfg.Engines.Animation.Options["fps"].(int); fps != 25 {
		t.Errorf("animation options = %v", cfg.Engines.Animation.Options)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Index != config.IndexSQLite || *cfg.Cache.CompressionLevel != 3 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if len(cfg.Characters) != 2 || cfg.Characters[0].VoiceStyle != "calm and precise" || cfg.Characters[1].VoiceID != "onyx" {
		t.Errorf("characters = %+v", cfg.Characters)
	}
	if cfg.Playback.PollMax != 200*time.Millisecond || cfg.Playback.IdleFPS != 12 {
		t.Errorf("playback = %+v", cfg.Playback)
	}
	if len(cfg.Dialogue.Script) != 2 || cfg.Dialogue.Script[1].Expression != "happy" {
		t.Errorf("script = %+v", cfg.Dialogue.Script)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil || !strings.Contains(err.Error(), "listen_adr") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(t.TempDir() + "/nope.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

type stubVoice struct{ name string }

func (stubVoice) GenerateSpeech(context.Context, string, types.VoiceProfile) (*types.AudioSegment, error) {
	return nil, nil
}

type stubAnimation struct{}

func (stubAnimation) Generate(context.Context, *types.AvatarData, *types.AudioSegment) (*framestream.Stream, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterVoice("stub", func(e config.ProviderEntry) (voice.Engine, error) {
		return stubVoice{name: e.Model}, nil
	})
	r.RegisterAnimation("stub", func(config.ProviderEntry) (animation.Engine, error) {
		return stubAnimation{}, nil
	})

	v, err := r.CreateVoice(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateVoice: %v", err)
	}
	if v.(stubVoice).name != "m1" {
		t.Fatalf("factory did not receive the entry: %+v", v)
	}
	if _, err := r.CreateAnimation(config.ProviderEntry{Name: "stub"}); err != nil {
		t.Fatalf("CreateAnimation: %v", err)
	}

	if _, err := r.CreateVoice(config.ProviderEntry{Name: "missing"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("CreateVoice(missing) = %v", err)
	}
	if _, err := r.CreateAnimation(config.ProviderEntry{Name: "missing"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("CreateAnimation(missing) = %v", err)
	}

	factoryErr := errors.New("bad key")
	r.RegisterVoice("stub", func(config.ProviderEntry) (voice.Engine, error) { return nil, factoryErr })
	if _, err := r.CreateVoice(config.ProviderEntry{Name: "stub"}); !errors.Is(err, factoryErr) {
		t.Fatalf("re-registered factory not used: %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(cfg.Characters); got != 2 {
		t.Errorf("characters = %d, want 2", got)
	}
	if got := len(cfg.Dialogue.Script); got != 2 {
		t.Errorf("script turns = %d, want 2", got)
	}
	if cfg.Cache.Index != config.IndexSQLite {
		t.Errorf("cache.index = %q, want sqlite", cfg.Cache.Index)
	}
}
