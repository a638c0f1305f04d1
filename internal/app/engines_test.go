package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/talkinghead/internal/app"
	"github.com/MrWong99/talkinghead/internal/config"
	"github.com/MrWong99/talkinghead/internal/resilience"
	"github.com/MrWong99/talkinghead/pkg/types"
)

func TestBuildEngines_Mock(t *testing.T) {
	reg := config.NewRegistry()
	app.RegisterBuiltinEngines(reg)

	cfg := config.EnginesConfig{
		Voice: config.EngineEntry{
			ProviderEntry: config.ProviderEntry{Name: "mock", Options: map[string]any{"clip": "250ms"}},
			Fallbacks:     []config.ProviderEntry{{Name: "mock"}},
		},
		Animation: config.EngineEntry{
			ProviderEntry: config.ProviderEntry{Name: "mock", Options: map[string]any{"fps": 30}},
		},
	}
	eng, err := app.BuildEngines(cfg, reg, resilience.CircuitBreakerConfig{})
	if err != nil {
		t.Fatalf("BuildEngines: %v", err)
	}
	if got := len(eng.Voice.States()); got != 2 {
		t.Errorf("voice engines = %d, want 2", got)
	}
	seg, err := eng.Voice.GenerateSpeech(context.Background(), "hello", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if got := seg.Duration(); got != 250*time.Millisecond {
		t.Errorf("clip duration = %v, want 250ms", got)
	}
	if eng.Animation == nil {
		t.Error("animation engine is nil")
	}
}

func TestBuildEngines_Unregistered(t *testing.T) {
	reg := config.NewRegistry()
	app.RegisterBuiltinEngines(reg)

	tests := []struct {
		name string
		cfg  config.EnginesConfig
	}{
		{"voice", config.EnginesConfig{
			Voice:     config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "espeak"}},
			Animation: config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "mock"}},
		}},
		{"fallback", config.EnginesConfig{
			Voice: config.EngineEntry{
				ProviderEntry: config.ProviderEntry{Name: "mock"},
				Fallbacks:     []config.ProviderEntry{{Name: "espeak"}},
			},
			Animation: config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "mock"}},
		}},
		{"animation", config.EnginesConfig{
			Voice:     config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "mock"}},
			Animation: config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "puppet"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := app.BuildEngines(tt.cfg, reg, resilience.CircuitBreakerConfig{})
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
			}
		})
	}
}

func TestBuildEngines_WSAnimRequiresURL(t *testing.T) {
	reg := config.NewRegistry()
	app.RegisterBuiltinEngines(reg)

	_, err := app.BuildEngines(config.EnginesConfig{
		Voice:     config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "mock"}},
		Animation: config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "wsanim"}},
	}, reg, resilience.CircuitBreakerConfig{})
	if err == nil {
		t.Fatal("expected error for wsanim without base_url")
	}
}

func TestOptInt(t *testing.T) {
	opts := map[string]any{"int": 7, "whole": 3.0, "frac": 2.5, "str": "9"}
	tests := []struct {
		key    string
		want   int
		wantOK bool
	}{
		{"int", 7, true},
		{"whole", 3, true},
		{"frac", 0, false},
		{"str", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := app.OptInt(opts, tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("OptInt(%q) = %d, %v; want %d, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestOptDuration(t *testing.T) {
	opts := map[string]any{"str": "1.5s", "ms": 250, "bad": "soon"}
	tests := []struct {
		key  string
		want time.Duration
	}{
		{"str", 1500 * time.Millisecond},
		{"ms", 250 * time.Millisecond},
		{"bad", 0},
		{"missing", 0},
	}
	for _, tt := range tests {
		if got := app.OptDuration(opts, tt.key); got != tt.want {
			t.Errorf("OptDuration(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
