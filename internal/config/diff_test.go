package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/talkinghead/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Engines: config.EnginesConfig{Voice: config.EngineEntry{ProviderEntry: config.ProviderEntry{Name: "mock"}}},
		Characters: []config.CharacterConfig{
			{ID: "ada", Bundle: "a"},
			{ID: "bob", Bundle: "b"},
		},
		Dialogue: config.DialogueConfig{Script: []config.TurnConfig{{Character: "ada", Text: "hi"}}},
	}
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.ScriptChanged || d.RestartRequired || len(d.Characters) != 0 {
		t.Fatalf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.LogLevel = config.LogDebug
	d := config.Diff(baseConfig(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Fatalf("diff = %+v", d)
	}
	if d.RestartRequired {
		t.Fatal("a log level change must not require a restart")
	}
}

func TestDiff_Characters(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Characters = []config.CharacterConfig{
		{ID: "ada", Bundle: "a", VoiceStyle: "whispering"},
		{ID: "cyd", Bundle: "c"},
	}
	d := config.Diff(baseConfig(), next)

	want := []config.CharacterDiff{
		{ID: "ada", Modified: true},
		{ID: "bob", Removed: true},
		{ID: "cyd", Added: true},
	}
	if !slices.Equal(d.Characters, want) {
		t.Fatalf("character diff = %+v, want %+v", d.Characters, want)
	}
}

func TestDiff_RestartAndScript(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Engines.Voice.Name = "openai"
	next.Dialogue.Script = append(next.Dialogue.Script, config.TurnConfig{Character: "bob", Text: "yo"})
	d := config.Diff(baseConfig(), next)
	if !d.RestartRequired || !d.ScriptChanged {
		t.Fatalf("diff = %+v", d)
	}
}
