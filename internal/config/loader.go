package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per engine kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"voice":     {"openai", "coqui", "mock"},
	"animation": {"wsanim", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Engines
	errs = append(errs, validateEngine("voice", cfg.Engines.Voice)...)
	errs = append(errs, validateEngine("animation", cfg.Engines.Animation)...)
	if len(cfg.Engines.Animation.Fallbacks) > 0 {
		errs = append(errs, errors.New("engines.animation.fallbacks is not supported"))
	}
	if cfg.Engines.Animation.Name == "wsanim" && cfg.Engines.Animation.BaseURL == "" {
		errs = append(errs, errors.New("engines.animation.base_url is required for wsanim"))
	}

	// Cache
	c := cfg.Cache
	if c.Enabled && c.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required when the cache is enabled"))
	}
	if c.CompressionLevel != nil && (*c.CompressionLevel < 0 || *c.CompressionLevel > 22) {
		errs = append(errs, fmt.Errorf("cache.compression_level %d is out of range [0, 22]", *c.CompressionLevel))
	}
	if !c.Index.IsValid() {
		errs = append(errs, fmt.Errorf("cache.index %q is invalid; valid values: none, sqlite, postgres", c.Index))
	}
	if c.Index == IndexPostgres && c.DSN == "" {
		errs = append(errs, errors.New("cache.dsn is required when cache.index is postgres"))
	}
	if !c.Enabled && c.Index != "" && c.Index != IndexNone {
		slog.Warn("cache.index is set but the cache is disabled", "index", c.Index)
	}

	// Characters
	seen := make(map[string]int, len(cfg.Characters))
	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[ch.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of characters[%d]", prefix, ch.ID, prev))
			}
			seen[ch.ID] = i
		}
		if ch.Bundle == "" {
			errs = append(errs, fmt.Errorf("%s.bundle is required", prefix))
		}
	}

	// Playback
	p := cfg.Playback
	if !p.Output.IsValid() {
		errs = append(errs, fmt.Errorf("playback.output %q is invalid; valid values: clock, oto", p.Output))
	}
	if p.Output == OutputOto {
		if p.SampleRate != 0 && p.SampleRate != 44100 && p.SampleRate != 48000 {
			errs = append(errs, fmt.Errorf("playback.sample_rate %d is unsupported; use 44100 or 48000", p.SampleRate))
		}
		if p.Channels != 0 && p.Channels != 1 && p.Channels != 2 {
			errs = append(errs, fmt.Errorf("playback.channels %d is unsupported; use 1 or 2", p.Channels))
		}
	}
	if p.IdleFPS < 0 {
		errs = append(errs, fmt.Errorf("playback.idle_fps %d must not be negative", p.IdleFPS))
	}
	if p.PollMin < 0 || p.PollMax < 0 {
		errs = append(errs, errors.New("playback.poll_min and poll_max must not be negative"))
	}
	if p.PollMin > 0 && p.PollMax > 0 && p.PollMax < p.PollMin {
		errs = append(errs, fmt.Errorf("playback.poll_max %s is below poll_min %s", p.PollMax, p.PollMin))
	}

	// Dialogue
	for i, turn := range cfg.Dialogue.Script {
		prefix := fmt.Sprintf("dialogue.script[%d]", i)
		if _, ok := seen[turn.Character]; !ok {
			errs = append(errs, fmt.Errorf("%s.character %q is not declared in characters", prefix, turn.Character))
		}
		if strings.TrimSpace(turn.Text) == "" {
			errs = append(errs, fmt.Errorf("%s.text is required", prefix))
		}
	}

	return errors.Join(errs...)
}

func validateEngine(kind string, e EngineEntry) []error {
	var errs []error
	prefix := "engines." + kind
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	validateProviderName(kind, e.Name)
	if e.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.call_timeout must not be negative", prefix))
	}
	for i, fb := range e.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.fallbacks[%d].name is required", prefix, i))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
