// Package config provides the configuration schema, loader, and engine registry
// for the talkinghead server.
package config

import "time"

// LogLevel controls log verbosity for the talkinghead server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// IndexKind selects the speech cache index backend.
type IndexKind string

const (
	IndexNone     IndexKind = "none"
	IndexSQLite   IndexKind = "sqlite"
	IndexPostgres IndexKind = "postgres"
)

// IsValid reports whether k is a recognised index kind. The empty kind means none.
func (k IndexKind) IsValid() bool {
	switch k {
	case "", IndexNone, IndexSQLite, IndexPostgres:
		return true
	}
	return false
}

// OutputKind selects how audio is played.
type OutputKind string

const (
	// OutputClock plays audio against a wall clock without a device.
	OutputClock OutputKind = "clock"

	// OutputOto plays audio on the default sound device.
	OutputOto OutputKind = "oto"
)

// IsValid reports whether o is a recognised output. The empty output means clock.
func (o OutputKind) IsValid() bool {
	return o == "" || o == OutputClock || o == OutputOto
}

// Config is the root configuration structure for talkinghead.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Engines    EnginesConfig     `yaml:"engines"`
	Cache      CacheConfig       `yaml:"cache"`
	Characters []CharacterConfig `yaml:"characters"`
	Playback   PlaybackConfig    `yaml:"playback"`
	Dialogue   DialogueConfig    `yaml:"dialogue"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	// Empty disables the HTTP API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EnginesConfig selects the shared voice and animation engines.
type EnginesConfig struct {
	Voice     EngineEntry `yaml:"voice"`
	Animation EngineEntry `yaml:"animation"`
}

// EngineEntry configures one shared engine and its optional fallbacks.
type EngineEntry struct {
	ProviderEntry `yaml:",inline"`

	// CallTimeout bounds every call to the engine. Zero waits forever.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Fallbacks are tried in order when the primary fails. Only voice
	// engines support fallbacks.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the common configuration block shared by all engine kinds.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "wsanim").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Remote animation
	// engines require it.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini-tts").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// CacheConfig configures the speech cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// CompressionLevel is the zstd level for cached audio (0 stores raw PCM).
	CompressionLevel *int `yaml:"compression_level"`

	// Index selects an optional entry index: none, sqlite or postgres.
	Index IndexKind `yaml:"index"`

	// DSN is the Postgres connection string, or the SQLite file path
	// (defaults to <dir>/index.db).
	DSN string `yaml:"dsn"`
}

// CharacterConfig declares one character.
type CharacterConfig struct {
	// ID is the unique character identifier used by the API and dialogue.
	ID string `yaml:"id"`

	// Bundle is the directory holding the character bundle.
	Bundle string `yaml:"bundle"`

	// VoiceID and VoiceStyle override the bundle's voice when set.
	VoiceID    string `yaml:"voice_id"`
	VoiceStyle string `yaml:"voice_style"`
}

// PlaybackConfig tunes the per-character pipelines.
type PlaybackConfig struct {
	Output OutputKind `yaml:"output"`

	// SampleRate and Channels configure the oto device.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// IdleFPS is used for characters whose bundle does not set one.
	IdleFPS int `yaml:"idle_fps"`

	// PollMin and PollMax bound the player's back-off.
	PollMin time.Duration `yaml:"poll_min"`
	PollMax time.Duration `yaml:"poll_max"`
}

// DialogueConfig holds a script that is queued at startup.
type DialogueConfig struct {
	Script []TurnConfig `yaml:"script"`
}

// TurnConfig is one scripted turn.
type TurnConfig struct {
	Character string `yaml:"character"`
	Text      string `yaml:"text"`

	// Expression names one of the character's expressions; "voice-only"
	// requests audio without animation. Empty selects the first expression.
	Expression string `yaml:"expression"`
}
