// Package config provides the configuration schema, loader, and provider
// registry for the Vocoach voice coaching server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Vocoach server.
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

// Duration wraps time.Duration so YAML values can be written as "1800ms" or
// "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Vocoach.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Turn      TurnConfig      `yaml:"turn"`
	Latency   LatencyConfig   `yaml:"latency"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Scenarios ScenariosConfig `yaml:"scenarios"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
}

// ServerConfig holds network and logging settings for the Vocoach server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// OriginPatterns lists host patterns allowed to open cross-origin
	// websocket connections. Empty means same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "deepgram", "coqui").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini",
	// "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists additional providers tried in order when this one
	// fails or its circuit breaker is open. Fallbacks of fallbacks are
	// ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// TurnConfig holds the turn-taking thresholds.
type TurnConfig struct {
	// VADThreshold is the speech probability at or above which a window
	// counts as speech. Zero keeps the built-in default of 0.40.
	VADThreshold float64 `yaml:"vad_threshold"`

	// EndOfSpeech is the silence duration that finalises an utterance.
	EndOfSpeech Duration `yaml:"end_of_speech"`

	// GentlePrompt is the shorter lull after which a spoken nudge fires.
	GentlePrompt Duration `yaml:"gentle_prompt"`

	// PostSpeechWait is the cooldown after the coach speaks during which
	// inbound audio is ignored.
	PostSpeechWait Duration `yaml:"post_speech_wait"`

	// SpeechPadding is how much audio preceding a speech onset is kept and
	// prepended to the utterance.
	SpeechPadding Duration `yaml:"speech_padding"`

	// WindowSamples is the VAD analysis window in samples of 16 kHz mono
	// PCM16.
	WindowSamples int `yaml:"window_samples"`

	// SpeechConfirmWindows / SilenceConfirmWindows are the consecutive-window
	// counts that flip the speaking state.
	SpeechConfirmWindows  int `yaml:"speech_confirm_windows"`
	SilenceConfirmWindows int `yaml:"silence_confirm_windows"`

	// MinUtteranceBytes short-circuits near-silent utterances.
	MinUtteranceBytes int `yaml:"min_utterance_bytes"`

	// BackendTimeout bounds each backend call. Zero disables the bound.
	BackendTimeout Duration `yaml:"backend_timeout"`

	// Temperature and MaxTokens are passed to the generation backend.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LatencyConfig tunes the latency monitor.
type LatencyConfig struct {
	// WindowSize is how many samples each rolling window keeps.
	WindowSize int `yaml:"window_size"`

	// Thresholds maps step names to warn thresholds.
	Thresholds map[string]Duration `yaml:"thresholds"`
}

// CacheConfig tunes the synthesized-audio cache.
type CacheConfig struct {
	// Namespace prefixes all cache keys. Empty keeps the built-in default.
	Namespace string `yaml:"namespace"`

	// TTL bounds the lifetime of cached audio.
	TTL Duration `yaml:"ttl"`
}

// StorageConfig holds connection settings for the persistence backends.
type StorageConfig struct {
	// PostgresDSN is the PostgreSQL connection string for session and turn
	// storage. Empty selects the in-memory store (development only).
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr is the Redis host:port for the cache and analysis key-value
	// store. Empty selects the in-memory store.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// SessionConfig tunes session lifecycle management.
type SessionConfig struct {
	// IdleTimeout is how long a session may stay silent before the reaper
	// evicts it.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ReapInterval is how often the reaper scans.
	ReapInterval Duration `yaml:"reap_interval"`

	// ContinuityTTL bounds how long interruption context is kept.
	ContinuityTTL Duration `yaml:"continuity_ttl"`

	// ReconnectGrace is how long a session survives a dropped connection so
	// the client can resume it. Zero disables resumption.
	ReconnectGrace Duration `yaml:"reconnect_grace"`
}

// ScenariosConfig locates the exercise definitions.
type ScenariosConfig struct {
	// Dir is a directory of YAML scenario files. Empty disables scenarios.
	Dir string `yaml:"dir"`
}

// AnalysisConfig tunes the background utterance analysis.
type AnalysisConfig struct {
	// Enabled turns the background analysis scheduler on.
	Enabled bool `yaml:"enabled"`

	// ResultTTL bounds how long analysis markers are kept for deduplication.
	ResultTTL Duration `yaml:"result_ttl"`
}
