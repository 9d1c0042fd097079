// Package config provides the configuration schema, loader, and environment
// overlay for the FableVoice engine.
package config

// LogLevel controls log verbosity.
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

// TTSProvider selects the speech synthesis backend.
type TTSProvider string

const (
	// TTSHTTP uses a Coqui-compatible HTTP synthesis server.
	TTSHTTP TTSProvider = "http"

	// TTSMock uses the in-memory mock engine; narration completes
	// instantly and silently.
	TTSMock TTSProvider = "mock"

	// TTSNone disables narration entirely.
	TTSNone TTSProvider = "none"
)

// IsValid reports whether p is a recognised TTS provider.
func (p TTSProvider) IsValid() bool {
	switch p {
	case TTSHTTP, TTSMock, TTSNone:
		return true
	}
	return false
}

// STTProvider selects the speech recognition backend.
type STTProvider string

const (
	// STTVosk uses a local Vosk model with microphone capture.
	STTVosk STTProvider = "vosk"

	// STTMock uses the in-memory mock engine.
	STTMock STTProvider = "mock"

	// STTNone disables voice input entirely.
	STTNone STTProvider = "none"
)

// IsValid reports whether p is a recognised STT provider.
func (p STTProvider) IsValid() bool {
	switch p {
	case STTVosk, STTMock, STTNone:
		return true
	}
	return false
}

// Config is the root configuration structure for FableVoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// FABLEVOICE_* environment variables override individual fields.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Story  StoryConfig  `yaml:"story"`
	State  StateConfig  `yaml:"state"`
	TTS    TTSConfig    `yaml:"tts"`
	STT    STTConfig    `yaml:"stt"`
}

// ServerConfig holds the operational HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics/health server listens on
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr" env:"FABLEVOICE_LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"FABLEVOICE_LOG_LEVEL"`
}

// StoryConfig locates the story document.
type StoryConfig struct {
	// Path is the filesystem path of the story JSON document.
	Path string `yaml:"path" env:"FABLEVOICE_STORY_PATH"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// Path is the SQLite database file for saved progress. Empty disables
	// persistence; progress then lives only for the process lifetime.
	Path string `yaml:"path" env:"FABLEVOICE_STATE_PATH"`

	// Namespace keys the saved state within the database, so several
	// stories can share one file. Defaults to the story title when empty.
	Namespace string `yaml:"namespace" env:"FABLEVOICE_STATE_NAMESPACE"`
}

// TTSConfig configures the narration backend.
type TTSConfig struct {
	// Provider selects the synthesis backend.
	Provider TTSProvider `yaml:"provider" env:"FABLEVOICE_TTS_PROVIDER"`

	// ServerURL is the base URL of the Coqui-compatible synthesis server
	// (e.g., "http://localhost:5002"). Required for the http provider.
	ServerURL string `yaml:"server_url" env:"FABLEVOICE_TTS_SERVER_URL"`

	// Language is the BCP-47 language tag preferred when picking a
	// narration voice.
	Language string `yaml:"language" env:"FABLEVOICE_TTS_LANGUAGE"`

	// SampleRate is the playback sample rate in Hz. 0 selects the
	// provider's default.
	SampleRate int `yaml:"sample_rate" env:"FABLEVOICE_TTS_SAMPLE_RATE"`
}

// STTConfig configures the voice input backend.
type STTConfig struct {
	// Provider selects the recognition backend.
	Provider STTProvider `yaml:"provider" env:"FABLEVOICE_STT_PROVIDER"`

	// ModelPath is the directory of the Vosk acoustic model. Required for
	// the vosk provider.
	ModelPath string `yaml:"model_path" env:"FABLEVOICE_STT_MODEL_PATH"`
}

// Default returns the configuration used when no file is given: speech
// engines off, metrics on :9090, info logging.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		TTS: TTSConfig{Provider: TTSNone, Language: "en"},
		STT: STTConfig{Provider: STTNone},
	}
}
