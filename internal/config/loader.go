package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays FABLEVOICE_*
// environment variables, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays the environment,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
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

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Story.Path == "" {
		errs = append(errs, errors.New("story.path is required"))
	}

	if cfg.TTS.Provider != "" && !cfg.TTS.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("tts.provider %q is invalid; valid values: http, mock, none", cfg.TTS.Provider))
	}
	if cfg.TTS.Provider == TTSHTTP && cfg.TTS.ServerURL == "" {
		errs = append(errs, errors.New("tts.server_url is required when tts.provider is http"))
	}
	if cfg.TTS.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("tts.sample_rate %d is negative", cfg.TTS.SampleRate))
	}

	if cfg.STT.Provider != "" && !cfg.STT.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("stt.provider %q is invalid; valid values: vosk, mock, none", cfg.STT.Provider))
	}
	if cfg.STT.Provider == STTVosk && cfg.STT.ModelPath == "" {
		errs = append(errs, errors.New("stt.model_path is required when stt.provider is vosk"))
	}

	return errors.Join(errs...)
}
