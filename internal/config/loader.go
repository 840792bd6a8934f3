package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidRealtimeProviders lists the realtime provider names known to this
// build. Used by [Validate] to warn about unrecognised names.
var ValidRealtimeProviders = []string{"openai"}

// Environment variables consulted by [ApplyEnv].
const (
	EnvAPIKey     = "OPENAI_API_KEY"
	EnvListenAddr = "VISIONTALK_LISTEN_ADDR"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
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

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills cfg from the environment. OPENAI_API_KEY fills any empty
// api_key; VISIONTALK_LISTEN_ADDR overrides the listen address.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if key := getenv(EnvAPIKey); key != "" {
		if cfg.Realtime.APIKey == "" {
			cfg.Realtime.APIKey = key
		}
		if cfg.Vision.APIKey == "" {
			cfg.Vision.APIKey = key
		}
	}
	if addr := getenv(EnvListenAddr); addr != "" {
		cfg.Server.ListenAddr = addr
	}
}

// ApplyDefaults sets every zero field that has a default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	setDefault(&cfg.Realtime.Provider, DefaultRealtimeProvider)
	setDefault(&cfg.Realtime.Model, DefaultRealtimeModel)
	setDefault(&cfg.Realtime.Instructions, DefaultInstructions)
	setDefault(&cfg.Realtime.Greeting, DefaultGreeting)
	setDefault(&cfg.Realtime.TranscriptionModel, DefaultTranscriptionModel)
	setDefault(&cfg.Realtime.TurnDetection, TurnDetectionNone)

	setDefault(&cfg.Vision.Model, DefaultVisionModel)
	if cfg.Vision.MaxTokens == 0 {
		cfg.Vision.MaxTokens = DefaultVisionMaxTokens
	}
	if cfg.Vision.Timeout == 0 {
		cfg.Vision.Timeout = DefaultVisionTimeout
	}

	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = DefaultFrameSamples
	}
	if cfg.Audio.RenderQuantumMS == 0 {
		cfg.Audio.RenderQuantumMS = DefaultRenderQuantumMS
	}
}

func setDefault[T ~string](field *T, def T) {
	if *field == "" {
		*field = def
	}
}

// Disabled reports whether an optional string setting was switched off with
// "-".
func Disabled(v string) bool { return v == "-" }

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes %d must not be negative", cfg.Server.MaxBodyBytes))
	}
	if cfg.Server.StaticDir != "" {
		if info, err := os.Stat(cfg.Server.StaticDir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("server.static_dir %q is not a directory", cfg.Server.StaticDir))
		}
	}

	// Realtime
	if cfg.Realtime.TurnDetection != "" && !cfg.Realtime.TurnDetection.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.turn_detection %q is invalid; valid values: none, server_vad", cfg.Realtime.TurnDetection))
	}
	if cfg.Realtime.Provider != "" && !slices.Contains(ValidRealtimeProviders, cfg.Realtime.Provider) {
		slog.Warn("unknown realtime provider name, may be a typo or third-party provider",
			"name", cfg.Realtime.Provider,
			"known", ValidRealtimeProviders,
		)
	}
	if cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty and OPENAI_API_KEY is not set; conversations cannot connect")
	}
	if cfg.Realtime.BaseURL != "" {
		if err := validateURL(cfg.Realtime.BaseURL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("realtime.base_url: %w", err))
		}
	}

	// Vision
	if cfg.Vision.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("vision.max_tokens %d must not be negative", cfg.Vision.MaxTokens))
	}
	if cfg.Vision.Timeout < 0 {
		errs = append(errs, fmt.Errorf("vision.timeout %s must not be negative", cfg.Vision.Timeout))
	}
	for i, m := range cfg.Vision.FallbackModels {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Errorf("vision.fallback_models[%d] is empty", i))
		}
	}
	if cfg.Vision.RelayURL != "" {
		if err := validateURL(cfg.Vision.RelayURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("vision.relay_url: %w", err))
		}
	} else if cfg.Vision.APIKey == "" {
		slog.Warn("vision.api_key is empty and no relay_url is set; snapshot questions will fail")
	}

	// Audio
	if cfg.Audio.InputSampleRate < 0 || cfg.Audio.InputSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 192000]", cfg.Audio.InputSampleRate))
	} else if cfg.Audio.InputSampleRate > 0 && cfg.Audio.InputSampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 192000]", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must not be negative", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.RenderQuantumMS < 0 || cfg.Audio.RenderQuantumMS > 1000 {
		errs = append(errs, fmt.Errorf("audio.render_quantum_ms %d is out of range [1, 1000]", cfg.Audio.RenderQuantumMS))
	}

	// Conversations
	if cfg.Conversations.PostgresDSN == "" {
		slog.Debug("conversations.postgres_dsn is empty; conversation logs are kept in memory")
	}

	return errors.Join(errs...)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
	}
	return nil
}
