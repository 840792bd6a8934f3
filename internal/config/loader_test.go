package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/visiontalk/internal/config"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  max_body_bytes: 1048576
realtime:
  provider: openai
  api_key: sk-rt
  model: gpt-4o-realtime-preview
  voice: alloy
  instructions: "You are helpful."
  greeting: "-"
  turn_detection: server_vad
vision:
  api_key: sk-vision
  model: gpt-4o
  fallback_models: [gpt-4o-mini]
  max_tokens: 200
  timeout: 10s
audio:
  input_sample_rate: 48000
  frame_samples: 2048
  render_quantum_ms: 10
conversations:
  postgres_dsn: "postgres://localhost/visiontalk"
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.MaxBodyBytes != 1<<20 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Realtime.TurnDetection != config.TurnDetectionServerVAD || cfg.Realtime.Voice != "alloy" {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if !config.Disabled(cfg.Realtime.Greeting) {
		t.Errorf("greeting = %q, want disabled", cfg.Realtime.Greeting)
	}
	if cfg.Vision.Timeout != 10*time.Second || cfg.Vision.MaxTokens != 200 || len(cfg.Vision.FallbackModels) != 1 {
		t.Errorf("vision = %+v", cfg.Vision)
	}
	if cfg.Audio.RenderQuantum() != 10*time.Millisecond || cfg.Audio.InputSampleRate != 48000 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Conversations.PostgresDSN == "" {
		t.Error("postgres_dsn not decoded")
	}
	// The config enum must line up with what the session accepts.
	if string(cfg.Realtime.TurnDetection) != string(realtime.TurnDetectionServerVAD) {
		t.Errorf("turn detection %q does not match realtime package", cfg.Realtime.TurnDetection)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"max_body_bytes", cfg.Server.MaxBodyBytes, int64(config.DefaultMaxBodyBytes)},
		{"greeting", cfg.Realtime.Greeting, config.DefaultGreeting},
		{"instructions", cfg.Realtime.Instructions, config.DefaultInstructions},
		{"transcription_model", cfg.Realtime.TranscriptionModel, "whisper-1"},
		{"turn_detection", cfg.Realtime.TurnDetection, config.TurnDetectionNone},
		{"vision.model", cfg.Vision.Model, "gpt-4o"},
		{"vision.max_tokens", cfg.Vision.MaxTokens, 150},
		{"input_sample_rate", cfg.Audio.InputSampleRate, 24000},
		{"frame_samples", cfg.Audio.FrameSamples, 4096},
		{"render_quantum_ms", cfg.Audio.RenderQuantumMS, 20},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("err = %v, want path in message", err)
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr == "" {
		t.Error("defaults not applied")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvAPIKey:     "sk-env",
		config.EnvListenAddr: ":7070",
	}
	getenv := func(k string) string { return env[k] }

	cfg := &config.Config{}
	cfg.Vision.APIKey = "sk-explicit"
	config.ApplyEnv(cfg, getenv)

	if cfg.Realtime.APIKey != "sk-env" {
		t.Errorf("realtime.api_key = %q, want env value", cfg.Realtime.APIKey)
	}
	if cfg.Vision.APIKey != "sk-explicit" {
		t.Errorf("vision.api_key = %q, explicit value must win", cfg.Vision.APIKey)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"turn detection", func(c *config.Config) { c.Realtime.TurnDetection = "semantic" }, "realtime.turn_detection"},
		{"realtime url", func(c *config.Config) { c.Realtime.BaseURL = "not a url" }, "realtime.base_url"},
		{"relay url", func(c *config.Config) { c.Vision.RelayURL = "ftp://relay" }, "vision.relay_url"},
		{"fallback", func(c *config.Config) { c.Vision.FallbackModels = []string{" "} }, "vision.fallback_models[0]"},
		{"tokens", func(c *config.Config) { c.Vision.MaxTokens = -1 }, "vision.max_tokens"},
		{"sample rate", func(c *config.Config) { c.Audio.InputSampleRate = 4000 }, "audio.input_sample_rate"},
		{"quantum", func(c *config.Config) { c.Audio.RenderQuantumMS = 5000 }, "audio.render_quantum_ms"},
		{"static dir", func(c *config.Config) { c.Server.StaticDir = "/does/not/exist" }, "server.static_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			cfg.Realtime.APIKey, cfg.Vision.APIKey = "k", "k"
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Audio.FrameSamples = -1
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Errorf("err = %v, want two joined errors", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Realtime.TurnDetection != config.TurnDetectionNone || cfg.Audio.RenderQuantumMS != 20 {
		t.Errorf("example config drifted from defaults: %+v", cfg)
	}
}
