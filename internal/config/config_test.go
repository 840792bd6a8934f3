package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/visiontalk/internal/config"
	"github.com/MrWong99/visiontalk/pkg/realtime"
	rtmock "github.com/MrWong99/visiontalk/pkg/realtime/mock"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestTurnDetection_IsValid(t *testing.T) {
	t.Parallel()
	tests := map[config.TurnDetection]bool{
		config.TurnDetectionNone:      true,
		config.TurnDetectionServerVAD: true,
		"semantic_vad":                false,
		"":                            false,
	}
	for td, want := range tests {
		if got := td.IsValid(); got != want {
			t.Errorf("%q.IsValid() = %v, want %v", td, got, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	if _, err := r.CreateRealtime(config.RealtimeConfig{Provider: "openai"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}

	want := &rtmock.Provider{}
	var gotCfg config.RealtimeConfig
	r.RegisterRealtime("openai", func(cfg config.RealtimeConfig) (realtime.Provider, error) {
		gotCfg = cfg
		return want, nil
	})
	r.RegisterRealtime("fake", func(config.RealtimeConfig) (realtime.Provider, error) {
		return nil, errors.New("fake down")
	})

	p, err := r.CreateRealtime(config.RealtimeConfig{Provider: "openai", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if p != want || gotCfg.Model != "m" {
		t.Errorf("factory got %+v, returned %v", gotCfg, p)
	}
	if _, err := r.CreateRealtime(config.RealtimeConfig{Provider: "fake"}); err == nil {
		t.Error("factory error not returned")
	}
	if names := r.RealtimeNames(); !slices.Equal(names, []string{"fake", "openai"}) {
		t.Errorf("names = %v", names)
	}
}
