package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/visiontalk/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
realtime:
  instructions: "Be brief."
`

const watcherUpdatedYAML = `
server:
  log_level: debug
realtime:
  instructions: "Be brief and cheerful."
  voice: verse
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeFile writes content and moves the mtime forward so that filesystems
// with coarse timestamps still register the change.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	var prev time.Time
	if info, err := os.Stat(path); err == nil {
		prev = info.ModTime()
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	if !prev.IsZero() {
		next := prev.Add(2 * time.Second)
		if err := os.Chtimes(path, next, next); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func newWatcher(t *testing.T, yaml string, fn config.ChangeFunc) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, yaml)
	w, err := config.NewWatcher(context.Background(), path, fn, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Realtime.Instructions != "Be brief." {
		t.Errorf("instructions = %q", cfg.Realtime.Instructions)
	}
	if cfg.Audio.FrameSamples != config.DefaultFrameSamples {
		t.Errorf("defaults not applied: frame_samples = %d", cfg.Audio.FrameSamples)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	type change struct {
		old, new *config.Config
		diff     config.ConfigDiff
	}
	got := make(chan change, 1)
	w, path := newWatcher(t, watcherValidYAML, func(old, new *config.Config, diff config.ConfigDiff) {
		select {
		case got <- change{old, new, diff}:
		default:
		}
	})

	writeFile(t, path, watcherUpdatedYAML)

	var c change
	select {
	case c = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels: old %q new %q", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if !c.diff.InstructionsChanged || c.diff.NewInstructions != "Be brief and cheerful." {
		t.Errorf("diff = %+v", c.diff)
	}
	if len(c.diff.RestartRequired) != 1 || c.diff.RestartRequired[0] != "realtime" {
		t.Errorf("RestartRequired = %v, want [realtime] for the voice change", c.diff.RestartRequired)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q", cur.Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config, _ config.ConfigDiff) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, path, watcherInvalidYAML)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback called %d times for an invalid config", calls)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() log_level = %q, want previous config", cur.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	_, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config, _ config.ConfigDiff) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback fired %d times for a touch", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(context.Background(), "/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestWatcher_StopsWithContextAndStopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := config.NewWatcher(ctx, path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
