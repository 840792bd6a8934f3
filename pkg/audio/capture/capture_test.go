package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/visiontalk/pkg/audio"
	"github.com/MrWong99/visiontalk/pkg/audio/capture"
	"github.com/MrWong99/visiontalk/pkg/audio/mock"
)

const frameSamples = 160

// collector gathers frames delivered to a Record callback.
type collector struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) onFrame(f audio.AudioFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for c.count() < n {
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, c.count())
		}
	}
}

func frameBytes(n int) []byte {
	return make([]byte, n*audio.BytesPerSample)
}

func newSource(t *testing.T) (*capture.Source, *mock.Mic) {
	t.Helper()
	mic := &mock.Mic{}
	return capture.New(mic, capture.WithFrameSamples(frameSamples)), mic
}

func TestSource_ThreeFramesThenPause(t *testing.T) {
	t.Parallel()

	src, mic := newSource(t)
	ctx := context.Background()

	if err := src.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := src.State(); got != capture.StateAcquired {
		t.Fatalf("State = %s, want acquired", got)
	}

	c := newCollector()
	if err := src.Record(c.onFrame); err != nil {
		t.Fatalf("Record: %v", err)
	}

	stream := mic.Stream()
	for range 3 {
		stream.Push(frameBytes(frameSamples))
	}
	c.waitFor(t, 3)

	if err := src.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Audio pushed after Pause must not reach the callback.
	stream.Push(frameBytes(frameSamples))
	stream.Push(frameBytes(frameSamples))

	if err := src.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if !stream.Closed() {
		t.Error("device stream not closed after End")
	}
	if got := src.State(); got != capture.StateReleased {
		t.Errorf("State = %s, want released", got)
	}
	if got := c.count(); got != 3 {
		t.Errorf("frames observed = %d, want 3", got)
	}
}

func TestSource_ReblocksAndTimestamps(t *testing.T) {
	t.Parallel()

	src, mic := newSource(t)
	if err := src.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer src.End()

	c := newCollector()
	if err := src.Record(c.onFrame); err != nil {
		t.Fatal(err)
	}

	// 100 + 300 samples = 2.5 frames of 160.
	mic.Stream().Push(frameBytes(100))
	mic.Stream().Push(frameBytes(300))
	c.waitFor(t, 2)

	if err := src.Pause(); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) != 3 {
		t.Fatalf("frames = %d, want 3 (two full, one short tail)", len(c.frames))
	}
	for i, want := range []int{160, 160, 80} {
		if got := c.frames[i].Samples(); got != want {
			t.Errorf("frame %d samples = %d, want %d", i, got, want)
		}
	}
	if got := c.frames[1].Timestamp; got != audio.SamplesToDuration(160, audio.SampleRate) {
		t.Errorf("frame 1 timestamp = %v", got)
	}
}

func TestSource_ConvertsDeviceFormat(t *testing.T) {
	t.Parallel()

	mic := &mock.Mic{Format: audio.Format{SampleRate: 48000, Channels: 2}}
	src := capture.New(mic, capture.WithFrameSamples(frameSamples))
	if err := src.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer src.End()

	c := newCollector()
	if err := src.Record(c.onFrame); err != nil {
		t.Fatal(err)
	}
	// 320 stereo frames at 48 kHz = 160 mono samples at 24 kHz.
	mic.Stream().Push(make([]byte, 320*4))
	c.waitFor(t, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frames[0]
	if f.SampleRate != audio.SampleRate || f.Channels != 1 || f.Samples() != frameSamples {
		t.Errorf("frame = %d Hz, %d ch, %d samples", f.SampleRate, f.Channels, f.Samples())
	}
}

func TestSource_InvalidTransitions(t *testing.T) {
	t.Parallel()

	src, _ := newSource(t)
	noop := func(audio.AudioFrame) {}

	if err := src.Record(noop); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Record before Begin: err = %v, want ErrInvalidState", err)
	}
	if err := src.Pause(); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Pause before Begin: err = %v, want ErrInvalidState", err)
	}

	if err := src.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := src.Begin(context.Background()); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("second Begin: err = %v, want ErrInvalidState", err)
	}
	if err := src.Pause(); err != nil {
		t.Errorf("Pause while acquired should be a no-op, got %v", err)
	}
	if err := src.Record(noop); err != nil {
		t.Fatal(err)
	}
	if err := src.Record(noop); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Record while recording: err = %v, want ErrInvalidState", err)
	}
	if err := src.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := src.Pause(); err != nil {
		t.Errorf("second Pause: %v", err)
	}

	if err := src.End(); err != nil {
		t.Fatal(err)
	}
	if err := src.End(); err != nil {
		t.Errorf("second End: %v", err)
	}
	if err := src.Record(noop); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Record after End: err = %v, want ErrInvalidState", err)
	}

	// A new Begin re-acquires the device.
	if err := src.Begin(context.Background()); err != nil {
		t.Fatalf("Begin after End: %v", err)
	}
	_ = src.End()
}

func TestSource_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	mic := &mock.Mic{OpenErr: errors.New("permission denied")}
	src := capture.New(mic)

	err := src.Begin(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if got := src.State(); got != capture.StateIdle {
		t.Errorf("State = %s, want idle", got)
	}
}

func TestSource_DeviceLost(t *testing.T) {
	t.Parallel()

	src, mic := newSource(t)
	if err := src.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := src.Record(func(audio.AudioFrame) {}); err != nil {
		t.Fatal(err)
	}
	_ = mic.Stream().Close()

	deadline := time.Now().Add(2 * time.Second)
	for src.State() != capture.StateReleased {
		if time.Now().After(deadline) {
			t.Fatalf("State = %s, want released after device loss", src.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
