// Package playback implements the streamed speaker sink used for model
// responses.
//
// Audio arrives as PCM16 chunks tagged with a track id (the conversation item
// the audio belongs to). Tracks play strictly first-in first-out: chunks for
// the current track are appended in order, and a chunk for a new track id
// queues that track behind the current one. The next track starts once the
// current track's queued audio has been rendered, at which point the earlier
// track is retired as played. Tracks never mix and a retired id never plays
// again.
//
// The sink keeps an exact cursor of how many samples of each track were handed
// to the output device. [Sink.Interrupt] reports that cursor so the remote
// model can truncate its record of what the listener heard.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/visiontalk/pkg/audio"
)

// DefaultQuantum is how much audio the renderer writes per tick.
const DefaultQuantum = 20 * time.Millisecond

// retiredLimit is how many retired track ids are remembered for dropping late
// chunks.
const retiredLimit = 64

// Output is an open speaker. Write blocks until pcm was accepted.
type Output interface {
	Write(pcm []byte) error
	Close() error
}

// Device opens speaker outputs.
type Device interface {
	Open(ctx context.Context) (Output, error)
}

// Interruption records where playback was stopped.
type Interruption struct {
	// TrackID is the track that was rendering when playback stopped.
	TrackID string

	// SampleOffset is the number of samples of TrackID handed to the output
	// device. It never exceeds the samples delivered for that track.
	SampleOffset int
}

// Option configures a [Sink].
type Option func(*Sink)

// WithQuantum sets the renderer's tick length. Values below one millisecond
// are ignored.
func WithQuantum(d time.Duration) Option {
	return func(s *Sink) {
		if d >= time.Millisecond {
			s.quantum = d
		}
	}
}

// WithPullMode disables the built-in renderer. The owner drives playback by
// calling [Sink.Render] from its own clock, e.g. a hardware callback.
func WithPullMode() Option {
	return func(s *Sink) { s.pull = true }
}

type track struct {
	id        string
	buf       []byte
	delivered int
	rendered  int
	ended     bool
}

// Sink is the audio playback sink. All methods are safe for concurrent use.
type Sink struct {
	device  Device
	quantum time.Duration
	pull    bool

	mu        sync.Mutex
	connected bool
	out       Output
	stop      chan struct{}
	done      chan struct{}
	tracks    []*track
	retired   map[string]struct{}
	// retiredOrder lists retired ids oldest first, bounding retired to
	// retiredLimit entries.
	retiredOrder []string

	warnOdd sync.Once
}

// New creates a disconnected sink for device.
func New(device Device, opts ...Option) *Sink {
	s := &Sink{
		device:  device,
		quantum: DefaultQuantum,
		retired: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens the output device and, unless pull mode is set, starts the
// real-time renderer. Connecting an already connected sink is a no-op. On
// failure the error wraps [audio.ErrDeviceUnavailable] and the sink stays
// disconnected, so every other call is a no-op.
func (s *Sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	out, err := s.device.Open(ctx)
	if err != nil {
		return fmt.Errorf("playback: connect: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	s.out = out
	s.connected = true
	if !s.pull {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.render(out, s.stop, s.done)
	}
	return nil
}

// Connected reports whether the output device is open.
func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Add16BitPCM appends chunk to trackID. Empty chunks, chunks for retired
// tracks and chunks arriving while disconnected are dropped.
func (s *Sink) Add16BitPCM(chunk []byte, trackID string) {
	if len(chunk)%audio.BytesPerSample != 0 {
		s.warnOdd.Do(func() {
			slog.Warn("playback: odd byte count in chunk, dropping last byte", "track_id", trackID, "bytes", len(chunk))
		})
		chunk = chunk[:len(chunk)-1]
	}
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return
	}
	if _, gone := s.retired[trackID]; gone {
		slog.Debug("playback: dropping chunk for retired track", "track_id", trackID, "bytes", len(chunk))
		return
	}

	t := s.findLocked(trackID)
	if t == nil {
		t = &track{id: trackID}
		s.tracks = append(s.tracks, t)
	}
	t.buf = append(t.buf, chunk...)
	t.delivered += len(chunk) / audio.BytesPerSample
}

// EndTrack marks trackID as complete. Once its queued audio is rendered the
// track is retired as played.
func (s *Sink) EndTrack(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findLocked(trackID); t != nil {
		t.ended = true
	}
}

// Render fills p with queued audio, advancing the rendered cursor of every
// track it reads from, and returns the number of audio bytes written. The rest
// of p is zero-filled. Render returns 0 when disconnected.
func (s *Sink) Render(p []byte) int {
	s.mu.Lock()
	n := 0
	if s.connected {
		n = s.fillLocked(p[:len(p)&^1])
	}
	s.mu.Unlock()

	clear(p[n:])
	return n
}

func (s *Sink) fillLocked(p []byte) int {
	n := 0
	for n < len(p) {
		s.advanceLocked()
		if len(s.tracks) == 0 || len(s.tracks[0].buf) == 0 {
			break
		}
		cur := s.tracks[0]
		c := copy(p[n:], cur.buf)
		cur.buf = cur.buf[c:]
		cur.rendered += c / audio.BytesPerSample
		n += c
	}
	s.advanceLocked()
	return n
}

// advanceLocked retires exhausted head tracks that were ended or have a later
// track waiting behind them. An exhausted head with neither waits for more
// chunks.
func (s *Sink) advanceLocked() {
	for len(s.tracks) > 0 {
		cur := s.tracks[0]
		if len(cur.buf) > 0 || (!cur.ended && len(s.tracks) == 1) {
			return
		}
		s.retireLocked(cur, "played")
		s.tracks = s.tracks[1:]
	}
}

// Interrupt stops all current and queued playback immediately. It returns the
// track that was rendering together with its rendered sample count, or nil if
// nothing was queued. Every queued track is retired.
func (s *Sink) Interrupt() *Interruption {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.advanceLocked()
	if len(s.tracks) == 0 {
		return nil
	}
	cur := s.tracks[0]
	rec := &Interruption{TrackID: cur.id, SampleOffset: cur.rendered}
	for _, t := range s.tracks {
		s.retireLocked(t, "interrupted")
	}
	s.tracks = nil
	return rec
}

// Playing reports whether any track is queued.
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks) > 0
}

// Close stops the renderer, discards all tracks and closes the output device.
// Closing a disconnected sink is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	out, stop, done := s.out, s.stop, s.done
	s.disconnectLocked()
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	// Closing the output unblocks a renderer stuck in Write.
	err := out.Close()
	if done != nil {
		<-done
	}
	if err != nil {
		return fmt.Errorf("playback: close: %w", err)
	}
	return nil
}

func (s *Sink) disconnectLocked() {
	for _, t := range s.tracks {
		s.retireLocked(t, "discarded")
	}
	s.tracks = nil
	s.connected = false
	s.out = nil
	s.stop = nil
	s.done = nil
}

func (s *Sink) findLocked(id string) *track {
	for _, t := range s.tracks {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (s *Sink) retireLocked(t *track, how string) {
	if _, ok := s.retired[t.id]; !ok {
		s.retired[t.id] = struct{}{}
		s.retiredOrder = append(s.retiredOrder, t.id)
		if len(s.retiredOrder) > retiredLimit {
			delete(s.retired, s.retiredOrder[0])
			s.retiredOrder = s.retiredOrder[1:]
		}
	}
	slog.Debug("playback: track retired", "track_id", t.id, "how", how,
		"delivered", t.delivered, "rendered", t.rendered)
}

// render is the real-time clock: one quantum per tick, written to out.
// Silence is not written, so the output only ever sees response audio.
func (s *Sink) render(out Output, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, audio.DurationToSamples(s.quantum, audio.SampleRate)*audio.BytesPerSample)
	ticker := time.NewTicker(s.quantum)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n := s.Render(buf)
		if n == 0 {
			continue
		}
		pcm := make([]byte, n)
		copy(pcm, buf[:n])
		if err := out.Write(pcm); err != nil {
			s.fail(out, err)
			return
		}
	}
}

// fail disconnects the sink after an output write error.
func (s *Sink) fail(out Output, err error) {
	s.mu.Lock()
	if s.out != out {
		s.mu.Unlock()
		return
	}
	s.disconnectLocked()
	s.mu.Unlock()

	slog.Warn("playback: output device failed, sink disconnected", "err", err)
	if cerr := out.Close(); cerr != nil {
		slog.Debug("playback: close after failure", "err", cerr)
	}
}
