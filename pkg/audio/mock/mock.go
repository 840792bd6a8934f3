// Package mock provides in-memory microphone and speaker devices implementing
// [capture.Device] and [playback.Device] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts, and they expose exported fields that control return
// values.
//
// Typical usage:
//
//	mic := &mock.Mic{}
//	src := capture.New(mic, capture.WithFrameSamples(160))
//	_ = src.Begin(ctx)
//	mic.Stream().Push(pcm)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/visiontalk/pkg/audio"
	"github.com/MrWong99/visiontalk/pkg/audio/capture"
	"github.com/MrWong99/visiontalk/pkg/audio/playback"
)

var (
	_ capture.Device  = (*Mic)(nil)
	_ capture.Stream  = (*MicStream)(nil)
	_ playback.Device = (*Speaker)(nil)
	_ playback.Output = (*SpeakerOutput)(nil)
)

// ─── Mic ──────────────────────────────────────────────────────────────────────

// Mic is a mock [capture.Device].
type Mic struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// Format is the format of opened streams. Zero means the conversation
	// format.
	Format audio.Format

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	streams []*MicStream
}

// Open implements [capture.Device].
func (m *Mic) Open(_ context.Context) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	f := m.Format
	if f == (audio.Format{}) {
		f = audio.ConversationFormat
	}
	s := newMicStream(f)
	m.streams = append(m.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (m *Mic) Stream() *MicStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// MicStream is an open mock microphone. Tests feed it with Push.
type MicStream struct {
	format audio.Format
	in     chan []byte
	out    chan []byte
	quit   chan struct{}
	once   sync.Once
}

func newMicStream(f audio.Format) *MicStream {
	s := &MicStream{
		format: f,
		in:     make(chan []byte),
		out:    make(chan []byte),
		quit:   make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *MicStream) forward() {
	defer close(s.out)
	for {
		select {
		case c := <-s.in:
			select {
			case s.out <- c:
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

// Push hands pcm to the stream. It reports false once the stream is closed.
func (s *MicStream) Push(pcm []byte) bool {
	select {
	case s.in <- pcm:
		return true
	case <-s.quit:
		return false
	}
}

// Frames implements [capture.Stream].
func (s *MicStream) Frames() <-chan []byte { return s.out }

// Format implements [capture.Stream].
func (s *MicStream) Format() audio.Format { return s.format }

// Close implements [capture.Stream]. It is also how a test simulates losing
// the device.
func (s *MicStream) Close() error {
	s.once.Do(func() { close(s.quit) })
	return nil
}

// Closed reports whether Close was called.
func (s *MicStream) Closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [playback.Device].
type Speaker struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	outputs []*SpeakerOutput
}

// Open implements [playback.Device].
func (s *Speaker) Open(_ context.Context) (playback.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	o := &SpeakerOutput{}
	s.outputs = append(s.outputs, o)
	return o, nil
}

// Output returns the most recently opened output, or nil.
func (s *Speaker) Output() *SpeakerOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return nil
	}
	return s.outputs[len(s.outputs)-1]
}

// SpeakerOutput is an open mock speaker that records written PCM.
type SpeakerOutput struct {
	mu sync.Mutex

	// WriteErr, when non-nil, is returned by Write.
	WriteErr error

	written []byte
	writes  int
	closed  bool
}

// Write implements [playback.Output].
func (o *SpeakerOutput) Write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes++
	if o.WriteErr != nil {
		return o.WriteErr
	}
	o.written = append(o.written, pcm...)
	return nil
}

// Close implements [playback.Output].
func (o *SpeakerOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// SetWriteErr sets WriteErr under the output's lock.
func (o *SpeakerOutput) SetWriteErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.WriteErr = err
}

// Written returns a copy of everything written so far.
func (o *SpeakerOutput) Written() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.written...)
}

// Writes returns how many times Write was called.
func (o *SpeakerOutput) Writes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writes
}

// Closed reports whether Close was called.
func (o *SpeakerOutput) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
