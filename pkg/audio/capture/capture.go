// Package capture turns a raw microphone stream into fixed-size conversation
// frames.
//
// A [Source] owns one [Device] and walks the state machine
//
//	Idle → Acquired → Recording → Acquired → … → Released
//
// [Source.Begin] acquires the device, [Source.Record] starts delivering frames
// to a callback, [Source.Pause] stops delivery while keeping the device open,
// and [Source.End] releases the device. After End a new Begin is required.
//
// Frame callbacks run on the source's pump goroutine. A callback must not
// call back into the Source that invoked it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/visiontalk/pkg/audio"
)

// DefaultFrameSamples is the number of samples per emitted frame.
const DefaultFrameSamples = 4096

// ErrInvalidState is returned when an operation is not valid in the source's
// current state, e.g. Record before Begin.
var ErrInvalidState = errors.New("capture: invalid state")

// State is the lifecycle state of a [Source].
type State int

const (
	// StateIdle means the device has never been acquired.
	StateIdle State = iota
	// StateAcquired means the device is open but frames are not delivered.
	StateAcquired
	// StateRecording means frames are delivered to the callback.
	StateRecording
	// StateReleased means the device was released. Begin may acquire it again.
	StateReleased
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquired:
		return "acquired"
	case StateRecording:
		return "recording"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stream is an open microphone. Chunks arriving on Frames may have any size;
// the source re-blocks them. Close must close the Frames channel.
type Stream interface {
	Frames() <-chan []byte
	Format() audio.Format
	Close() error
}

// Device opens microphone streams. Open returns an error when permission is
// denied or no input exists.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Option configures a [Source].
type Option func(*Source)

// WithFrameSamples sets the number of samples per emitted frame.
// Non-positive values are ignored.
func WithFrameSamples(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.frameSamples = n
		}
	}
}

// Source is the audio capture source. All methods are safe for concurrent use.
type Source struct {
	device       Device
	frameSamples int
	conv         audio.FormatConverter

	// emitMu is held while a callback runs. Pause and End take it so that no
	// callback is in flight once they return. Lock order: emitMu, then mu.
	emitMu sync.Mutex

	mu      sync.Mutex
	state   State
	stream  Stream
	done    chan struct{}
	onFrame func(audio.AudioFrame)
	pending []byte
	emitted int
}

// New creates a Source in [StateIdle].
func New(device Device, opts ...Option) *Source {
	s := &Source{
		device:       device,
		frameSamples: DefaultFrameSamples,
		conv:         audio.FormatConverter{Target: audio.ConversationFormat},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Begin acquires the microphone. It is valid from Idle or Released; failure
// to open the device returns an error wrapping [audio.ErrDeviceUnavailable]
// and leaves the state unchanged.
func (s *Source) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && s.state != StateReleased {
		return fmt.Errorf("capture: begin from %s: %w", s.state, ErrInvalidState)
	}

	stream, err := s.device.Open(ctx)
	if err != nil {
		return fmt.Errorf("capture: begin: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.state = StateAcquired
	s.done = make(chan struct{})
	go s.pump(stream, s.done)
	return nil
}

// Record starts delivering frames to onFrame. It is only valid from Acquired.
func (s *Source) Record(onFrame func(audio.AudioFrame)) error {
	if onFrame == nil {
		return errors.New("capture: record: nil callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAcquired {
		return fmt.Errorf("capture: record from %s: %w", s.state, ErrInvalidState)
	}
	s.onFrame = onFrame
	s.pending = s.pending[:0]
	s.emitted = 0
	s.state = StateRecording
	return nil
}

// Pause stops frame delivery and keeps the device acquired. Samples that did
// not yet fill a whole frame are delivered as one short final frame before
// Pause returns. Pausing while already Acquired is a no-op.
func (s *Source) Pause() error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateAcquired:
		s.mu.Unlock()
		return nil
	case StateRecording:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("capture: pause from %s: %w", st, ErrInvalidState)
	}

	cb := s.onFrame
	var tail *audio.AudioFrame
	if len(s.pending) > 0 {
		f := s.frameLocked(s.pending)
		tail = &f
	}
	s.onFrame = nil
	s.pending = nil
	s.state = StateAcquired
	s.mu.Unlock()

	if tail != nil {
		cb(*tail)
	}
	return nil
}

// End releases the device. Calling End on an idle or released source is a
// no-op.
func (s *Source) End() error {
	s.emitMu.Lock()
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateReleased {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return nil
	}
	stream, done := s.stream, s.done
	s.releaseLocked()
	s.mu.Unlock()
	s.emitMu.Unlock()

	err := stream.Close()
	<-done
	if err != nil {
		return fmt.Errorf("capture: end: %w", err)
	}
	return nil
}

func (s *Source) releaseLocked() {
	s.state = StateReleased
	s.stream = nil
	s.done = nil
	s.onFrame = nil
	s.pending = nil
}

// pump reads raw chunks until the stream's channel closes.
func (s *Source) pump(stream Stream, done chan struct{}) {
	defer close(done)

	format := stream.Format()
	for chunk := range stream.Frames() {
		s.deliver(chunk, format)
	}

	s.mu.Lock()
	lost := s.stream == stream
	if lost {
		s.releaseLocked()
	}
	s.mu.Unlock()
	if lost {
		slog.Warn("capture: input stream closed unexpectedly, device released", "format", format.String())
	}
}

func (s *Source) deliver(chunk []byte, format audio.Format) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, s.conv.Convert(chunk, format)...)

	frameBytes := s.frameSamples * audio.BytesPerSample
	var frames []audio.AudioFrame
	for len(s.pending) >= frameBytes {
		frames = append(frames, s.frameLocked(s.pending[:frameBytes]))
		s.pending = s.pending[frameBytes:]
	}
	cb := s.onFrame
	s.mu.Unlock()

	for _, f := range frames {
		cb(f)
	}
}

// frameLocked copies pcm into a fresh frame so the caller owns its buffer.
func (s *Source) frameLocked(pcm []byte) audio.AudioFrame {
	data := make([]byte, len(pcm))
	copy(data, pcm)
	f := audio.AudioFrame{
		Data:       data,
		SampleRate: audio.SampleRate,
		Channels:   1,
		Timestamp:  audio.SamplesToDuration(s.emitted, audio.SampleRate),
	}
	s.emitted += len(data) / audio.BytesPerSample
	return f
}
