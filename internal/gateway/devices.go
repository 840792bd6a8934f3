package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/visiontalk/pkg/audio"
	"github.com/MrWong99/visiontalk/pkg/audio/capture"
	"github.com/MrWong99/visiontalk/pkg/audio/playback"
)

// micBuffer is how many browser audio messages may queue before new ones
// are dropped.
const micBuffer = 64

var errSocketClosed = errors.New("gateway: socket closed")

var (
	_ capture.Device  = (*socketMic)(nil)
	_ capture.Stream  = (*micStream)(nil)
	_ playback.Device = (*socketSpeaker)(nil)
	_ playback.Output = (*speakerOutput)(nil)
)

// socketMic is the browser microphone: binary WebSocket messages pushed by
// the read loop become the frames of the currently open stream.
type socketMic struct {
	format audio.Format

	mu     sync.Mutex
	gone   bool
	stream *micStream
}

func newSocketMic(sampleRate int) *socketMic {
	return &socketMic{format: audio.Format{SampleRate: sampleRate, Channels: 1}}
}

// Open implements [capture.Device]. It fails once the socket is gone.
func (m *socketMic) Open(context.Context) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return nil, errSocketClosed
	}
	if m.stream != nil {
		m.stream.close()
	}
	m.stream = &micStream{frames: make(chan []byte, micBuffer), format: m.format}
	return m.stream, nil
}

// push hands pcm to the open stream. Audio arriving while no stream is open
// is discarded.
func (m *socketMic) push(pcm []byte) {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s != nil {
		s.push(pcm)
	}
}

// lost closes the open stream and refuses further opens.
func (m *socketMic) lost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone = true
	if m.stream != nil {
		m.stream.close()
		m.stream = nil
	}
}

type micStream struct {
	format audio.Format
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *micStream) push(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- pcm:
	default:
		slog.Debug("gateway: microphone buffer full, dropping audio", "bytes", len(pcm))
	}
}

func (s *micStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

func (s *micStream) Frames() <-chan []byte { return s.frames }
func (s *micStream) Format() audio.Format  { return s.format }
func (s *micStream) Close() error {
	s.close()
	return nil
}

// socketSpeaker is the browser speaker: every rendered quantum is sent as a
// binary WebSocket message.
type socketSpeaker struct {
	send func(ctx context.Context, pcm []byte) error
}

// Open implements [playback.Device].
func (s *socketSpeaker) Open(ctx context.Context) (playback.Output, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &speakerOutput{send: s.send, ctx: ctx, cancel: cancel}, nil
}

type speakerOutput struct {
	send   func(ctx context.Context, pcm []byte) error
	ctx    context.Context
	cancel context.CancelFunc
}

// Write blocks until the message was written or the output was closed.
func (o *speakerOutput) Write(pcm []byte) error {
	if err := o.ctx.Err(); err != nil {
		return errSocketClosed
	}
	return o.send(o.ctx, pcm)
}

// Close unblocks a pending Write.
func (o *speakerOutput) Close() error {
	o.cancel()
	return nil
}
