// Package mock provides an in-memory [realtime.Session] and
// [realtime.Provider] for unit tests.
//
// The session records every call in order, including calls made through other
// recorders that share its [Log], so tests can assert on cross-component
// ordering such as "cancel before the first appended frame".
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/visiontalk/pkg/audio"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

var (
	_ realtime.Session  = (*Session)(nil)
	_ realtime.Provider = (*Provider)(nil)
)

// Call is one recorded method call.
type Call struct {
	Method string
	Args   []any
}

// String renders the call as Method(arg, ...).
func (c Call) String() string {
	return fmt.Sprintf("%s%v", c.Method, c.Args)
}

// Log is a concurrency-safe, ordered call recorder.
type Log struct {
	mu    sync.Mutex
	calls []Call
}

// Record appends a call.
func (l *Log) Record(method string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of the recorded calls.
func (l *Log) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Methods returns the recorded method names in order.
func (l *Log) Methods() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	for i, c := range l.calls {
		out[i] = c.Method
	}
	return out
}

// Count returns how many times method was recorded.
func (l *Log) Count(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock [realtime.Session]. Set the *Err fields to control return
// values; push remote events with Emit.
type Session struct {
	// Log receives every call. A zero Session records into its own Log.
	Log *Log

	mu sync.Mutex

	// AppendErr is returned by AppendInputAudio.
	AppendErr error
	// CreateErr is returned by CreateResponse.
	CreateErr error
	// CancelErr is returned by CancelResponse.
	CancelErr error
	// TextErr is returned by SendUserText.
	TextErr error
	// InstructionsErr is returned by UpdateInstructions.
	InstructionsErr error

	// Frames holds every appended frame in order.
	Frames []audio.AudioFrame
	// Cancels holds every CancelResponse argument pair in order.
	Cancels []Cancel
	// Texts holds every SendUserText argument.
	Texts []string
	// Instructions holds every UpdateInstructions argument.
	Instructions []string

	events    chan realtime.Event
	once      sync.Once
	closed    bool
	closeOnce sync.Once
}

// Cancel is one recorded CancelResponse call.
type Cancel struct {
	TrackID      string
	SampleOffset int
}

func (s *Session) init() {
	s.once.Do(func() {
		if s.Log == nil {
			s.Log = &Log{}
		}
		s.events = make(chan realtime.Event, 64)
	})
}

// Emit delivers e on the Events channel. It panics after Close.
func (s *Session) Emit(e realtime.Event) {
	s.init()
	s.events <- e
}

// AppendInputAudio implements [realtime.Session].
func (s *Session) AppendInputAudio(frame audio.AudioFrame) error {
	s.init()
	s.Log.Record("AppendInputAudio", len(frame.Data))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, frame)
	return s.AppendErr
}

// CreateResponse implements [realtime.Session].
func (s *Session) CreateResponse() error {
	s.init()
	s.Log.Record("CreateResponse")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CreateErr
}

// CancelResponse implements [realtime.Session].
func (s *Session) CancelResponse(trackID string, sampleOffset int) error {
	s.init()
	s.Log.Record("CancelResponse", trackID, sampleOffset)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cancels = append(s.Cancels, Cancel{TrackID: trackID, SampleOffset: sampleOffset})
	return s.CancelErr
}

// SendUserText implements [realtime.Session].
func (s *Session) SendUserText(text string) error {
	s.init()
	s.Log.Record("SendUserText", text)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	return s.TextErr
}

// UpdateInstructions implements [realtime.Session].
func (s *Session) UpdateInstructions(instructions string) error {
	s.init()
	s.Log.Record("UpdateInstructions", instructions)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Instructions = append(s.Instructions, instructions)
	return s.InstructionsErr
}

// Events implements [realtime.Session].
func (s *Session) Events() <-chan realtime.Event {
	s.init()
	return s.events
}

// Err implements [realtime.Session]. Always nil.
func (s *Session) Err() error { return nil }

// Close implements [realtime.Session]. It closes the Events channel.
func (s *Session) Close() error {
	s.init()
	s.Log.Record("Close")
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CancelCalls returns a copy of Cancels.
func (s *Session) CancelCalls() []Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Cancel(nil), s.Cancels...)
}

// FrameCount returns how many frames were appended.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock [realtime.Provider] that hands out Session.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. A new one is created when nil.
	Session *Session
	// ConnectErr, when non-nil, is returned by Connect.
	ConnectErr error

	// Configs records every SessionConfig passed to Connect.
	Configs []realtime.SessionConfig
}

// Connect implements [realtime.Provider].
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = &Session{}
	}
	return p.Session, nil
}

// LastConfig returns the most recent SessionConfig, if any.
func (p *Provider) LastConfig() (realtime.SessionConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Configs) == 0 {
		return realtime.SessionConfig{}, false
	}
	return p.Configs[len(p.Configs)-1], true
}

// CurrentSession returns the session handed out by Connect, if any.
func (p *Provider) CurrentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Session
}

// ConnectCount returns how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}
