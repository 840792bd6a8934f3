// Package openai implements realtime.Provider for the OpenAI Realtime API.
//
// It keeps one WebSocket per session and exchanges JSON events with the
// realtime endpoint. Input audio is sent as base64 PCM16 via
// input_audio_buffer.append; response audio arrives as response.audio.delta.
// Barge-in is expressed as response.cancel followed by
// conversation.item.truncate with the heard duration in milliseconds.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/visiontalk/pkg/audio"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Session  = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// eventBuffer is the capacity of the Events channel. Audio deltas are
	// small and frequent, so the buffer absorbs short consumer stalls.
	eventBuffer = 256

	// itemHistory is how many response items keep delivery accounting.
	itemHistory = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the realtime endpoint and configures the session. The
// returned session is ready for audio once Connect returns.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("openai: connect: %w", err)
	}

	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Response audio deltas can exceed the library's 32 KiB default.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		events:    make(chan realtime.Event, eventBuffer),
		tools:     make(map[string]realtime.ToolHandler, len(cfg.Tools)),
		delivered: make(map[string]int),
		cancelled: make(map[string]bool),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}
	for _, t := range cfg.Tools {
		s.tools[t.Definition.Name] = t.Handler
	}

	if err := s.writeJSON(sessionUpdateEvent{
		eventHeader: newHeader("session.update"),
		Session:     fullSessionParams(cfg),
	}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go s.receiveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type eventHeader struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

func newHeader(typ string) eventHeader {
	return eventHeader{EventID: newEventID(), Type: typ}
}

// newEventID returns a client event id of the form "evt_<12 hex-ish chars>".
func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

type sessionUpdateEvent struct {
	eventHeader
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           json.RawMessage      `json:"turn_detection,omitempty"`
	Tools                   []oaiTool            `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioEvent struct {
	eventHeader
	Audio string `json:"audio"`
}

type itemCreateEvent struct {
	eventHeader
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type truncateEvent struct {
	eventHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

func fullSessionParams(cfg realtime.SessionConfig) sessionParams {
	p := sessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     json.RawMessage("null"),
	}
	if cfg.TranscriptionModel != "" {
		p.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection == realtime.TurnDetectionServerVAD {
		p.TurnDetection = json.RawMessage(`{"type":"server_vad"}`)
	}
	if len(cfg.Tools) > 0 {
		p.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			p.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Definition.Name,
				Description: t.Definition.Description,
				Parameters:  t.Definition.Parameters,
			}
		}
		p.ToolChoice = "auto"
	}
	return p
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// Most item-scoped events.
	ItemID string `json:"item_id,omitempty"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	tools  map[string]realtime.ToolHandler

	mu        sync.Mutex
	errVal    error
	closed    bool
	delivered map[string]int // samples received per item
	cancelled map[string]bool
	items     []string // ids in delivered, oldest first

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// receiveLoop reads events until the connection ends. It owns the events
// channel and closes it on exit.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: ignoring malformed server event", "err", err)
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) emit(e realtime.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.mu.Lock()
		if s.cancelled[evt.ItemID] {
			s.mu.Unlock()
			return
		}
		s.trackItemLocked(evt.ItemID)
		s.delivered[evt.ItemID] += len(pcm) / audio.BytesPerSample
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventAudioDelta, ItemID: evt.ItemID, Audio: pcm})

	case "response.audio.done":
		s.emit(realtime.Event{Type: realtime.EventAudioDone, ItemID: evt.ItemID})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.Event{
			Type:   realtime.EventTranscriptDelta,
			ItemID: evt.ItemID,
			Role:   realtime.RoleAssistant,
			Text:   evt.Delta,
		})

	case "response.audio_transcript.done":
		s.emit(realtime.Event{
			Type:   realtime.EventItemCompleted,
			ItemID: evt.ItemID,
			Role:   realtime.RoleAssistant,
			Text:   evt.Transcript,
		})

	case "conversation.item.input_audio_transcription.completed":
		s.emit(realtime.Event{
			Type:   realtime.EventItemCompleted,
			ItemID: evt.ItemID,
			Role:   realtime.RoleUser,
			Text:   strings.TrimSpace(evt.Transcript),
		})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Type: realtime.EventInterrupted, ItemID: evt.ItemID})

	case "response.function_call_arguments.done":
		s.emit(realtime.Event{Type: realtime.EventToolCall, ItemID: evt.ItemID, ToolName: evt.Name})
		go s.runTool(evt.Name, evt.CallID, json.RawMessage(evt.Arguments))

	case "error":
		msg, code := "unknown error", ""
		if evt.Error != nil {
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			code = evt.Error.Code
		}
		s.emit(realtime.Event{Type: realtime.EventError, Err: &ServerError{Code: code, Message: msg}})
	}
}

// ServerError is an error event reported by the realtime endpoint.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "openai: server error: " + e.Message
	}
	return fmt.Sprintf("openai: server error %s: %s", e.Code, e.Message)
}

// runTool executes a tool handler and returns its output to the model.
func (s *session) runTool(name, callID string, args json.RawMessage) {
	var result any
	handler, ok := s.tools[name]
	if !ok {
		result = toolError(fmt.Errorf("unknown tool %q", name))
	} else {
		out, err := handler(s.ctx, args)
		if err != nil {
			result = toolError(err)
		} else {
			result = out
		}
	}

	output, err := json.Marshal(result)
	if err != nil {
		output, _ = json.Marshal(toolError(fmt.Errorf("encode result: %w", err)))
	}

	if s.isClosed() {
		return
	}
	if err := s.writeJSON(itemCreateEvent{
		eventHeader: newHeader("conversation.item.create"),
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}); err != nil {
		slog.Warn("openai: send tool output failed", "tool", name, "err", err)
		return
	}
	if err := s.writeJSON(newHeader("response.create")); err != nil {
		slog.Warn("openai: request response after tool failed", "tool", name, "err", err)
	}
}

func toolError(err error) map[string]string {
	return map[string]string{"status": "error", "message": err.Error()}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// ── Session methods ────────────────────────────────────────────────────────────

// AppendInputAudio sends one capture frame to the input buffer.
func (s *session) AppendInputAudio(frame audio.AudioFrame) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if len(frame.Data) == 0 {
		return nil
	}
	return s.writeJSON(appendAudioEvent{
		eventHeader: newHeader("input_audio_buffer.append"),
		Audio:       base64.StdEncoding.EncodeToString(frame.Data),
	})
}

// CreateResponse commits the input buffer and requests a response.
func (s *session) CreateResponse() error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if err := s.writeJSON(newHeader("input_audio_buffer.commit")); err != nil {
		return fmt.Errorf("openai: commit: %w", err)
	}
	if err := s.writeJSON(newHeader("response.create")); err != nil {
		return fmt.Errorf("openai: create response: %w", err)
	}
	return nil
}

// trackItemLocked registers id for delivery accounting, forgetting the oldest
// item once more than itemHistory are tracked.
func (s *session) trackItemLocked(id string) {
	if _, ok := s.delivered[id]; ok {
		return
	}
	s.delivered[id] = 0
	s.items = append(s.items, id)
	if len(s.items) > itemHistory {
		old := s.items[0]
		delete(s.delivered, old)
		delete(s.cancelled, old)
		s.items = s.items[1:]
	}
}

// CancelResponse cancels the active response and truncates trackID to
// sampleOffset samples.
func (s *session) CancelResponse(trackID string, sampleOffset int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	delivered, ok := s.delivered[trackID]
	switch {
	case !ok:
		s.mu.Unlock()
		return fmt.Errorf("openai: cancel %q: no audio delivered: %w", trackID, realtime.ErrProtocolInconsistency)
	case s.cancelled[trackID]:
		s.mu.Unlock()
		return fmt.Errorf("openai: cancel %q: already cancelled: %w", trackID, realtime.ErrProtocolInconsistency)
	case sampleOffset < 0 || sampleOffset > delivered:
		s.mu.Unlock()
		return fmt.Errorf("openai: cancel %q: offset %d outside [0, %d]: %w",
			trackID, sampleOffset, delivered, realtime.ErrProtocolInconsistency)
	}
	s.cancelled[trackID] = true
	s.mu.Unlock()

	if err := s.writeJSON(newHeader("response.cancel")); err != nil {
		return fmt.Errorf("openai: cancel: %w", err)
	}
	if err := s.writeJSON(truncateEvent{
		eventHeader:  newHeader("conversation.item.truncate"),
		ItemID:       trackID,
		ContentIndex: 0,
		AudioEndMs:   audio.SamplesToMillis(sampleOffset, audio.SampleRate),
	}); err != nil {
		return fmt.Errorf("openai: truncate: %w", err)
	}
	return nil
}

// SendUserText adds a user text message and requests a response.
func (s *session) SendUserText(text string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if err := s.writeJSON(itemCreateEvent{
		eventHeader: newHeader("conversation.item.create"),
		Item: conversationItem{
			Type:    "message",
			Role:    realtime.RoleUser,
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return fmt.Errorf("openai: send text: %w", err)
	}
	if err := s.writeJSON(newHeader("response.create")); err != nil {
		return fmt.Errorf("openai: create response: %w", err)
	}
	return nil
}

// UpdateInstructions replaces the system prompt with a session.update.
func (s *session) UpdateInstructions(instructions string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if instructions == "" {
		return errors.New("openai: update instructions: empty instructions")
	}
	return s.writeJSON(sessionUpdateEvent{
		eventHeader: newHeader("session.update"),
		Session:     sessionParams{Instructions: instructions},
	})
}

// Events returns the channel of remote notifications.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
