// Package gateway connects browser clients to realtime voice sessions over a
// single WebSocket per tab.
//
// Binary messages carry audio: microphone PCM16 from the browser, response
// PCM16 at 24 kHz paced in real time back to it. Text messages carry JSON
// control messages (power button, push-to-talk, camera frames) inbound and
// transcript, event-log, snapshot and alert updates outbound. Each
// connection owns its capture source, playback sink, session and barge-in
// coordinator.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/visiontalk/internal/convlog"
	"github.com/MrWong99/visiontalk/internal/observe"
	"github.com/MrWong99/visiontalk/internal/vision"
	"github.com/MrWong99/visiontalk/pkg/audio"
	"github.com/MrWong99/visiontalk/pkg/audio/capture"
	"github.com/MrWong99/visiontalk/pkg/audio/playback"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

const (
	defaultMaxMessageBytes = 8 << 20
	writeTimeout           = 10 * time.Second
	pingInterval           = 30 * time.Second
)

// Config holds everything a connection needs to start sessions.
type Config struct {
	// Provider opens realtime sessions. Required.
	Provider realtime.Provider

	// Asker answers snapshot questions. Nil disables the vision tool.
	Asker vision.Asker

	// Store receives completed conversation items. Nil keeps nothing.
	Store convlog.Store

	Metrics *observe.Metrics

	// Instructions is the initial system prompt; see [Server.SetInstructions].
	Instructions string

	Voice              string
	TranscriptionModel string
	TurnDetection      realtime.TurnDetection

	// Greeting is sent as the first user message. Empty sends nothing.
	Greeting string

	// InputSampleRate is the rate of browser microphone PCM. Default 24000.
	InputSampleRate int

	// FrameSamples is the capture frame size.
	FrameSamples int

	// RenderQuantum is the playback tick.
	RenderQuantum time.Duration

	// MaxMessageBytes bounds inbound WebSocket messages, which must fit a
	// camera frame.
	MaxMessageBytes int64
}

// Server accepts browser connections at GET /ws.
type Server struct {
	cfg Config
	hub *Hub
}

// New returns a Server. Zero config fields get defaults.
func New(cfg Config) *Server {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.SampleRate
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = capture.DefaultFrameSamples
	}
	if cfg.RenderQuantum <= 0 {
		cfg.RenderQuantum = playback.DefaultQuantum
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{cfg: cfg, hub: NewHub(cfg.Instructions)}
}

// Hub returns the connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// SetInstructions hot-reloads the system prompt for live and future
// sessions.
func (s *Server) SetInstructions(text string) error { return s.hub.SetInstructions(text) }

// Register adds the WebSocket route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

// Shutdown closes every connection and waits until they are gone or ctx is
// done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll("server shutting down")
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.hub.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Warn("gateway: websocket accept failed", "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	c := newConversation(s, ws)
	s.hub.add(c)
	defer s.hub.remove(c)

	log.Info("gateway: browser connected", "remote", r.RemoteAddr)
	err = c.serve(r.Context())
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
		log.Info("gateway: browser disconnected", "remote", r.RemoteAddr)
	default:
		log.Warn("gateway: connection ended", "remote", r.RemoteAddr, "err", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func logger(ctx context.Context) *slog.Logger { return observe.Logger(ctx) }
