package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/visiontalk/internal/barge"
	"github.com/MrWong99/visiontalk/internal/convlog"
	"github.com/MrWong99/visiontalk/internal/vision"
	"github.com/MrWong99/visiontalk/pkg/audio/capture"
	"github.com/MrWong99/visiontalk/pkg/audio/playback"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

// conversation is one browser tab. It owns at most one live session at a
// time; the power button connects and disconnects it.
type conversation struct {
	srv *Server
	ws  *websocket.Conn
	mic *socketMic

	snapshots vision.SnapshotStore

	// ctx is the connection context, set by serve.
	ctx context.Context

	mu   sync.Mutex
	live *liveSession
}

// liveSession is everything created by one session.connect.
type liveSession struct {
	id      string
	sess    realtime.Session
	src     *capture.Source
	sink    *playback.Sink
	coord   *barge.Coordinator
	cancel  context.CancelFunc
	runDone chan struct{}

	// partial accumulates transcript deltas per item. Only the Run
	// goroutine touches it.
	partial map[string]*strings.Builder
}

var _ vision.Notifier = (*conversation)(nil)

func newConversation(srv *Server, ws *websocket.Conn) *conversation {
	c := &conversation{
		srv: srv,
		ws:  ws,
		mic: newSocketMic(srv.cfg.InputSampleRate),
		ctx: context.Background(),
	}
	return c
}

// serve runs the connection until the browser goes away or ctx is done.
func (c *conversation) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c.ctx = ctx
	defer func() {
		c.mic.lost()
		c.disconnect(context.WithoutCancel(ctx), false)
	}()

	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.pingLoop(ctx) })
	return g.Wait()
}

func (c *conversation) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			c.mic.push(data)
			continue
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			logger(ctx).Debug("gateway: ignoring malformed control message", "err", err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *conversation) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("gateway: ping: %w", err)
			}
		}
	}
}

func (c *conversation) handle(ctx context.Context, msg Inbound) {
	switch msg.Type {
	case MsgSessionConnect:
		if err := c.connect(ctx); err != nil {
			logger(ctx).Warn("gateway: session connect failed", "err", err)
			c.Alert("Could not connect to the realtime service: " + err.Error())
		}

	case MsgSessionDisconnect:
		c.disconnect(ctx, true)

	case MsgPTTStart, MsgPTTStop:
		live := c.current()
		if live == nil {
			c.Alert("Not connected. Press the power button first.")
			return
		}
		var err error
		if msg.Type == MsgPTTStart {
			err = live.coord.StartTalking(ctx)
		} else {
			err = live.coord.StopTalking(ctx)
		}
		if err != nil {
			logger(ctx).Warn("gateway: push-to-talk failed", "type", msg.Type, "err", err)
			c.Alert("Push-to-talk failed: " + err.Error())
		}

	case MsgCameraFrame:
		if err := c.snapshots.Set(msg.Image); err != nil {
			logger(ctx).Debug("gateway: rejected camera frame", "err", err)
		}

	default:
		logger(ctx).Debug("gateway: unknown control message", "type", msg.Type)
	}
}

func (c *conversation) current() *liveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// connect opens devices and a realtime session. A second connect while a
// session is live is a no-op.
func (c *conversation) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live != nil {
		return nil
	}
	cfg := c.srv.cfg

	src := capture.New(c.mic, capture.WithFrameSamples(cfg.FrameSamples))
	if err := src.Begin(ctx); err != nil {
		return err
	}
	sink := playback.New(&socketSpeaker{send: c.sendAudio}, playback.WithQuantum(cfg.RenderQuantum))
	if err := sink.Connect(ctx); err != nil {
		_ = src.End()
		return err
	}

	var tools []realtime.Tool
	if cfg.Asker != nil {
		tools = append(tools, vision.Tool(cfg.Asker, &c.snapshots, c, cfg.Metrics))
	}
	sess, err := cfg.Provider.Connect(ctx, realtime.SessionConfig{
		Instructions:       c.srv.hub.Instructions(),
		Voice:              cfg.Voice,
		TranscriptionModel: cfg.TranscriptionModel,
		TurnDetection:      cfg.TurnDetection,
		Tools:              tools,
	})
	if err != nil {
		_ = sink.Close()
		_ = src.End()
		cfg.Metrics.RecordProviderError(ctx, "openai", "realtime")
		return err
	}

	live := &liveSession{
		id:      uuid.NewString(),
		sess:    sess,
		src:     src,
		sink:    sink,
		runDone: make(chan struct{}),
		partial: make(map[string]*strings.Builder),
	}
	var rec *convlog.Recorder
	if cfg.Store != nil {
		rec = convlog.NewRecorder(cfg.Store, live.id)
	}
	live.coord = barge.New(src, sink, sess,
		barge.WithMetrics(cfg.Metrics),
		barge.WithEventListener(func(ev realtime.Event) { c.onEvent(live, rec, ev) }),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	live.cancel = cancel
	go c.run(runCtx, live, sess.Events())

	c.live = live
	cfg.Metrics.ActiveConversations.Add(ctx, 1)
	logger(ctx).Info("gateway: session connected", "conversation_id", live.id)

	if cfg.Greeting != "" {
		if err := sess.SendUserText(cfg.Greeting); err != nil {
			logger(ctx).Warn("gateway: greeting failed", "conversation_id", live.id, "err", err)
		}
	}
	c.send(SessionState{Type: MsgSessionState, Connected: true, ConversationID: live.id})
	return nil
}

// run drives live until its events end. A session that ends on its own is
// torn down here.
func (c *conversation) run(ctx context.Context, live *liveSession, events <-chan realtime.Event) {
	err := live.coord.Run(ctx, events)
	close(live.runDone)
	if ctx.Err() != nil {
		return
	}

	if err == nil {
		err = live.sess.Err()
	}
	c.mu.Lock()
	if c.live != live {
		c.mu.Unlock()
		return
	}
	c.live = nil
	c.mu.Unlock()

	logger(ctx).Warn("gateway: realtime session ended", "conversation_id", live.id, "err", err)
	c.teardown(ctx, live, true)
	if err != nil {
		c.Alert("The realtime session ended: " + err.Error())
	}
}

// disconnect tears down the live session, if any. notify reports the new
// state to the browser.
func (c *conversation) disconnect(ctx context.Context, notify bool) {
	c.mu.Lock()
	live := c.live
	c.live = nil
	c.mu.Unlock()
	if live == nil {
		return
	}
	c.teardown(ctx, live, notify)
}

func (c *conversation) teardown(ctx context.Context, live *liveSession, notify bool) {
	log := logger(ctx).With("conversation_id", live.id)
	if err := live.coord.Disconnect(); err != nil {
		log.Debug("gateway: barge-in disconnect", "err", err)
	}
	if err := live.sess.Close(); err != nil {
		log.Debug("gateway: session close", "err", err)
	}
	live.cancel()
	<-live.runDone
	if err := live.src.End(); err != nil {
		log.Debug("gateway: capture end", "err", err)
	}
	if err := live.sink.Close(); err != nil {
		log.Debug("gateway: playback close", "err", err)
	}
	c.srv.cfg.Metrics.ActiveConversations.Add(ctx, -1)
	log.Info("gateway: session disconnected")

	if notify {
		c.send(SessionState{Type: MsgSessionState, Connected: false})
	}
}

func (c *conversation) updateInstructions(text string) error {
	live := c.current()
	if live == nil {
		return nil
	}
	if err := live.sess.UpdateInstructions(text); err != nil {
		return fmt.Errorf("gateway: conversation %s: %w", live.id, err)
	}
	return nil
}

// onEvent mirrors session events to the browser. It runs on the Run
// goroutine of live.
func (c *conversation) onEvent(live *liveSession, rec *convlog.Recorder, ev realtime.Event) {
	if rec != nil {
		rec.Observe(ev)
	}

	switch ev.Type {
	case realtime.EventTranscriptDelta:
		b := live.partial[ev.ItemID]
		if b == nil {
			b = &strings.Builder{}
			live.partial[ev.ItemID] = b
		}
		b.WriteString(ev.Text)
		c.send(ConversationItem{
			Type: MsgConversationItem, ItemID: ev.ItemID, Role: ev.Role,
			Text: b.String(), Status: "in_progress",
		})

	case realtime.EventItemCompleted:
		text := ev.Text
		if b := live.partial[ev.ItemID]; b != nil {
			if text == "" {
				text = b.String()
			}
			delete(live.partial, ev.ItemID)
		}
		c.send(ConversationItem{
			Type: MsgConversationItem, ItemID: ev.ItemID, Role: ev.Role,
			Text: text, Status: "completed",
		})

	case realtime.EventError:
		if ev.Err != nil {
			c.Alert(ev.Err.Error())
		}
	}

	c.send(EventLog{Type: MsgEvent, Name: ev.Type.String(), Time: time.Now().UTC()})
}

// SnapshotTaken implements [vision.Notifier].
func (c *conversation) SnapshotTaken() { c.send(Snapshot{Type: MsgSnapshot}) }

// Alert implements [vision.Notifier].
func (c *conversation) Alert(msg string) { c.send(Alert{Type: MsgAlert, Message: msg}) }

// send writes one JSON message. Failures mean the socket is going away; the
// read loop reports that.
func (c *conversation) send(v any) {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil && !errors.Is(err, context.Canceled) {
		logger(ctx).Debug("gateway: write failed", "err", err)
	}
}

func (c *conversation) sendAudio(ctx context.Context, pcm []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, pcm)
}
