// Package barge coordinates push-to-talk capture, response playback and
// response cancellation for one conversation.
//
// The remote model must never believe the listener heard more of a response
// than was actually rendered. Two triggers can cut a response short: the
// user pressing push-to-talk ([Coordinator.StartTalking]) and the remote
// voice-activity detector reporting speech onset
// ([Coordinator.HandleInterrupted]). Both funnel into one mutex-guarded
// interrupt-then-cancel step, so a track is interrupted and cancelled at most
// once and no capture frame is forwarded before the cancellation went out.
package barge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/visiontalk/internal/observe"
	"github.com/MrWong99/visiontalk/pkg/audio"
	"github.com/MrWong99/visiontalk/pkg/audio/playback"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

// Capture is the part of the capture source the coordinator drives.
type Capture interface {
	Record(onFrame func(audio.AudioFrame)) error
	Pause() error
}

// Playback is the part of the playback sink the coordinator drives.
type Playback interface {
	Add16BitPCM(chunk []byte, trackID string)
	EndTrack(trackID string)
	Interrupt() *playback.Interruption
}

// Trigger names what started an interruption.
type Trigger string

const (
	TriggerLocal  Trigger = "local"
	TriggerRemote Trigger = "remote"
)

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithMetrics records barge-ins and forwarded frames on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEventListener receives every session event except audio deltas after
// the coordinator has acted on it. fn runs on the Run goroutine.
func WithEventListener(fn func(realtime.Event)) Option {
	return func(c *Coordinator) { c.onEvent = fn }
}

// Coordinator serialises barge-in for one conversation. Create it with
// [New]; all methods are safe for concurrent use.
type Coordinator struct {
	capture Capture
	sink    Playback
	session realtime.Session
	metrics *observe.Metrics
	onEvent func(realtime.Event)

	mu        sync.Mutex
	talking   bool
	cancelled map[string]bool
	// cancelOrder lists cancelled ids oldest first, bounding cancelled to
	// cancelLimit entries.
	cancelOrder []string
}

// cancelLimit is how many cancelled tracks are remembered. Late audio only
// ever arrives for the most recent responses.
const cancelLimit = 64

// New wires a coordinator around explicit capture, playback and session
// handles.
func New(capture Capture, sink Playback, session realtime.Session, opts ...Option) *Coordinator {
	c := &Coordinator{
		capture:   capture,
		sink:      sink,
		session:   session,
		cancelled: make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartTalking handles push-to-talk down. Playback is interrupted first; if a
// track was playing its response is cancelled at the rendered offset; only
// then does capture start forwarding frames to the session. Calling it while
// already talking is a no-op.
//
// If the cancellation fails, capture is not started and the error is
// returned.
func (c *Coordinator) StartTalking(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.talking {
		return nil
	}
	if err := c.interruptLocked(ctx, TriggerLocal); err != nil {
		return err
	}
	if err := c.capture.Record(c.forward); err != nil {
		return fmt.Errorf("barge: start talking: %w", err)
	}
	c.talking = true
	return nil
}

// StopTalking handles push-to-talk up: capture pauses and the session is
// asked for a response. It is a no-op when not talking.
func (c *Coordinator) StopTalking(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.talking {
		return nil
	}
	c.talking = false
	if err := c.capture.Pause(); err != nil {
		return fmt.Errorf("barge: stop talking: %w", err)
	}
	if err := c.session.CreateResponse(); err != nil {
		return fmt.Errorf("barge: create response: %w", err)
	}
	return nil
}

// HandleInterrupted handles the remote speech-onset notification.
func (c *Coordinator) HandleInterrupted(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptLocked(ctx, TriggerRemote)
}

// Talking reports whether capture is forwarding frames.
func (c *Coordinator) Talking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.talking
}

// Disconnect stops playback and capture without cancelling anything; the
// session is going away with them.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sink.Interrupt()
	if !c.talking {
		return nil
	}
	c.talking = false
	if err := c.capture.Pause(); err != nil {
		return fmt.Errorf("barge: disconnect: %w", err)
	}
	return nil
}

// Run routes session events until events is closed or ctx is done. Audio
// goes to the sink unless its track was cancelled, end-of-audio ends the
// track, and remote interruptions trigger a barge-in.
func (c *Coordinator) Run(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventAudioDelta:
		c.mu.Lock()
		if !c.cancelled[ev.ItemID] {
			c.sink.Add16BitPCM(ev.Audio, ev.ItemID)
		}
		c.mu.Unlock()
		return

	case realtime.EventAudioDone:
		c.sink.EndTrack(ev.ItemID)

	case realtime.EventInterrupted:
		if err := c.HandleInterrupted(ctx); err != nil {
			slog.Warn("barge: remote interruption failed", "err", err)
		}

	case realtime.EventError:
		slog.Warn("barge: session reported error", "err", ev.Err)
		if c.metrics != nil {
			c.metrics.RecordProviderError(ctx, "openai", "realtime")
		}
	}

	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// interruptLocked is the critical section shared by both triggers.
func (c *Coordinator) interruptLocked(ctx context.Context, trigger Trigger) error {
	rec := c.sink.Interrupt()
	if rec == nil {
		c.record(ctx, trigger, "idle", 0)
		return nil
	}
	if c.cancelled[rec.TrackID] {
		// Already stopped by an earlier trigger.
		c.record(ctx, trigger, "duplicate", 0)
		return nil
	}
	c.cancelled[rec.TrackID] = true
	c.cancelOrder = append(c.cancelOrder, rec.TrackID)
	if len(c.cancelOrder) > cancelLimit {
		delete(c.cancelled, c.cancelOrder[0])
		c.cancelOrder = c.cancelOrder[1:]
	}

	if err := c.session.CancelResponse(rec.TrackID, rec.SampleOffset); err != nil {
		c.record(ctx, trigger, "error", 0)
		if errors.Is(err, realtime.ErrProtocolInconsistency) {
			slog.Error("barge: cancellation rejected", "trigger", trigger,
				"track_id", rec.TrackID, "offset", rec.SampleOffset, "err", err)
		}
		return fmt.Errorf("barge: cancel %s: %w", rec.TrackID, err)
	}

	slog.Debug("barge: response cancelled", "trigger", trigger,
		"track_id", rec.TrackID, "offset", rec.SampleOffset)
	c.record(ctx, trigger, "cancelled", rec.SampleOffset)
	return nil
}

func (c *Coordinator) record(ctx context.Context, trigger Trigger, outcome string, offset int) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordBargeIn(ctx, string(trigger), outcome, audio.SamplesToDuration(offset, audio.SampleRate))
}

// forward is the capture callback. It does not take c.mu: Pause waits for an
// in-flight callback while the coordinator holds the lock.
func (c *Coordinator) forward(f audio.AudioFrame) {
	if err := c.session.AppendInputAudio(f); err != nil {
		slog.Debug("barge: append input audio failed", "err", err)
		return
	}
	if c.metrics != nil {
		c.metrics.CaptureFrames.Add(context.Background(), 1)
	}
}
