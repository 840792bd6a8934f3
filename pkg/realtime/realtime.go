// Package realtime defines the session controller surface for hosted realtime
// speech models.
//
// A [Session] is one live conversation with the remote model. It accepts
// microphone frames, asks for responses at the end of an utterance and, when
// the listener barges in, tells the remote side how much of a response was
// actually heard so the model's conversation state can be truncated to match.
// Everything the remote side says comes back on [Session.Events].
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/visiontalk/pkg/audio"
)

// ErrProtocolInconsistency is returned when a cancellation does not match
// what the session delivered: a track that never produced audio, an offset
// beyond the delivered samples, or a track that was already cancelled.
var ErrProtocolInconsistency = errors.New("realtime: protocol inconsistency")

// ErrSessionClosed is returned by session methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// TurnDetection selects how the remote side decides an utterance ended.
type TurnDetection string

const (
	// TurnDetectionNone relies on push-to-talk: the client commits audio and
	// asks for a response explicitly.
	TurnDetectionNone TurnDetection = "none"

	// TurnDetectionServerVAD lets the remote voice-activity detector commit
	// audio. It also makes the remote side report speech onset, which drives
	// remote barge-in.
	TurnDetectionServerVAD TurnDetection = "server_vad"
)

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the arguments object.
	Parameters map[string]any
}

// ToolHandler executes a tool call. The returned value is JSON-encoded and
// sent back to the model. Handlers run on their own goroutine; ctx is
// cancelled when the session closes.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a callable tool offered to the model.
type Tool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system prompt.
	Instructions string

	// Voice is the provider voice id. Empty uses the provider default.
	Voice string

	// TranscriptionModel enables input audio transcription when non-empty,
	// e.g. "whisper-1".
	TranscriptionModel string

	// TurnDetection defaults to [TurnDetectionNone].
	TurnDetection TurnDetection

	// Tools offered to the model for the whole session.
	Tools []Tool
}

// Validate reports configuration errors.
func (c SessionConfig) Validate() error {
	var errs []error
	switch c.TurnDetection {
	case "", TurnDetectionNone, TurnDetectionServerVAD:
	default:
		errs = append(errs, fmt.Errorf("realtime: unknown turn detection %q", c.TurnDetection))
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		switch {
		case t.Definition.Name == "":
			errs = append(errs, fmt.Errorf("realtime: tools[%d]: name is required", i))
		case seen[t.Definition.Name]:
			errs = append(errs, fmt.Errorf("realtime: tools[%d]: duplicate name %q", i, t.Definition.Name))
		}
		if t.Handler == nil {
			errs = append(errs, fmt.Errorf("realtime: tools[%d]: handler is required", i))
		}
		seen[t.Definition.Name] = true
	}
	return errors.Join(errs...)
}

// EventType identifies what a session [Event] carries.
type EventType int

const (
	// EventAudioDelta carries a chunk of response audio for ItemID.
	EventAudioDelta EventType = iota
	// EventAudioDone reports that ItemID will produce no more audio.
	EventAudioDone
	// EventTranscriptDelta carries partial transcript text for ItemID.
	EventTranscriptDelta
	// EventItemCompleted carries the final transcript of ItemID.
	EventItemCompleted
	// EventInterrupted reports that the remote side detected the user
	// started speaking.
	EventInterrupted
	// EventToolCall reports that the model invoked ToolName.
	EventToolCall
	// EventError carries a non-fatal error reported by the remote side.
	EventError
)

// String implements [fmt.Stringer].
func (t EventType) String() string {
	switch t {
	case EventAudioDelta:
		return "audio_delta"
	case EventAudioDone:
		return "audio_done"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventItemCompleted:
		return "item_completed"
	case EventInterrupted:
		return "interrupted"
	case EventToolCall:
		return "tool_call"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Role of the conversation participant an item belongs to.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is one notification from the remote session. Which fields are set
// depends on Type.
type Event struct {
	Type EventType

	// ItemID is the conversation item (and playback track) the event belongs
	// to.
	ItemID string

	// Role is RoleUser or RoleAssistant for transcript events.
	Role string

	// Text is transcript text.
	Text string

	// Audio is PCM16 24 kHz mono for EventAudioDelta.
	Audio []byte

	// ToolName is set for EventToolCall.
	ToolName string

	// Err is set for EventError.
	Err error
}

// Session is an open realtime conversation. Callers must call Close when the
// session is no longer needed.
type Session interface {
	// AppendInputAudio streams one capture frame to the remote input buffer.
	// No acknowledgement is expected.
	AppendInputAudio(frame audio.AudioFrame) error

	// CreateResponse marks the end of the user's utterance and asks the model
	// to respond.
	CreateResponse() error

	// CancelResponse stops the in-progress response and truncates trackID so
	// that only sampleOffset samples count as heard. It returns an error
	// wrapping [ErrProtocolInconsistency] when trackID never delivered audio,
	// when sampleOffset exceeds the delivered samples, or when trackID was
	// already cancelled.
	CancelResponse(trackID string, sampleOffset int) error

	// SendUserText adds a user text message and asks for a response.
	SendUserText(text string) error

	// UpdateInstructions replaces the system prompt for subsequent turns.
	UpdateInstructions(instructions string) error

	// Events returns the channel of remote notifications. It is closed when
	// the session ends; call Err afterwards to learn why.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil after a clean
	// Close.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
