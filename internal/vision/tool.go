package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/visiontalk/internal/observe"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

// ToolName is the name the model calls the snapshot question tool by.
const ToolName = "detect_reference_question"

const toolDescription = "Returns the answers to context-dependent questions that refer to previously " +
	"mentioned or visually present subjects (e.g., 'What is this?', 'How do I solve this?')"

// ErrNoSnapshot is returned when the camera has not produced a frame yet.
var ErrNoSnapshot = errors.New("vision: no camera snapshot available")

// Camera supplies the latest frame as a base64-encoded JPEG.
type Camera interface {
	Snapshot(ctx context.Context) (string, error)
}

// SnapshotStore is a [Camera] fed by pushed frames, such as the ones a
// browser sends over the gateway.
type SnapshotStore struct {
	mu    sync.RWMutex
	image string
	at    time.Time
}

var _ Camera = (*SnapshotStore)(nil)

// Set stores imageB64 as the latest frame after checking that it decodes to
// a JPEG. A data URL prefix is stripped.
func (s *SnapshotStore) Set(imageB64 string) error {
	if i := strings.Index(imageB64, ","); strings.HasPrefix(imageB64, "data:") && i >= 0 {
		imageB64 = imageB64[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return fmt.Errorf("vision: snapshot: %w", err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("vision: snapshot is not a jpeg: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = imageB64
	s.at = time.Now()
	return nil
}

// Snapshot returns the latest frame or [ErrNoSnapshot].
func (s *SnapshotStore) Snapshot(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.image == "" {
		return "", ErrNoSnapshot
	}
	return s.image, nil
}

// Updated reports when the latest frame was stored.
func (s *SnapshotStore) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.at
}

// Notifier receives the user-facing side effects of a tool call. Either
// method may be called from the tool's goroutine.
type Notifier interface {
	// SnapshotTaken lights the snapshot indicator.
	SnapshotTaken()
	// Alert shows an error to the user.
	Alert(message string)
}

type toolArgs struct {
	Question string `json:"question"`
}

// Tool builds the realtime tool that answers questions about what the camera
// currently sees. notify and m may be nil.
func Tool(asker Asker, camera Camera, notify Notifier, m *observe.Metrics) realtime.Tool {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return realtime.Tool{
		Definition: realtime.ToolDefinition{
			Name:        ToolName,
			Description: toolDescription,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{
						"type":        "string",
						"description": "The question to analyze for context-dependent references",
					},
				},
				"required": []string{"question"},
			},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			answer, err := askAboutSnapshot(ctx, asker, camera, notify, raw)
			if err != nil {
				m.RecordToolCall(ctx, ToolName, "error")
				observe.Logger(ctx).Warn("vision: tool call failed", "err", err)
				msg := fmt.Sprintf("Failed to analyze photo: %v", err)
				if notify != nil {
					notify.Alert(msg)
				}
				return map[string]string{"status": "error", "message": msg}, nil
			}
			m.RecordToolCall(ctx, ToolName, "ok")
			return AnalyzeResponse{Answer: answer}, nil
		},
	}
}

func askAboutSnapshot(ctx context.Context, asker Asker, camera Camera, notify Notifier, raw json.RawMessage) (string, error) {
	var args toolArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if notify != nil {
		notify.SnapshotTaken()
	}
	img, err := camera.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return asker.Analyze(ctx, img, args.Question)
}
