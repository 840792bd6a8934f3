package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/visiontalk/pkg/realtime"
)

const writeTimeout = 5 * time.Second

// Recorder appends the completed items of one conversation to a [Store].
type Recorder struct {
	store          Store
	conversationID string
	now            func() time.Time
}

// NewRecorder returns a Recorder writing under conversationID.
func NewRecorder(store Store, conversationID string) *Recorder {
	return &Recorder{store: store, conversationID: conversationID, now: time.Now}
}

// Record stores ev if it completes an item; other events are ignored.
func (r *Recorder) Record(ctx context.Context, ev realtime.Event) error {
	if ev.Type != realtime.EventItemCompleted || ev.ItemID == "" {
		return nil
	}
	return r.store.Append(ctx, Entry{
		ConversationID: r.conversationID,
		ItemID:         ev.ItemID,
		Role:           ev.Role,
		Text:           ev.Text,
		Status:         "completed",
		Timestamp:      r.now().UTC(),
	})
}

// Observe is a session event listener. Write failures are logged and do
// not interrupt the conversation.
func (r *Recorder) Observe(ev realtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.Record(ctx, ev); err != nil {
		slog.Warn("convlog: failed to record item", "conversation_id", r.conversationID, "item_id", ev.ItemID, "err", err)
	}
}

// Handler serves GET /api/conversations/{id}.
type Handler struct {
	store Store
}

// NewHandler returns a Handler reading from store.
func NewHandler(store Store) *Handler { return &Handler{store: store} }

// Register adds the route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations/{id}", h.get)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.List(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	case err != nil:
		slog.Error("convlog: list failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load conversation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
