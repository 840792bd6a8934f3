// Package convlog keeps the conversation log shown next to the voice UI:
// every completed user and assistant item of a conversation, in order.
//
// [MemStore] keeps entries in process memory. The postgres subpackage
// persists them. [Recorder] turns realtime session events into entries and
// [Handler] serves a conversation over HTTP.
package convlog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation has no entries.
var ErrNotFound = errors.New("convlog: conversation not found")

// Entry is one completed item of a conversation.
type Entry struct {
	ConversationID string    `json:"conversation_id"`
	ItemID         string    `json:"item_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// Store persists conversation entries. Appending an entry whose
// (ConversationID, ItemID) already exists replaces its text and status but
// keeps its position.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, e Entry) error

	// List returns the entries of a conversation oldest first, or
	// [ErrNotFound].
	List(ctx context.Context, conversationID string) ([]Entry, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close()
}
