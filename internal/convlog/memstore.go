package convlog

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory [Store]. The zero value is ready to use.
type MemStore struct {
	mu    sync.RWMutex
	convs map[string][]Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{} }

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, e Entry) error {
	if e.ConversationID == "" || e.ItemID == "" {
		return fmt.Errorf("convlog: append: conversation and item ids are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convs == nil {
		s.convs = make(map[string][]Entry)
	}
	entries := s.convs[e.ConversationID]
	for i := range entries {
		if entries[i].ItemID == e.ItemID {
			entries[i].Text, entries[i].Status = e.Text, e.Status
			return nil
		}
	}
	s.convs[e.ConversationID] = append(entries, e)
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, conversationID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Entry(nil), entries...), nil
}

// Ping implements [Store].
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() {}
