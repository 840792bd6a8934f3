package gateway

import (
	"errors"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks the open browser connections. It carries the current session
// instructions so that a hot reload reaches both live sessions and sessions
// started later.
type Hub struct {
	mu           sync.Mutex
	convs        map[*conversation]struct{}
	instructions string
}

// NewHub returns an empty Hub.
func NewHub(instructions string) *Hub {
	return &Hub{convs: make(map[*conversation]struct{}), instructions: instructions}
}

func (h *Hub) add(c *conversation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.convs[c] = struct{}{}
}

func (h *Hub) remove(c *conversation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.convs, c)
}

func (h *Hub) snapshot() []*conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*conversation, 0, len(h.convs))
	for c := range h.convs {
		out = append(out, c)
	}
	return out
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.convs)
}

// Instructions returns the instructions new sessions start with.
func (h *Hub) Instructions() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instructions
}

// SetInstructions stores text for future sessions and pushes it to every
// live one. Failures are joined; a failing session does not stop the rest.
func (h *Hub) SetInstructions(text string) error {
	h.mu.Lock()
	h.instructions = text
	h.mu.Unlock()

	var errs []error
	for _, c := range h.snapshot() {
		if err := c.updateInstructions(text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every connection with StatusGoingAway. Each connection
// tears down its session as its read loop ends.
func (h *Hub) CloseAll(reason string) {
	for _, c := range h.snapshot() {
		_ = c.ws.Close(websocket.StatusGoingAway, reason)
	}
}
