package session

import (
	"context"
	"log/slog"
	"sync"
)

// Hub tracks the sessions currently live on this instance so shutdown can
// tear every one down. Sessions clean themselves up when their transport
// dies; the hub exists for the one path where the process goes away first.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// Add tracks a session under its connection id.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

// Remove stops tracking the session with the given id. Unknown ids are a
// no-op; the transport's deferred cleanup and CloseAll can both get here.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

// Len reports how many sessions are currently tracked.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll closes every tracked session so each removes its presence entry
// before the process exits. Close is idempotent, so racing a transport's own
// teardown is harmless.
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			slog.Warn("Session shutdown cleanup failed", "conn", s.ID(), "error", err)
		}
	}
}
