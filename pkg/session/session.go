// Package session owns the per-connection state machine: a connection is
// anonymous until its identify frame, relays send frames to the orchestrator
// while identified, and tears its presence entry down exactly once on close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Iivinh/chat-realtime/pkg/event"
	"github.com/Iivinh/chat-realtime/pkg/presence"
)

// State of one connection session. Closed is terminal.
type State int

const (
	StateAnonymous State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed rejects frames arriving after the session closed.
	ErrClosed = errors.New("session: closed")
	// ErrNotIdentified rejects send frames from an anonymous session; the
	// sender would be unknown, so the frame is dropped, never forwarded.
	ErrNotIdentified = errors.New("session: send before identify")
	// ErrMalformedFrame rejects frames missing required fields.
	ErrMalformedFrame = errors.New("session: malformed frame")
)

// Deliverer is the orchestrator-facing half the session needs.
type Deliverer interface {
	Deliver(ctx context.Context, from, to, body string)
}

// Session is the state machine for one live connection.
type Session struct {
	id        string
	registry  presence.Registry
	deliverer Deliverer

	mu    sync.Mutex
	state State
	user  string

	send chan []byte
	done chan struct{}
}

// New creates a session in the anonymous state. id is the connection handle;
// it is never reused across connections.
func New(id string, registry presence.Registry, deliverer Deliverer) *Session {
	return &Session{
		id:        id,
		registry:  registry,
		deliverer: deliverer,
		state:     StateAnonymous,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

// ID returns the connection handle.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the identified user, or "" while anonymous.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// HandleFrame runs one inbound frame through the state machine. Rejected
// frames return an error for the transport loop to log; the connection
// stays open.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	var frame event.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Event {
	case event.Identify:
		return s.identify(ctx, frame.User)
	case event.Send:
		return s.relay(ctx, frame.To, frame.Body)
	default:
		return fmt.Errorf("%w: unknown event %q", ErrMalformedFrame, frame.Event)
	}
}

func (s *Session) identify(ctx context.Context, user string) error {
	if user == "" {
		return fmt.Errorf("%w: identify without user", ErrMalformedFrame)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := s.registry.Register(ctx, user, s.id); err != nil {
		return fmt.Errorf("session: register presence: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Close raced the register call; the session must stay closed, so
		// take the fresh presence entry back out.
		s.mu.Unlock()
		if err := s.registry.Unregister(ctx, s.id); err != nil {
			slog.WarnContext(ctx, "Failed to unregister raced identify", "conn", s.id, "error", err)
		}
		return ErrClosed
	}
	// re-identify is allowed: the registry already applied last-wins
	s.state = StateIdentified
	s.user = user
	s.mu.Unlock()

	slog.InfoContext(ctx, "Session identified", "user", user, "conn", s.id)
	return nil
}

func (s *Session) relay(ctx context.Context, to, body string) error {
	s.mu.Lock()
	state, from := s.state, s.user
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrClosed
	case StateAnonymous:
		return ErrNotIdentified
	}
	if to == "" || body == "" {
		return fmt.Errorf("%w: send missing to or body", ErrMalformedFrame)
	}

	s.deliverer.Deliver(ctx, from, to, body)
	return nil
}

// Close moves the session to its terminal state and removes its presence
// entry. Safe to call more than once; only the first call does work.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)

	// Unregister is an idempotent no-op for never-identified sessions.
	if err := s.registry.Unregister(ctx, s.id); err != nil {
		return fmt.Errorf("session: unregister presence: %w", err)
	}
	return nil
}

// Push queues one outbound frame toward the client. It never blocks; frames
// for a client that cannot keep up are dropped.
func (s *Session) Push(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		slog.Warn("Outbound buffer full, dropping frame", "conn", s.id)
		return false
	}
}
