package gateway

import (
	"context"
	"sync"
)

// sessionState tracks whether a turn is running on the connection.
type sessionState string

const (
	stateIdle       sessionState = "idle"
	stateGenerating sessionState = "generating"
	stateCancelling sessionState = "cancelling"
)

// session is the per-connection state: one conversation, at most one turn
// in flight, and a monotonically increasing outbound sequence number.
type session struct {
	conversationID string
	userID         string

	// turns tracks the in-flight turn goroutine so connection teardown can
	// wait for it before closing the outbound queue.
	turns sync.WaitGroup

	mu     sync.Mutex
	state  sessionState
	seq    int64
	cancel context.CancelFunc
}

func newSession(conversationID, userID string) *session {
	return &session{
		conversationID: conversationID,
		userID:         userID,
		state:          stateIdle,
	}
}

// nextSeq hands out the next outbound sequence number.
func (s *session) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// beginTurn transitions idle -> generating. Returns false if a turn is
// already running.
func (s *session) beginTurn(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return false
	}
	s.state = stateGenerating
	s.cancel = cancel
	return true
}

// requestCancel cancels the running turn, if any. Returns whether there was
// one.
func (s *session) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateGenerating {
		return false
	}
	s.state = stateCancelling
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// endTurn returns to idle and reports whether the turn had been cancelled.
func (s *session) endTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasCancelled := s.state == stateCancelling
	s.state = stateIdle
	s.cancel = nil
	return wasCancelled
}
