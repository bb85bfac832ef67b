// Package supervisor owns the lifecycle of one live connection per enabled
// provider: connect, health-check, reconnect, close. Connections are held in
// a single table keyed by provider id and are never handed out by reference;
// consumers receive capability descriptors and invoke through the
// Supervisor, which keeps reconnect and close logic centrally enforceable.
package supervisor

import (
	"sync"
	"time"

	"github.com/datatalk-ai/datatalk/internal/provider"
	"github.com/datatalk-ai/datatalk/internal/transport"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"

	// StateDegraded marks a connection that failed a recent probe or
	// invoke. It stays attached to in-flight conversations and is
	// eligible for reconnect.
	StateDegraded State = "degraded"

	// StateClosed is terminal. A closed connection is never reused; the
	// next acquire for its provider creates a fresh one.
	StateClosed State = "closed"
)

// Status is the externally visible snapshot of a connection.
type Status struct {
	ProviderID   string    `json:"providerId"`
	State        State     `json:"state"`
	LastError    string    `json:"lastError,omitempty"`
	ToolCount    int       `json:"toolCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// connection is the runtime entity behind one provider. All fields are
// guarded by mu; the transport handle never leaves this package.
type connection struct {
	providerID string

	mu           sync.Mutex
	cfg          provider.Config
	tr           transport.Transport
	state        State
	lastErr      error
	tools        []transport.Tool
	lastActivity time.Time

	// stale is set when the registry reports a config change. The
	// connection keeps serving in-flight conversations and is replaced
	// on the next acquire.
	stale bool
}

func newConnection(cfg provider.Config) *connection {
	return &connection{
		providerID: cfg.ID,
		cfg:        cfg,
		state:      StateDisconnected,
	}
}

func (c *connection) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		ProviderID:   c.providerID,
		State:        c.state,
		ToolCount:    len(c.tools),
		LastActivity: c.lastActivity,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *connection) demote(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateDegraded
	c.lastErr = err
}

// close transitions to the terminal state and releases the transport.
// Idempotent.
func (c *connection) close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
}
