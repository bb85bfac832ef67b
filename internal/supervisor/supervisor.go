package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/datatalk-ai/datatalk/internal/envsubst"
	"github.com/datatalk-ai/datatalk/internal/provider"
	"github.com/datatalk-ai/datatalk/internal/transport"
)

// TransportFactory builds the transport for a config. Overridable in tests.
type TransportFactory func(cfg provider.Config) (transport.Transport, error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTransportFactory replaces the default transport constructor.
func WithTransportFactory(f TransportFactory) Option {
	return func(s *Supervisor) { s.factory = f }
}

// WithProbeInterval sets the health-probe interval.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.probeInterval = d }
}

// WithConnectAttempts sets the immediate-attempt budget for Acquire.
func WithConnectAttempts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.connectAttempts = n
		}
	}
}

// Supervisor owns every live connection. Connections stay open across
// conversation turns and are closed only on explicit disable, on staleness
// replacement, or at shutdown.
type Supervisor struct {
	registry *provider.Registry
	factory  TransportFactory

	probeInterval   time.Duration
	connectAttempts int

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates a Supervisor and registers it as the registry's invalidation
// hook, so config mutations mark cached connections stale.
func New(registry *provider.Registry, opts ...Option) *Supervisor {
	resolver := envsubst.New()
	s := &Supervisor{
		registry: registry,
		factory: func(cfg provider.Config) (transport.Transport, error) {
			return transport.New(cfg, resolver)
		},
		probeInterval:   30 * time.Second,
		connectAttempts: 1,
		conns:           make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	registry.OnInvalidate(s.Invalidate)
	return s
}

// Acquire returns the capability list of a Ready connection for the
// provider, connecting (or replacing a stale/degraded connection) if needed.
// Returns ProviderUnavailableError after the attempt budget is exhausted.
// A disabled provider is unavailable to new acquisitions even when an old
// connection is still serving an in-flight conversation.
func (s *Supervisor) Acquire(ctx context.Context, providerID string) ([]transport.Tool, error) {
	cfg, err := s.registry.Get(providerID)
	if err != nil {
		return nil, &ProviderUnavailableError{ProviderID: providerID, Err: err}
	}
	if !cfg.Enabled {
		return nil, &ProviderUnavailableError{ProviderID: providerID, Err: errors.New("provider is disabled")}
	}

	conn := s.connectionFor(providerID, cfg)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.state == StateReady && !conn.stale {
		return cloneTools(conn.tools), nil
	}

	var lastErr error
	for attempt := 0; attempt < s.connectAttempts; attempt++ {
		// The connect handshake is bounded like any other call, so a
		// provider hanging in initialize cannot stall the caller's turn.
		connCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout())
		err := s.connectLocked(connCtx, conn, cfg)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return cloneTools(conn.tools), nil
	}
	return nil, &ProviderUnavailableError{ProviderID: providerID, Err: lastErr}
}

// Invoke performs one tool call on the provider's current connection,
// bounded by the provider's per-call timeout. A transport failure or timeout
// demotes the connection to Degraded; the error is returned so the caller
// can surface it as a tool result, but the connection itself stays attached
// for reconnect. Invoke deliberately works on stale and degraded
// connections so disabling a provider never breaks its in-flight
// conversations.
func (s *Supervisor) Invoke(ctx context.Context, providerID, toolName string, args map[string]any) (*transport.Result, error) {
	s.mu.Lock()
	conn, ok := s.conns[providerID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, providerID)
	}

	conn.mu.Lock()
	tr := conn.tr
	state := conn.state
	timeout := conn.cfg.CallTimeout()
	conn.mu.Unlock()

	if state == StateClosed || tr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, providerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := tr.CallTool(callCtx, toolName, args)
	if err != nil {
		// Provider-reported errors leave the connection healthy; only
		// transport failures and timeouts demote it.
		if transport.IsProviderError(err) {
			conn.touch()
			return nil, err
		}
		conn.demote(err)
		log.Printf("[Supervisor] %s degraded: %v", providerID, err)
		return nil, err
	}

	conn.touch()
	return res, nil
}

// Status reports the live state of one provider's connection.
func (s *Supervisor) Status(providerID string) (Status, bool) {
	s.mu.Lock()
	conn, ok := s.conns[providerID]
	s.mu.Unlock()
	if !ok {
		return Status{ProviderID: providerID, State: StateDisconnected}, false
	}
	return conn.status(), true
}

// Statuses reports all live connections.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.status())
	}
	return out
}

// Invalidate marks the provider's connection stale without closing it.
// In-flight conversations keep the old connection; the next Acquire
// replaces it.
func (s *Supervisor) Invalidate(providerID string) {
	s.mu.Lock()
	conn, ok := s.conns[providerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.stale = true
	conn.mu.Unlock()
}

// CloseProvider closes and discards the provider's connection. Used on
// shutdown paths that must release the underlying process or socket now.
func (s *Supervisor) CloseProvider(providerID string) {
	s.mu.Lock()
	conn, ok := s.conns[providerID]
	delete(s.conns, providerID)
	s.mu.Unlock()
	if ok {
		conn.close()
	}
}

// CloseAll closes every connection. Called at process shutdown.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*connection)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// Run drives the health-probe loop until ctx is cancelled. Only idle Ready
// connections are probed; Degraded connections get a reconnect attempt
// each tick.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.probe(ctx, conn)
	}
}

func (s *Supervisor) probe(ctx context.Context, conn *connection) {
	conn.mu.Lock()
	state := conn.state
	tr := conn.tr
	idle := time.Since(conn.lastActivity) >= s.probeInterval
	cfg := conn.cfg
	stale := conn.stale
	conn.mu.Unlock()

	switch {
	case state == StateReady && idle && !stale:
		probeCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout())
		tools, err := tr.ListTools(probeCtx)
		cancel()
		if err != nil {
			conn.demote(err)
			log.Printf("[Supervisor] health probe failed for %s: %v", conn.providerID, err)
			return
		}
		conn.mu.Lock()
		conn.tools = tools
		conn.lastActivity = time.Now()
		conn.mu.Unlock()

	case state == StateDegraded:
		// Scheduled retry: Degraded -> Connecting -> Ready, or back to
		// Degraded on failure.
		fresh, err := s.registry.Get(conn.providerID)
		if err != nil || !fresh.Enabled {
			return
		}
		conn.mu.Lock()
		connCtx, cancel := context.WithTimeout(ctx, fresh.CallTimeout())
		err = s.connectLocked(connCtx, conn, fresh)
		cancel()
		conn.mu.Unlock()
		if err != nil {
			log.Printf("[Supervisor] reconnect failed for %s: %v", conn.providerID, err)
		} else {
			log.Printf("[Supervisor] reconnected %s", conn.providerID)
		}
	}
}

// connectionFor returns the provider's connection, creating a fresh one if
// none exists or the existing one is closed.
func (s *Supervisor) connectionFor(providerID string, cfg provider.Config) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[providerID]; ok {
		conn.mu.Lock()
		closed := conn.state == StateClosed
		conn.mu.Unlock()
		if !closed {
			return conn
		}
	}
	conn := newConnection(cfg)
	s.conns[providerID] = conn
	return conn
}

// connectLocked (re)establishes the transport. Caller holds conn.mu. A
// stale connection's old transport is released after the replacement is up,
// so the swap never leaks the subprocess or socket.
func (s *Supervisor) connectLocked(ctx context.Context, conn *connection, cfg provider.Config) error {
	old := conn.tr
	conn.state = StateConnecting
	conn.cfg = cfg

	tr, err := s.factory(cfg)
	if err != nil {
		conn.state = StateDisconnected
		conn.lastErr = err
		return err
	}

	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		conn.state = StateDisconnected
		conn.lastErr = err
		return err
	}

	tools, err := tr.ListTools(ctx)
	if err != nil {
		tr.Close()
		conn.state = StateDisconnected
		conn.lastErr = err
		return err
	}

	if old != nil {
		old.Close()
	}
	conn.tr = tr
	conn.tools = tools
	conn.state = StateReady
	conn.lastErr = nil
	conn.stale = false
	conn.lastActivity = time.Now()
	return nil
}

func cloneTools(tools []transport.Tool) []transport.Tool {
	return append([]transport.Tool(nil), tools...)
}
