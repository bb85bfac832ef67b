package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/datatalk-ai/datatalk/internal/envsubst"
	"github.com/datatalk-ai/datatalk/internal/provider"
)

// stdioTransport runs the provider as a long-lived subprocess and frames
// JSON-RPC messages as newline-delimited JSON on its stdin/stdout. The
// subprocess is a scoped resource: spawned on Connect, terminated
// deterministically on Close, never left to be collected implicitly.
//
// Writes are serialized per connection, as line-framed stdio requires.
// Responses are demultiplexed by request id, so concurrent callers may have
// requests in flight at once.
type stdioTransport struct {
	cfg      provider.Config
	resolver *envsubst.Resolver

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending *pendingCalls
	closed  bool

	nextID atomic.Int64
}

func newStdioTransport(cfg provider.Config, resolver *envsubst.Resolver) *stdioTransport {
	return &stdioTransport{cfg: cfg, resolver: resolver}
}

// Connect spawns the subprocess and performs the initialize handshake.
func (t *stdioTransport) Connect(ctx context.Context) error {
	command := t.resolver.ExpandString(t.cfg.Command)
	args := t.resolver.ExpandSlice(t.cfg.Args)

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range t.resolver.ExpandStringMap(t.cfg.Env) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start provider %q: %w", command, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.pending = newPendingCalls()
	t.closed = false
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.relayStderr(stderr)

	if _, err := t.roundTrip(ctx, methodInitialize, initializeParams()); err != nil {
		t.Close()
		return fmt.Errorf("initialize %s: %w", t.cfg.ID, err)
	}
	if err := t.writeMessage(newNotification(methodInitialized)); err != nil {
		t.Close()
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (t *stdioTransport) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := t.roundTrip(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return parseToolsList(result)
}

func (t *stdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	result, err := t.roundTrip(ctx, methodToolsCall, callParams(name, args))
	if err != nil {
		return nil, err
	}
	return parseCallResult(result)
}

// Close terminates the subprocess. Idempotent.
func (t *stdioTransport) Close() error {
	t.mu.Lock()
	if t.closed || t.cmd == nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stdin.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	t.pending.failAll(fmt.Errorf("connection closed"))
	cmd := t.cmd
	t.mu.Unlock()

	// Reap the process so it doesn't linger as a zombie.
	cmd.Wait()
	return nil
}

func (t *stdioTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("stdio transport closed")
	}
	ch := t.pending.add(id)
	t.mu.Unlock()

	if err := t.writeMessage(newRequest(id, method, params)); err != nil {
		t.mu.Lock()
		t.pending.remove(id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		t.pending.remove(id)
		t.mu.Unlock()
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp.Result, nil
	}
}

// writeMessage frames one message as a single line. The lock serializes
// writes so interleaved requests never corrupt the stream.
func (t *stdioTransport) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("stdio transport closed")
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to provider: %w", err)
	}
	return nil
}

// readLoop pumps decoded responses to their waiting callers. It exits when
// the subprocess closes stdout; any calls still in flight fail then.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Server-initiated requests and notifications carry a method;
		// nothing is waiting on those.
		var probe struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			log.Printf("[stdio %s] skipping malformed line: %v", t.cfg.ID, err)
			continue
		}
		if probe.Method != "" {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Printf("[stdio %s] skipping malformed response: %v", t.cfg.ID, err)
			continue
		}

		t.mu.Lock()
		t.pending.deliver(resp)
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.pending.failAll(fmt.Errorf("provider process exited"))
	t.mu.Unlock()
}

func (t *stdioTransport) relayStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Printf("[stdio %s] %s", t.cfg.ID, scanner.Text())
	}
}
