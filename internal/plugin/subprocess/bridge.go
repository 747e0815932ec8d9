package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/sentra-run/sentra/internal/mcp"
)

// requestHandler answers a request the subprocess initiated (sampling,
// roots, elicitation). It returns the JSON-RPC result payload or an
// error, which the bridge turns into a JSON-RPC error response.
type requestHandler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// notificationHandler observes a notification the subprocess sent.
type notificationHandler func(method string, params json.RawMessage)

// bridge is a duplex JSON-RPC 2.0 connection over a subprocess's stdio,
// generalizing internal/mcp/transport.go's StdioTransport: it still
// tracks pending outbound requests by id, but it also dispatches
// inbound server-to-client requests to registered handlers and inbound
// notifications to a single notification sink, neither of which the
// teacher's transport supported.
type bridge struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan *mcp.JSONRPCResponse
	closed  bool

	requestHandlers map[string]requestHandler
	onNotification  notificationHandler

	done chan struct{}
}

// spawnBridge starts command with env and begins the read loop.
// requestHandlers and onNotify are fixed for the bridge's lifetime.
func spawnBridge(ctx context.Context, command []string, env map[string]string, requestHandlers map[string]requestHandler, onNotify notificationHandler) (*bridge, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("subprocess: empty command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	b := &bridge{
		cmd:             cmd,
		stdin:           stdin,
		stdout:          bufio.NewReader(stdout),
		pending:         make(map[int64]chan *mcp.JSONRPCResponse),
		requestHandlers: requestHandlers,
		onNotification:  onNotify,
		done:            make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *bridge) readLoop() {
	defer close(b.done)
	for {
		line, err := b.stdout.ReadBytes('\n')
		if err != nil {
			b.shutdown()
			return
		}
		if len(line) == 0 {
			continue
		}

		var frame mcp.JSONRPCResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			continue // not a valid frame; ignore rather than kill the connection
		}

		switch {
		case frame.Method != "" && frame.ID != 0:
			b.handleInboundRequest(frame)
		case frame.Method != "":
			if b.onNotification != nil {
				b.onNotification(frame.Method, frame.Params)
			}
		default:
			b.mu.Lock()
			ch, ok := b.pending[frame.ID]
			if ok {
				delete(b.pending, frame.ID)
			}
			b.mu.Unlock()
			if ok {
				f := frame
				ch <- &f
			}
		}
	}
}

func (b *bridge) handleInboundRequest(frame mcp.JSONRPCResponse) {
	handler, ok := b.requestHandlers[frame.Method]
	if !ok {
		b.writeFrame(mcp.JSONRPCResponse{
			JSONRPC: "2.0", ID: frame.ID,
			Error: &mcp.JSONRPCError{Code: -32601, Message: "method not found: " + frame.Method},
		})
		return
	}

	// The handler may itself block on an approval round trip; run it off
	// the read loop so a slow human doesn't stall delivery of other
	// inbound frames.
	go func() {
		result, err := handler(context.Background(), frame.Params)
		if err != nil {
			b.writeFrame(mcp.JSONRPCResponse{
				JSONRPC: "2.0", ID: frame.ID,
				Error: &mcp.JSONRPCError{Code: -32000, Message: err.Error()},
			})
			return
		}
		b.writeFrame(mcp.JSONRPCResponse{JSONRPC: "2.0", ID: frame.ID, Result: result})
	}()
}

func (b *bridge) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subprocess: connection closed")
	}
	_, err = b.stdin.Write(append(data, '\n'))
	return err
}

// Call sends a request and waits for its matching response.
func (b *bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&b.nextID, 1)
	ch := make(chan *mcp.JSONRPCResponse, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("subprocess: connection closed")
	}
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.writeFrame(mcp.JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("subprocess: connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification (used for `initialized`).
func (b *bridge) Notify(method string, params any) error {
	return b.writeFrame(mcp.JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (b *bridge) shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

// Alive reports whether the subprocess is still running.
func (b *bridge) Alive() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Close terminates the subprocess and releases its pipes.
func (b *bridge) Close() error {
	b.shutdown()
	b.stdin.Close()
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Kill()
	}
	return nil
}
