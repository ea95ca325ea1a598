// Package client is the host-side library for talking to a plugin runner
// over the framed IPC protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/protocol"
)

// DefaultTimeout bounds a request when neither the context nor the options
// carry a deadline.
const DefaultTimeout = 5 * time.Minute

// Options configures a Client.
type Options struct {
	DialTimeout time.Duration
	// Timeout bounds every request without a context deadline.
	Timeout time.Duration
	// OnTrace receives executeTrace deltas as they arrive. Optional.
	OnTrace func(requestID string, lines []string)
	Logger  *slog.Logger
}

// Client issues one request at a time over a single connection. After a
// transport fault the connection is unusable and every later call fails
// with KindClosed.
type Client struct {
	conn   *protocol.Conn
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	broken error
}

// Dial connects to a runner at addr, e.g. "unix:///tmp/plugin-runner.sock".
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := protocol.Dial(ctx, addr, timeout)
	if err != nil {
		return nil, classify("dial", err)
	}
	return newClient(conn, opts), nil
}

// New wraps an established stream such as one end of a pipe.
func New(rw io.ReadWriteCloser, opts Options) *Client {
	return newClient(protocol.NewConn(rw), opts)
}

func newClient(conn *protocol.Conn, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, opts: opts, logger: logger}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = net.ErrClosed
	}
	return c.conn.Close()
}

// Health asks for the runner status.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var resp protocol.HealthResponse
	if err := c.roundTrip(ctx, protocol.CmdHealth, nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InitWorkspace activates an environment and manifest.
func (c *Client) InitWorkspace(ctx context.Context, env domain.Environment, manifest domain.Manifest) (*protocol.InitWorkspaceResponse, error) {
	var resp protocol.InitWorkspaceResponse
	req := protocol.InitWorkspaceRequest{Environment: env, Manifest: manifest}
	if err := c.roundTrip(ctx, protocol.CmdInitWorkspace, req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteResult is the terminal execute reply plus the delta lines seen
// before it. Response.Trace is complete on its own; DeltaLines may be
// shorter when deltas were dropped.
type ExecuteResult struct {
	protocol.ExecuteResponse
	Deltas     int
	DeltaLines []string
}

// Execute sends an intercepted Web API request. A request id is assigned
// when empty.
func (c *Client) Execute(ctx context.Context, req protocol.ExecuteRequest) (*ExecuteResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	result := &ExecuteResult{}
	onTrace := func(t protocol.ExecuteTrace) {
		if t.RequestID != req.RequestID {
			return
		}
		result.Deltas++
		result.DeltaLines = append(result.DeltaLines, t.Lines...)
		if c.opts.OnTrace != nil {
			c.opts.OnTrace(t.RequestID, t.Lines)
		}
	}
	if err := c.roundTrip(ctx, protocol.CmdExecute, req, &result.ExecuteResponse, onTrace); err != nil {
		return nil, err
	}
	return result, nil
}

// ExecutePlugin runs one plugin type. A request id is assigned when empty.
func (c *Client) ExecutePlugin(ctx context.Context, req domain.ExecutionRequest) (*protocol.ExecutePluginResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	var resp protocol.ExecutePluginResponse
	if err := c.roundTrip(ctx, protocol.CmdExecutePlugin, req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfigureLog reconfigures the runner log ring.
func (c *Client) ConfigureLog(ctx context.Context, req protocol.LogConfigRequest) (*protocol.LogConfigResponse, error) {
	var resp protocol.LogConfigResponse
	if err := c.roundTrip(ctx, protocol.CmdRunnerLogConfig, req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchLog returns runner log lines newer than req.LastSeenID.
func (c *Client) FetchLog(ctx context.Context, req protocol.LogFetchRequest) (*protocol.LogFetchResponse, error) {
	var resp protocol.LogFetchResponse
	if err := c.roundTrip(ctx, protocol.CmdRunnerLogFetch, req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset tears down the runner session.
func (c *Client) Reset(ctx context.Context) (*protocol.ResetResponse, error) {
	var resp protocol.ResetResponse
	if err := c.roundTrip(ctx, protocol.CmdReset, nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// roundTrip writes one command and reads until its terminal reply,
// passing executeTrace deltas to onTrace.
func (c *Client) roundTrip(ctx context.Context, command string, payload any, out any, onTrace func(protocol.ExecuteTrace)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return &TransportError{Op: command, Kind: KindClosed, Err: c.broken}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.Timeout)
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	fail := func(err error) error {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		te := classify(command, err)
		if ctx.Err() != nil {
			var transport *TransportError
			if errors.As(te, &transport) {
				transport.Kind = KindTimeout
			}
		}
		c.broken = te
		c.logger.Debug("Runner connection broken", "command", command, "error", te)
		return te
	}

	if err := c.conn.Write(command, payload); err != nil {
		return fail(err)
	}

	want := protocol.ResponseCommand(command)
	if command == protocol.CmdExecute {
		want = protocol.CmdExecuteResponse
	}
	for {
		env, err := c.conn.Read()
		if err != nil {
			return fail(err)
		}
		if env == nil {
			return fail(io.EOF)
		}
		switch env.Command {
		case want:
			if err := env.Decode(out); err != nil {
				return fail(err)
			}
			return nil
		case protocol.CmdExecuteTrace:
			var delta protocol.ExecuteTrace
			if err := env.Decode(&delta); err != nil {
				return fail(err)
			}
			if onTrace != nil {
				onTrace(delta)
			}
		case protocol.CmdError:
			var remote domain.ErrorResponse
			if err := env.Decode(&remote); err != nil {
				return fail(err)
			}
			return &RemoteError{Code: remote.Code, Message: remote.Message, TraceID: remote.TraceID}
		default:
			return fail(&protocol.ProtocolError{Reason: fmt.Sprintf("unexpected reply %q to %s", env.Command, command)})
		}
	}
}
