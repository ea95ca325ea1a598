package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/polisai/plugin-runner/pkg/protocol"
)

// Kind classifies a transport fault.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindRefused  Kind = "refused"
	KindProtocol Kind = "protocol"
	KindClosed   Kind = "closed"
	KindIO       Kind = "io"
)

// ErrTransport matches every TransportError.
var ErrTransport = errors.New("runner transport failure")

// TransportError reports an I/O fault talking to the runner. No other error
// type crosses the client boundary for connection problems.
type TransportError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("runner %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IsTimeout checks if the error is a transport timeout
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == KindTimeout
}

// RemoteError is an error reply sent by the runner.
type RemoteError struct {
	Code    string
	Message string
	TraceID string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("runner error %s: %s", e.Code, e.Message)
}

// classify wraps err as a TransportError for op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Kind: kindOf(err), Err: err}
}

func kindOf(err error) Kind {
	var netErr net.Error
	switch {
	case protocol.IsProtocolError(err):
		return KindProtocol
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENOENT):
		return KindRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return KindClosed
	default:
		return KindIO
	}
}
