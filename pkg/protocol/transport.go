package protocol

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultAddress is where the runner listens when nothing else is configured.
const DefaultAddress = "unix:///tmp/plugin-runner.sock"

// ParseAddress splits "unix:///path", "tcp://host:port" or a bare "host:port"
// into a network and address.
func ParseAddress(addr string) (network, address string, err error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "", "", fmt.Errorf("address cannot be empty")
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://"), nil
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), nil
	case strings.Contains(addr, "://"):
		return "", "", fmt.Errorf("unsupported address scheme: %s", addr)
	default:
		return "tcp", addr, nil
	}
}

// Listen opens a listener for addr. A stale unix socket file is removed first.
func Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Dial connects to addr, blocking at most timeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}
