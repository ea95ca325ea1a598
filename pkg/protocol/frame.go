package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/polisai/plugin-runner/pkg/domain"
)

const (
	// Version is the protocol version stamped on every envelope. It is advisory.
	Version = 1

	// MaxFrameSize is the largest envelope a peer may send.
	MaxFrameSize = 128 << 20

	headerSize = 4
)

// Envelope is the unit exchanged on the wire. Payload holds a JSON document
// encoded as a string.
type Envelope struct {
	Command string `json:"command"`
	Payload string `json:"payload"`
	Version int    `json:"version"`
}

// Decode unmarshals the payload into v. An empty payload decodes as {}.
func (e *Envelope) Decode(v any) error {
	payload := e.Payload
	if payload == "" {
		payload = "{}"
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("malformed %s payload: %v", e.Command, err)}
	}
	return nil
}

// ProtocolError reports a malformed or oversized frame.
type ProtocolError struct {
	Reason string
	Size   int64
}

func (e *ProtocolError) Error() string {
	if e.Size != 0 {
		return fmt.Sprintf("protocol violation: %s (frame length %d)", e.Reason, e.Size)
	}
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func (e *ProtocolError) Is(target error) bool {
	return target == domain.ErrProtocol
}

// IsProtocolError checks if the error is a framing or envelope violation
func IsProtocolError(err error) bool {
	return errors.Is(err, domain.ErrProtocol)
}

// EncodeFrame builds the length-prefixed bytes for one message.
func EncodeFrame(command string, payload any) ([]byte, error) {
	body := "{}"
	switch p := payload.(type) {
	case nil:
	case string:
		body = p
	case json.RawMessage:
		body = string(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", command, err)
		}
		body = string(data)
	}

	env, err := json.Marshal(Envelope{Command: command, Payload: body, Version: Version})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(env) > MaxFrameSize {
		return nil, &ProtocolError{Reason: "frame exceeds maximum size", Size: int64(len(env))}
	}

	frame := make([]byte, headerSize+len(env))
	binary.LittleEndian.PutUint32(frame[:headerSize], uint32(len(env)))
	copy(frame[headerSize:], env)
	return frame, nil
}

// Conn is a framed, duplex message stream. Writes are atomic per message; reads
// are serialized.
type Conn struct {
	rw  io.ReadWriteCloser
	wmu sync.Mutex
	rmu sync.Mutex
}

// NewConn wraps a byte stream.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw}
}

// Write sends one message.
func (c *Conn) Write(command string, payload any) error {
	frame, err := EncodeFrame(command, payload)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", command, err)
	}
	return nil
}

// Read receives one message. It returns (nil, nil) when the peer closed the
// stream cleanly between messages.
func (c *Conn) Read() (*Envelope, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var header [headerSize]byte
	n, err := io.ReadFull(c.rw, header[:])
	if err != nil {
		if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)) {
			return nil, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{Reason: "truncated frame header"}
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	size := int64(int32(binary.LittleEndian.Uint32(header[:])))
	if size <= 0 || size > MaxFrameSize {
		return nil, &ProtocolError{Reason: "invalid frame length", Size: size}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{Reason: "truncated frame body", Size: size}
		}
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed envelope: %v", err), Size: size}
	}
	if env.Command == "" {
		return nil, &ProtocolError{Reason: "envelope without command", Size: size}
	}
	return &env, nil
}

// SetDeadline applies a deadline when the underlying stream supports one.
func (c *Conn) SetDeadline(t time.Time) error {
	if dc, ok := c.rw.(interface{ SetDeadline(time.Time) error }); ok {
		return dc.SetDeadline(t)
	}
	return nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rw.Close()
}
