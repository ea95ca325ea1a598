package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/protocol"
	"github.com/polisai/plugin-runner/pkg/tracelog"
)

var tracer = otel.Tracer("github.com/polisai/plugin-runner/pkg/runner")

// Server accepts host connections for a Session.
type Server struct {
	session     *Session
	logger      *slog.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[*protocol.Conn]struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer creates a server for session.
func NewServer(session *Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		session:     session,
		logger:      logger.With("category", tracelog.CategoryTransport),
		idleTimeout: session.cfg.Server.IdleTimeout,
		conns:       make(map[*protocol.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// done or Stop is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := protocol.Listen(s.session.cfg.Server.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, each served on its own goroutine. It
// returns nil after a graceful stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("Runner listening", "address", ln.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.stopCh:
		}
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.listener != nil {
			err = s.listener.Close()
		}
		for c := range s.conns {
			_ = c.Close()
		}
	})
	return err
}

// ServeConn serves one connection until the peer closes it or a framing
// fault makes the stream unusable. Only this connection is affected.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	conn := protocol.NewConn(nc)
	s.track(conn, true)
	s.session.metrics.ConnectionOpened()
	defer func() {
		s.track(conn, false)
		s.session.metrics.ConnectionClosed()
		_ = conn.Close()
	}()

	remote := nc.RemoteAddr().String()
	s.logger.Debug("Connection accepted", "remote", remote)
	for {
		if s.idleTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(s.idleTimeout))
		}
		env, err := conn.Read()
		if err != nil {
			if protocol.IsProtocolError(err) {
				s.logger.Warn("Closing connection after protocol violation", "remote", remote, "error", err)
				_ = conn.Write(protocol.CmdError, domain.ErrorResponse{Code: domain.CodeProtocol, Message: err.Error()})
			} else {
				s.logger.Debug("Connection read failed", "remote", remote, "error", err)
			}
			return
		}
		if env == nil {
			s.logger.Debug("Connection closed by peer", "remote", remote)
			return
		}
		if s.idleTimeout > 0 {
			_ = conn.SetDeadline(time.Time{})
		}
		if err := s.dispatch(ctx, conn, env); err != nil {
			s.logger.Warn("Failed to write reply", "command", env.Command, "remote", remote, "error", err)
			return
		}
	}
}

func (s *Server) track(c *protocol.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// dispatch handles one envelope. A handler error is a reply write failure;
// command failures are reported to the peer.
func (s *Server) dispatch(ctx context.Context, conn *protocol.Conn, env *protocol.Envelope) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "runner."+env.Command, trace.WithAttributes(attribute.String("runner.command", env.Command)))
	defer span.End()

	status, err := s.session.Handle(ctx, conn, env)
	span.SetAttributes(attribute.String("runner.status", status))
	if status == string(protocol.StatusError) {
		span.SetStatus(codes.Error, status)
	}
	s.session.metrics.RecordCommand(env.Command, status, time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return err
}
