package runner

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/pipeline"
	"github.com/polisai/plugin-runner/pkg/protocol"
	"github.com/polisai/plugin-runner/pkg/workspace"
)

// Handle serves one envelope and writes its reply to conn. It returns the
// status recorded for the command; the error is set only when a reply could
// not be written.
func (s *Session) Handle(ctx context.Context, conn *protocol.Conn, env *protocol.Envelope) (string, error) {
	switch env.Command {
	case protocol.CmdHealth:
		resp := s.Health()
		return string(resp.Status), conn.Write(protocol.ResponseCommand(env.Command), resp)
	case protocol.CmdInitWorkspace:
		return s.handleInitWorkspace(ctx, conn, env)
	case protocol.CmdExecute:
		return s.handleExecute(ctx, conn, env)
	case protocol.CmdExecutePlugin:
		return s.handleExecutePlugin(ctx, conn, env)
	case protocol.CmdRunnerLogConfig:
		return s.handleLogConfig(conn, env)
	case protocol.CmdRunnerLogFetch:
		return s.handleLogFetch(conn, env)
	case protocol.CmdReset:
		s.ws.Reset()
		s.logger.InfoContext(ctx, "Session reset")
		return string(protocol.StatusSuccess), conn.Write(protocol.ResponseCommand(env.Command), protocol.ResetResponse{
			Status:  protocol.StatusSuccess,
			Message: "Session reset: workspace, module handles, overlay and metadata dropped",
		})
	default:
		return s.replyError(ctx, conn, domain.CodeProtocol, fmt.Sprintf("unknown command %q", env.Command))
	}
}

// Bootstrap initializes the workspace named in the configuration, if any.
func (s *Session) Bootstrap(ctx context.Context) error {
	if !s.cfg.Workspace.Enabled() {
		return nil
	}
	result, err := s.ws.Initialize(ctx, s.cfg.Workspace.Environment, s.cfg.Workspace.Manifest)
	if err != nil {
		return fmt.Errorf("failed to initialize configured workspace: %w", err)
	}
	s.logger.InfoContext(ctx, "Configured workspace initialized", "org", s.cfg.Workspace.Environment.OrgURL, "state", result.State, "types", len(result.Types))
	return nil
}

func (s *Session) handleInitWorkspace(ctx context.Context, conn *protocol.Conn, env *protocol.Envelope) (string, error) {
	var req protocol.InitWorkspaceRequest
	if err := env.Decode(&req); err != nil {
		return s.replyError(ctx, conn, domain.CodeProtocol, err.Error())
	}

	resp := protocol.InitWorkspaceResponse{Types: []string{}, Steps: []protocol.StepInfo{}}
	result, err := s.ws.Initialize(ctx, req.Environment, req.Manifest)
	if err != nil {
		s.logger.WarnContext(ctx, "Workspace initialization failed", "org", req.Environment.OrgURL, "error", err)
		resp.Status = protocol.StatusError
		resp.Message = err.Error()
		return string(resp.Status), conn.Write(protocol.ResponseCommand(env.Command), resp)
	}

	resp.Status = protocol.StatusReady
	if result.State == workspace.StateDegraded {
		resp.Status = protocol.StatusDegraded
	}
	resp.Message = result.Message
	for _, t := range result.Types {
		resp.Types = append(resp.Types, t.Name)
	}
	for _, step := range result.Steps {
		resp.Steps = append(resp.Steps, protocol.StepInfo{
			Name:        step.Name,
			Module:      step.Module,
			TypeName:    step.TypeName,
			MessageName: step.MessageName,
			EntityName:  step.EntityName,
			Stage:       int(step.Stage),
			Rank:        step.Rank,
		})
	}
	return string(resp.Status), conn.Write(protocol.ResponseCommand(env.Command), resp)
}

func (s *Session) handleExecute(ctx context.Context, conn *protocol.Conn, env *protocol.Envelope) (string, error) {
	var req protocol.ExecuteRequest
	if err := env.Decode(&req); err != nil {
		return s.replyError(ctx, conn, domain.CodeProtocol, err.Error())
	}

	rec := s.newRecorder(func(lines []string) {
		if err := conn.Write(protocol.CmdExecuteTrace, protocol.ExecuteTrace{RequestID: req.RequestID, Lines: lines}); err != nil {
			s.logger.DebugContext(ctx, "Trace delta dropped", "request", req.RequestID, "error", err)
			return
		}
		s.metrics.RecordTraceDelta()
	})

	resp, err := s.engine.Execute(ctx, req.Request, pipeline.ExecuteOptions{ForceProxy: req.ForceProxy, BypassAuth: req.BypassAuth}, rec)
	status := protocol.StatusSuccess
	if err != nil {
		status = protocol.StatusError
		s.logger.InfoContext(ctx, "Execute failed", "request", req.RequestID, "method", req.Request.Method, "url", req.Request.URL, "error", err)
	}
	rec.Flush()

	return string(status), conn.Write(protocol.CmdExecuteResponse, protocol.ExecuteResponse{
		RequestID: req.RequestID,
		Response:  resp,
		Trace:     rec.Lines(),
	})
}

func (s *Session) handleExecutePlugin(ctx context.Context, conn *protocol.Conn, env *protocol.Envelope) (string, error) {
	var req domain.ExecutionRequest
	if err := env.Decode(&req); err != nil {
		return s.replyError(ctx, conn, domain.CodeProtocol, err.Error())
	}

	rec := s.newRecorder(nil)
	result, err := s.engine.ExecutePlugin(ctx, req, rec)

	resp := protocol.ExecutePluginResponse{RequestID: req.RequestID, Status: protocol.StatusSuccess}
	if result != nil {
		resp.OutputParameters = result.OutputParameters
		resp.SharedVariables = result.SharedVariables
	}
	if err != nil {
		resp.Status = protocol.StatusError
		resp.Code = domain.CodeOf(err)
		resp.Message = err.Error()
		s.logger.InfoContext(ctx, "Plugin execution failed", "request", req.RequestID, "type", req.TypeName, "code", resp.Code, "error", err)
	}
	resp.Trace = rec.Lines()
	return string(resp.Status), conn.Write(protocol.ResponseCommand(env.Command), resp)
}

func (s *Session) handleLogConfig(conn *protocol.Conn, env *protocol.Envelope) (string, error) {
	var req protocol.LogConfigRequest
	if err := env.Decode(&req); err != nil {
		return s.replyError(context.Background(), conn, domain.CodeProtocol, err.Error())
	}

	resp := protocol.LogConfigResponse{Applied: true}
	if err := s.ring.Configure(req.Level, req.Categories, req.MaxEntries); err != nil {
		resp.Applied = false
		resp.Message = err.Error()
		return string(protocol.StatusError), conn.Write(protocol.ResponseCommand(env.Command), resp)
	}

	var parts []string
	if req.Level != "" {
		parts = append(parts, "level="+strings.ToLower(req.Level))
	}
	if len(req.Categories) > 0 {
		parts = append(parts, "categories="+strings.Join(req.Categories, ","))
	}
	parts = append(parts, fmt.Sprintf("capacity=%d", s.ring.Capacity()))
	resp.Message = "Runner log configured: " + strings.Join(parts, " ")
	return string(protocol.StatusSuccess), conn.Write(protocol.ResponseCommand(env.Command), resp)
}

func (s *Session) handleLogFetch(conn *protocol.Conn, env *protocol.Envelope) (string, error) {
	var req protocol.LogFetchRequest
	if err := env.Decode(&req); err != nil {
		return s.replyError(context.Background(), conn, domain.CodeProtocol, err.Error())
	}

	entries, last := s.ring.Since(req.LastSeenID, req.MaxEntries)
	resp := protocol.LogFetchResponse{LastID: last, Lines: make([]protocol.LogLine, 0, len(entries))}
	for _, e := range entries {
		resp.Lines = append(resp.Lines, protocol.LogLine{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Level:     e.Level.String(),
			Category:  e.Category,
			Message:   e.Message,
		})
	}
	return string(protocol.StatusSuccess), conn.Write(protocol.ResponseCommand(env.Command), resp)
}

func (s *Session) replyError(ctx context.Context, conn *protocol.Conn, code, message string) (string, error) {
	resp := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	return string(protocol.StatusError), conn.Write(protocol.CmdError, resp)
}
