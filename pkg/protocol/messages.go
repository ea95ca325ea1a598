package protocol

import (
	"time"

	"github.com/polisai/plugin-runner/pkg/domain"
)

// Commands understood by the runner, and the replies it sends.
const (
	CmdHealth          = "health"
	CmdInitWorkspace   = "initWorkspace"
	CmdExecute         = "execute"
	CmdExecutePlugin   = "executePlugin"
	CmdRunnerLogConfig = "runnerLogConfig"
	CmdRunnerLogFetch  = "runnerLogFetch"
	CmdReset           = "reset"

	CmdExecuteTrace    = "executeTrace"
	CmdExecuteResponse = "executeResponse"
	CmdError           = "error"
)

// ResponseCommand names the terminal reply to a command.
func ResponseCommand(command string) string {
	return command + "Response"
}

// Status is the coarse health or outcome of a runner operation.
type Status string

const (
	StatusUnknown  Status = "Unknown"
	StatusStarting Status = "Starting"
	StatusReady    Status = "Ready"
	StatusDegraded Status = "Degraded"
	StatusError    Status = "Error"
	StatusSuccess  Status = "Success"
)

// Capabilities advertises optional protocol features.
type Capabilities struct {
	TraceStreaming bool `json:"traceStreaming"`
	ModuleCatalog  bool `json:"moduleCatalog"`
	Batch          bool `json:"batch"`
}

// HealthResponse answers health.
type HealthResponse struct {
	Status       Status       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	Message      string       `json:"message,omitempty"`
	Version      int          `json:"version"`
}

// InitWorkspaceRequest activates an environment and module manifest.
type InitWorkspaceRequest struct {
	Environment domain.Environment `json:"environment"`
	Manifest    domain.Manifest    `json:"manifest"`
}

// StepInfo describes a discovered operation registration.
type StepInfo struct {
	Name        string `json:"name"`
	Module      string `json:"module"`
	TypeName    string `json:"typeName"`
	MessageName string `json:"messageName"`
	EntityName  string `json:"entityName,omitempty"`
	Stage       int    `json:"stage"`
	Rank        int    `json:"rank"`
}

// InitWorkspaceResponse answers initWorkspace.
type InitWorkspaceResponse struct {
	Status  Status     `json:"status"`
	Message string     `json:"message"`
	Types   []string   `json:"types"`
	Steps   []StepInfo `json:"steps"`
}

// ExecuteRequest carries an intercepted HTTP-shaped Web API call.
type ExecuteRequest struct {
	RequestID  string             `json:"requestId"`
	Request    domain.HTTPRequest `json:"request"`
	ForceProxy bool               `json:"forceProxy,omitempty"`
	BypassAuth bool               `json:"bypassAuth,omitempty"`
}

// ExecuteTrace is an intermediate slice of trace lines.
type ExecuteTrace struct {
	RequestID string   `json:"requestId"`
	Lines     []string `json:"lines"`
}

// ExecuteResponse is the terminal reply to execute. Trace is complete on its own.
type ExecuteResponse struct {
	RequestID string              `json:"requestId"`
	Response  domain.HTTPResponse `json:"response"`
	Trace     []string            `json:"trace"`
}

// ExecutePluginResponse is the terminal reply to executePlugin.
type ExecutePluginResponse struct {
	RequestID        string         `json:"requestId"`
	Status           Status         `json:"status"`
	Code             string         `json:"code,omitempty"`
	Message          string         `json:"message,omitempty"`
	Trace            []string       `json:"trace"`
	OutputParameters map[string]any `json:"outputParameters,omitempty"`
	SharedVariables  map[string]any `json:"sharedVariables,omitempty"`
}

// LogConfigRequest reconfigures the runner log ring.
type LogConfigRequest struct {
	Level      string   `json:"level,omitempty"`
	Categories []string `json:"categories,omitempty"`
	MaxEntries int      `json:"maxEntries,omitempty"`
}

// LogConfigResponse answers runnerLogConfig.
type LogConfigResponse struct {
	Applied bool   `json:"applied"`
	Message string `json:"message,omitempty"`
}

// LogFetchRequest asks for ring entries newer than LastSeenID.
type LogFetchRequest struct {
	LastSeenID uint64 `json:"lastSeenId"`
	MaxEntries int    `json:"maxEntries,omitempty"`
}

// LogLine is one runner log entry.
type LogLine struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

// LogFetchResponse answers runnerLogFetch.
type LogFetchResponse struct {
	LastID uint64    `json:"lastId"`
	Lines  []LogLine `json:"lines"`
}

// ResetResponse answers reset.
type ResetResponse struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}
