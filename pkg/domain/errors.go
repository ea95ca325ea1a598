package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrConfigInvalid          = errors.New("invalid configuration")
	ErrModuleNotFound         = errors.New("assembly not found")
	ErrTypeNotFound           = errors.New("plugin type not found")
	ErrUnsupportedConstructor = errors.New("unsupported plugin constructor")
	ErrModuleFault            = errors.New("plugin execution failed")
	ErrCapability             = errors.New("operation not supported in current execution mode")
	ErrNotFound               = errors.New("record not found")
	ErrProtocol               = errors.New("protocol violation")
	ErrLiveWriteDenied        = errors.New("live write denied")
	ErrUpstreamUnreachable    = errors.New("upstream service unreachable")
	ErrWorkspaceNotReady      = errors.New("workspace not initialized")
)

// Stable machine-readable error codes carried on the wire.
const (
	CodeConfigInvalid  = "CONFIG_INVALID"
	CodeModuleNotFound = "MODULE_NOT_FOUND"
	CodeTypeNotFound   = "TYPE_NOT_FOUND"
	CodeModuleFault    = "MODULE_FAULT"
	CodeCapability     = "CAPABILITY_NOT_SUPPORTED"
	CodeNotFound       = "NOT_FOUND"
	CodeProtocol       = "PROTOCOL_ERROR"
	CodeWriteDenied    = "LIVE_WRITE_DENIED"
	CodeUpstream       = "UPSTREAM_UNREACHABLE"
	CodeInternal       = "INTERNAL"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError builds a DomainError around a sentinel with a formatted message.
func NewError(sentinel error, code, format string, args ...any) *DomainError {
	return &DomainError{
		Err:     sentinel,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// CodeOf maps an error chain onto its wire code.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrConfigInvalid):
		return CodeConfigInvalid
	case errors.Is(err, ErrModuleNotFound):
		return CodeModuleNotFound
	case errors.Is(err, ErrTypeNotFound):
		return CodeTypeNotFound
	case errors.Is(err, ErrUnsupportedConstructor), errors.Is(err, ErrModuleFault):
		return CodeModuleFault
	case errors.Is(err, ErrCapability):
		return CodeCapability
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrLiveWriteDenied):
		return CodeWriteDenied
	case errors.Is(err, ErrUpstreamUnreachable):
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// ErrorResponse defines the standard JSON error model returned on the runner protocol.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`              // Machine-readable error code (e.g., CONFIG_INVALID)
	Message string `json:"message"`           // Human-readable message (safe for logs)
	TraceID string `json:"traceId,omitempty"` // Optional trace/correlation ID
}
