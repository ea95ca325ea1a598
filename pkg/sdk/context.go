package sdk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Stage is a pipeline lifecycle point relative to the core operation.
type Stage int

const (
	StagePreValidation Stage = 10
	StagePreOperation  Stage = 20
	StageMainOperation Stage = 30
	StagePostOperation Stage = 40
)

func (s Stage) String() string {
	switch s {
	case StagePreValidation:
		return "PreValidation"
	case StagePreOperation:
		return "PreOperation"
	case StageMainOperation:
		return "MainOperation"
	case StagePostOperation:
		return "PostOperation"
	default:
		return strconv.Itoa(int(s))
	}
}

// ParseStage accepts a stage name (case-insensitive, dashes allowed) or its numeric code.
func ParseStage(raw string) (Stage, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.TrimSpace(raw)))
	switch norm {
	case "prevalidation", "10":
		return StagePreValidation, nil
	case "preoperation", "20":
		return StagePreOperation, nil
	case "postoperation", "40":
		return StagePostOperation, nil
	}
	return 0, fmt.Errorf("unknown pipeline stage %q (expected PreValidation, PreOperation or PostOperation)", raw)
}

// Execution modes of a step.
const (
	ModeSynchronous  = 0
	ModeAsynchronous = 1
)

// ParameterCollection holds named request or response values.
type ParameterCollection map[string]any

// Clone deep-copies the collection.
func (p ParameterCollection) Clone() ParameterCollection {
	out := make(ParameterCollection, len(p))
	for k, v := range p {
		out[k] = CloneValue(v)
	}
	return out
}

// EntityImageCollection maps image aliases to record snapshots.
type EntityImageCollection map[string]*Entity

// ExecutionContext is the server-side invocation context handed to a plugin.
// A context belongs to exactly one invocation.
type ExecutionContext struct {
	MessageName       string
	PrimaryEntityName string
	PrimaryEntityID   uuid.UUID
	Stage             Stage
	Mode              int
	Depth             int

	CorrelationID uuid.UUID
	OperationID   uuid.UUID
	RequestID     uuid.UUID

	UserID           uuid.UUID
	InitiatingUserID uuid.UUID
	BusinessUnitID   uuid.UUID
	OrganizationID   uuid.UUID
	OrganizationName string
	IsInTransaction  bool

	InputParameters  ParameterCollection
	OutputParameters ParameterCollection
	SharedVariables  ParameterCollection
	PreEntityImages  EntityImageCollection
	PostEntityImages EntityImageCollection

	ParentContext *ExecutionContext
}

// Target returns the "Target" input parameter as an entity, if it is one.
func (c *ExecutionContext) Target() (*Entity, bool) {
	e, ok := c.InputParameters["Target"].(*Entity)
	return e, ok
}
