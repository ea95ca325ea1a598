package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

// MaxDepth is the deepest nesting an invocation may reach.
const MaxDepth = 8

// Default image aliases used when a request names none.
const (
	DefaultPreImageAlias  = "PreImage"
	DefaultPostImageAlias = "PostImage"
)

// Identity is the caller an execution context reports.
type Identity struct {
	UserID           uuid.UUID
	BusinessUnitID   uuid.UUID
	OrganizationID   uuid.UUID
	OrganizationName string
}

// IdentityFrom adapts the facade's synthetic identity, preferring an
// explicit user id when one parses.
func IdentityFrom(id dataaccess.Identity, userID string) Identity {
	out := Identity{
		UserID:           id.UserID,
		BusinessUnitID:   id.BusinessUnitID,
		OrganizationID:   id.OrganizationID,
		OrganizationName: id.OrganizationName,
	}
	if parsed, err := uuid.Parse(strings.TrimSpace(userID)); err == nil {
		out.UserID = parsed
	}
	return out
}

func depthError(message, entity string, depth int) error {
	return domain.NewError(domain.ErrModuleFault, domain.CodeModuleFault,
		"%s of %s reached depth %d, beyond the maximum of %d; a step is probably triggering itself", message, entity, depth, MaxDepth)
}

// newContext creates a context with fresh ids. Nested contexts keep the
// correlation id of their parent.
func newContext(message, entity string, stage sdk.Stage, depth int, who Identity, parent *sdk.ExecutionContext) *sdk.ExecutionContext {
	ectx := &sdk.ExecutionContext{
		MessageName:       message,
		PrimaryEntityName: entity,
		Stage:             stage,
		Mode:              sdk.ModeSynchronous,
		Depth:             depth,
		CorrelationID:     uuid.New(),
		OperationID:       uuid.New(),
		RequestID:         uuid.New(),
		UserID:            who.UserID,
		InitiatingUserID:  who.UserID,
		BusinessUnitID:    who.BusinessUnitID,
		OrganizationID:    who.OrganizationID,
		OrganizationName:  who.OrganizationName,
		IsInTransaction:   stage != sdk.StagePreValidation,
		InputParameters:   sdk.ParameterCollection{},
		OutputParameters:  sdk.ParameterCollection{},
		SharedVariables:   sdk.ParameterCollection{},
		PreEntityImages:   sdk.EntityImageCollection{},
		PostEntityImages:  sdk.EntityImageCollection{},
		ParentContext:     parent,
	}
	if parent != nil {
		ectx.CorrelationID = parent.CorrelationID
	}
	return ectx
}

// BuildContext reconstructs the execution context described by req.
// The depth is one more than the caller's.
func BuildContext(ctx context.Context, req domain.ExecutionRequest, coercer *dataaccess.Coercer, who Identity) (*sdk.ExecutionContext, error) {
	if strings.TrimSpace(req.MessageName) == "" {
		return nil, domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "MessageName is required")
	}
	stage, err := sdk.ParseStage(req.Stage)
	if err != nil {
		return nil, domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "Stage: %v", err)
	}
	depth := req.Depth + 1
	if depth > MaxDepth {
		return nil, depthError(req.MessageName, req.PrimaryEntityName, depth)
	}
	if coercer == nil {
		coercer = dataaccess.NewCoercer(nil)
	}

	ectx := newContext(req.MessageName, req.PrimaryEntityName, stage, depth, who, nil)

	if id := strings.TrimSpace(req.PrimaryEntityID); id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "PrimaryEntityId %q is not a valid id", req.PrimaryEntityID)
		}
		ectx.PrimaryEntityID = parsed
	}

	target, err := parseImage(ctx, coercer, req.PrimaryEntityName, req.TargetJSON, ectx.PrimaryEntityID)
	if err != nil {
		return nil, domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "Target: %v", err)
	}
	switch {
	case target != nil:
		if ectx.PrimaryEntityID == uuid.Nil {
			ectx.PrimaryEntityID = target.ID
		}
		if strings.EqualFold(req.MessageName, dataaccess.RequestDelete) {
			ectx.InputParameters["Target"] = target.ToEntityReference()
		} else {
			ectx.InputParameters["Target"] = target
		}
	case ectx.PrimaryEntityID != uuid.Nil && req.PrimaryEntityName != "":
		ectx.InputParameters["Target"] = sdk.EntityReference{LogicalName: req.PrimaryEntityName, ID: ectx.PrimaryEntityID}
	}

	if err := addImages(ctx, ectx, coercer, req); err != nil {
		return nil, err
	}
	return ectx, nil
}

// addImages fills the image maps. With role Both the single payload is
// parsed once per map so the two images never share state.
func addImages(ctx context.Context, ectx *sdk.ExecutionContext, coercer *dataaccess.Coercer, req domain.ExecutionRequest) error {
	preAlias := firstNonEmpty(req.PreImageAlias, DefaultPreImageAlias)
	postAlias := firstNonEmpty(req.PostImageAlias, DefaultPostImageAlias)
	entity, id := req.PrimaryEntityName, ectx.PrimaryEntityID

	role := strings.ToLower(string(req.ImageRole))
	var prePayload, postPayload string
	switch role {
	case strings.ToLower(string(domain.ImageRoleBoth)):
		payload := firstNonEmpty(req.PreImageJSON, req.PostImageJSON)
		prePayload, postPayload = payload, payload
	case strings.ToLower(string(domain.ImageRolePre)):
		prePayload = req.PreImageJSON
	case strings.ToLower(string(domain.ImageRolePost)):
		postPayload = req.PostImageJSON
	case "":
		prePayload, postPayload = req.PreImageJSON, req.PostImageJSON
	default:
		return domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid,
			"ImageRole %q is not valid (expected Pre, Post, Both)", req.ImageRole)
	}

	pre, err := parseImage(ctx, coercer, entity, prePayload, id)
	if err != nil {
		return domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "PreImage: %v", err)
	}
	if pre != nil {
		ectx.PreEntityImages[preAlias] = pre
	}
	post, err := parseImage(ctx, coercer, entity, postPayload, id)
	if err != nil {
		return domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "PostImage: %v", err)
	}
	if post != nil {
		ectx.PostEntityImages[postAlias] = post
	}
	return nil
}

func parseImage(ctx context.Context, coercer *dataaccess.Coercer, entity, payload string, id uuid.UUID) (*sdk.Entity, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, nil
	}
	e, err := coercer.EntityFromJSON(ctx, entity, []byte(payload))
	if err != nil || e == nil {
		return e, err
	}
	if e.ID == uuid.Nil {
		e.ID = id
	}
	return e, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// WireParameters renders a parameter collection with JSON-friendly values.
func WireParameters(coercer *dataaccess.Coercer, params sdk.ParameterCollection) map[string]any {
	if len(params) == 0 {
		return nil
	}
	if coercer == nil {
		coercer = dataaccess.NewCoercer(nil)
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = coercer.ToWire(v)
	}
	return out
}

func describe(message, entity string) string {
	if entity == "" {
		return message
	}
	return fmt.Sprintf("%s of %s", message, entity)
}
