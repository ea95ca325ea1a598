package sdk

import (
	"context"

	"github.com/google/uuid"
)

// Plugin is the entry point every extension type implements.
type Plugin interface {
	Execute(ctx context.Context, services ServiceProvider) error
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(ctx context.Context, services ServiceProvider) error

// Execute calls f.
func (f PluginFunc) Execute(ctx context.Context, services ServiceProvider) error {
	return f(ctx, services)
}

// ServiceProvider hands a running plugin its context and services.
type ServiceProvider interface {
	// Context returns the invocation's execution context.
	Context() *ExecutionContext
	// Tracing returns the invocation's trace sink.
	Tracing() TracingService
	// OrganizationService returns a data service acting as userID, or as the
	// calling user when userID is nil.
	OrganizationService(userID *uuid.UUID) OrganizationService
}

// TracingService records diagnostic lines for the invocation.
type TracingService interface {
	Trace(format string, args ...any)
}

// OrganizationService is the platform's native data contract.
type OrganizationService interface {
	Create(ctx context.Context, entity *Entity) (uuid.UUID, error)
	Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns ColumnSet) (*Entity, error)
	Update(ctx context.Context, entity *Entity) error
	Delete(ctx context.Context, entityName string, id uuid.UUID) error
	RetrieveMultiple(ctx context.Context, query Query) (*EntityCollection, error)
	Execute(ctx context.Context, request *OrganizationRequest) (*OrganizationResponse, error)
	Associate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related EntityReferenceCollection) error
	Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related EntityReferenceCollection) error
}

// OrganizationRequest is a named native request.
type OrganizationRequest struct {
	RequestName string              `json:"requestName"`
	RequestID   *uuid.UUID          `json:"requestId,omitempty"`
	Parameters  ParameterCollection `json:"parameters"`
}

// OrganizationResponse is the result of an OrganizationRequest.
type OrganizationResponse struct {
	ResponseName string              `json:"responseName"`
	Results      ParameterCollection `json:"results"`
}

// ColumnSet selects the attributes a read returns.
type ColumnSet struct {
	AllColumns bool     `json:"allColumns,omitempty"`
	Columns    []string `json:"columns,omitempty"`
}

// AllColumns selects every attribute.
func AllColumns() ColumnSet {
	return ColumnSet{AllColumns: true}
}

// Columns selects the named attributes.
func Columns(names ...string) ColumnSet {
	return ColumnSet{Columns: names}
}

// IsAll reports whether the set selects every attribute. An empty set does.
func (c ColumnSet) IsAll() bool {
	return c.AllColumns || len(c.Columns) == 0
}

// Query is one of QueryExpression, QueryByAttribute or FetchQuery.
type Query interface {
	isQuery()
}

// ConditionOperator compares an attribute against values.
type ConditionOperator string

const (
	OperatorEqual    ConditionOperator = "eq"
	OperatorNotEqual ConditionOperator = "ne"
	OperatorNull     ConditionOperator = "null"
	OperatorNotNull  ConditionOperator = "not-null"
	OperatorLike     ConditionOperator = "like"
)

// Condition is one filter clause. Conditions of a query are AND-ed.
type Condition struct {
	Attribute string            `json:"attribute"`
	Operator  ConditionOperator `json:"operator"`
	Values    []any             `json:"values,omitempty"`
}

// QueryExpression is the structured query form.
type QueryExpression struct {
	EntityName string      `json:"entityName"`
	ColumnSet  ColumnSet   `json:"columnSet"`
	Conditions []Condition `json:"conditions,omitempty"`
	TopCount   int         `json:"topCount,omitempty"`
}

// QueryByAttribute matches records whose attributes equal the given values.
type QueryByAttribute struct {
	EntityName string    `json:"entityName"`
	ColumnSet  ColumnSet `json:"columnSet"`
	Attributes []string  `json:"attributes"`
	Values     []any     `json:"values"`
	TopCount   int       `json:"topCount,omitempty"`
}

// FetchQuery is the textual (FetchXML) query form.
type FetchQuery struct {
	XML string `json:"xml"`
}

func (QueryExpression) isQuery()  {}
func (QueryByAttribute) isQuery() {}
func (FetchQuery) isQuery()       {}
