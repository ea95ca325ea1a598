package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

var entityIDPattern = regexp.MustCompile(`\(([0-9a-fA-F-]{36})\)\s*$`)

// Names maps logical names to entity set names and back, guessing the
// platform's pluralisation when metadata does not know an entity.
type Names struct {
	Sets EntitySets
}

// EntitySetName returns the entity set name of a logical name.
func (n Names) EntitySetName(logicalName string) string {
	if n.Sets != nil {
		if info, ok := n.Sets.GetEntity(logicalName); ok && info.EntitySetName != "" {
			return info.EntitySetName
		}
	}
	return pluralize(strings.ToLower(logicalName))
}

// LogicalName returns the logical name behind an entity set name.
func (n Names) LogicalName(setName string) string {
	if n.Sets != nil {
		if info, ok := n.Sets.GetEntityBySetName(setName); ok {
			return info.LogicalName
		}
	}
	return singularize(strings.ToLower(setName))
}

// IsEntitySet reports whether metadata knows setName as an entity set.
func (n Names) IsEntitySet(setName string) bool {
	if n.Sets == nil {
		return false
	}
	_, ok := n.Sets.GetEntityBySetName(setName)
	return ok
}

// EntitySetName returns the entity set name of a logical name.
func (c *Client) EntitySetName(logicalName string) string {
	return c.names.EntitySetName(logicalName)
}

func pluralize(name string) string {
	switch {
	case strings.HasSuffix(name, "y") && !strings.HasSuffix(name, "ay") && !strings.HasSuffix(name, "ey"):
		return strings.TrimSuffix(name, "y") + "ies"
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "x"), strings.HasSuffix(name, "ch"), strings.HasSuffix(name, "sh"):
		return name + "es"
	default:
		return name + "s"
	}
}

func singularize(set string) string {
	switch {
	case strings.HasSuffix(set, "ies"):
		return strings.TrimSuffix(set, "ies") + "y"
	case strings.HasSuffix(set, "sses"), strings.HasSuffix(set, "xes"), strings.HasSuffix(set, "ches"), strings.HasSuffix(set, "shes"):
		return strings.TrimSuffix(set, "es")
	default:
		return strings.TrimSuffix(set, "s")
	}
}

func (c *Client) recordPath(logicalName string, id uuid.UUID) string {
	return fmt.Sprintf("%s(%s)", c.EntitySetName(logicalName), id)
}

// Create posts a new record and returns its id.
func (c *Client) Create(ctx context.Context, entity *sdk.Entity) (uuid.UUID, error) {
	if entity == nil || entity.LogicalName == "" {
		return uuid.Nil, fmt.Errorf("%w: Create requires an entity with a logical name", dataaccess.ErrInvalidRecord)
	}
	body, err := json.Marshal(c.wireBody(entity))
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode %s: %w", entity.LogicalName, err)
	}
	resp, err := c.send(ctx, call{method: http.MethodPost, target: c.EntitySetName(entity.LogicalName), body: body})
	if err != nil {
		return uuid.Nil, err
	}
	if err := c.expect(resp, http.StatusNoContent, http.StatusCreated, http.StatusOK); err != nil {
		return uuid.Nil, err
	}

	if m := entityIDPattern.FindStringSubmatch(resp.Header.Get("OData-EntityId")); m != nil {
		return uuid.Parse(m[1])
	}
	if entity.ID != uuid.Nil {
		return entity.ID, nil
	}
	return uuid.Nil, fmt.Errorf("create %s: response carried no record id", entity.LogicalName)
}

// Retrieve reads one record.
func (c *Client) Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns sdk.ColumnSet) (*sdk.Entity, error) {
	query := url.Values{}
	if !columns.IsAll() {
		query.Set("$select", strings.Join(columns.Columns, ","))
	}
	resp, err := c.send(ctx, call{method: http.MethodGet, target: c.recordPath(entityName, id), query: query})
	if err != nil {
		return nil, err
	}
	if err := c.expect(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("retrieve %s(%s): %w", entityName, id, err)
	}
	e, err := c.coercer.EntityFromJSON(ctx, entityName, resp.Body)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = sdk.NewEntity(entityName)
	}
	e.ID = id
	return e, nil
}

// Update patches the changed attributes of a record. The record must exist.
func (c *Client) Update(ctx context.Context, entity *sdk.Entity) error {
	if entity == nil || entity.LogicalName == "" || entity.ID == uuid.Nil {
		return fmt.Errorf("%w: Update requires a logical name and a record id", dataaccess.ErrInvalidRecord)
	}
	body, err := json.Marshal(c.wireBody(entity))
	if err != nil {
		return fmt.Errorf("encode %s: %w", entity.LogicalName, err)
	}
	resp, err := c.send(ctx, call{
		method:  http.MethodPatch,
		target:  c.recordPath(entity.LogicalName, entity.ID),
		body:    body,
		headers: map[string]string{"If-Match": "*"},
	})
	if err != nil {
		return err
	}
	return c.expect(resp, http.StatusNoContent, http.StatusOK)
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, entityName string, id uuid.UUID) error {
	resp, err := c.send(ctx, call{method: http.MethodDelete, target: c.recordPath(entityName, id)})
	if err != nil {
		return err
	}
	return c.expect(resp, http.StatusNoContent, http.StatusOK)
}

// RetrieveMultiple runs a query. Structured queries become OData options;
// FetchXML is passed through as the fetchXml option.
func (c *Client) RetrieveMultiple(ctx context.Context, query sdk.Query) (*sdk.EntityCollection, error) {
	entityName, options, err := c.queryOptions(query)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value    []json.RawMessage `json:"value"`
		NextLink string            `json:"@odata.nextLink"`
		More     bool              `json:"@Microsoft.Dynamics.CRM.morerecords"`
	}
	if err := c.getJSON(ctx, c.EntitySetName(entityName), options, &page); err != nil {
		return nil, fmt.Errorf("retrieve multiple %s: %w", entityName, err)
	}

	out := &sdk.EntityCollection{
		EntityName:  entityName,
		Entities:    make([]*sdk.Entity, 0, len(page.Value)),
		MoreRecords: page.NextLink != "" || page.More,
	}
	for _, raw := range page.Value {
		e, err := c.coercer.EntityFromJSON(ctx, entityName, raw)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out.Entities = append(out.Entities, e)
		}
	}
	return out, nil
}

func (c *Client) queryOptions(query sdk.Query) (string, url.Values, error) {
	options := url.Values{}
	switch q := query.(type) {
	case sdk.FetchQuery:
		name, err := fetchEntityName(q.XML)
		if err != nil {
			return "", nil, err
		}
		options.Set("fetchXml", q.XML)
		return name, options, nil
	case *sdk.FetchQuery:
		if q != nil {
			return c.queryOptions(*q)
		}
	case sdk.QueryByAttribute:
		expr := sdk.QueryExpression{EntityName: q.EntityName, ColumnSet: q.ColumnSet, TopCount: q.TopCount}
		for i, attr := range q.Attributes {
			if i < len(q.Values) {
				expr.Conditions = append(expr.Conditions, sdk.Condition{Attribute: attr, Operator: sdk.OperatorEqual, Values: []any{q.Values[i]}})
			}
		}
		return c.queryOptions(expr)
	case *sdk.QueryByAttribute:
		if q != nil {
			return c.queryOptions(*q)
		}
	case sdk.QueryExpression:
		if q.EntityName == "" {
			return "", nil, fmt.Errorf("%w: query has no entity name", dataaccess.ErrInvalidRecord)
		}
		if !q.ColumnSet.IsAll() {
			options.Set("$select", strings.Join(q.ColumnSet.Columns, ","))
		}
		if q.TopCount > 0 {
			options.Set("$top", strconv.Itoa(q.TopCount))
		}
		if filter := odataFilter(q.Conditions); filter != "" {
			options.Set("$filter", filter)
		}
		return q.EntityName, options, nil
	case *sdk.QueryExpression:
		if q != nil {
			return c.queryOptions(*q)
		}
	}
	return "", nil, fmt.Errorf("%w: unsupported query %T", dataaccess.ErrInvalidRecord, query)
}

var fetchEntityPattern = regexp.MustCompile(`<entity[^>]*\sname\s*=\s*["']([^"']+)["']`)

func fetchEntityName(fetchXML string) (string, error) {
	m := fetchEntityPattern.FindStringSubmatch(fetchXML)
	if m == nil {
		return "", fmt.Errorf("%w: FetchXML names no entity", dataaccess.ErrInvalidRecord)
	}
	return m[1], nil
}

// Execute sends a named request. Read-only functions go out as GET function
// calls; everything else is posted as an unbound action with its parameters
// as the JSON body.
func (c *Client) Execute(ctx context.Context, request *sdk.OrganizationRequest) (*sdk.OrganizationResponse, error) {
	if request == nil || request.RequestName == "" {
		return nil, fmt.Errorf("%w: Execute requires a request name", dataaccess.ErrInvalidRecord)
	}

	var (
		resp *response
		err  error
	)
	switch strings.ToLower(request.RequestName) {
	case "whoami", "retrieveversion", "retrievecurrentorganization":
		target := request.RequestName + "()"
		if strings.EqualFold(request.RequestName, "RetrieveCurrentOrganization") {
			target = "RetrieveCurrentOrganization(AccessType=@p1)"
			resp, err = c.send(ctx, call{method: http.MethodGet, target: target, query: url.Values{"@p1": {"Microsoft.Dynamics.CRM.EndpointAccessType'Default'"}}})
			break
		}
		resp, err = c.send(ctx, call{method: http.MethodGet, target: target})
	default:
		params := make(map[string]any, len(request.Parameters))
		for k, v := range request.Parameters {
			params[k] = c.coercer.ToWire(v)
		}
		body, encErr := json.Marshal(params)
		if encErr != nil {
			return nil, fmt.Errorf("encode %s parameters: %w", request.RequestName, encErr)
		}
		resp, err = c.send(ctx, call{method: http.MethodPost, target: request.RequestName, body: body})
	}
	if err != nil {
		return nil, err
	}
	if err := c.expect(resp, http.StatusOK, http.StatusNoContent); err != nil {
		return nil, err
	}

	results := sdk.ParameterCollection{}
	if len(resp.Body) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(resp.Body, &raw); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", request.RequestName, err)
		}
		for k, v := range raw {
			if strings.HasPrefix(k, "@") {
				continue
			}
			if s, ok := v.(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					results[k] = id
					continue
				}
			}
			results[k] = v
		}
	}
	return &sdk.OrganizationResponse{ResponseName: request.RequestName, Results: results}, nil
}

// Associate links related records through a relationship.
func (c *Client) Associate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related sdk.EntityReferenceCollection) error {
	for _, ref := range related {
		body, err := json.Marshal(map[string]string{"@odata.id": c.apiBase.String() + c.recordPath(ref.LogicalName, ref.ID)})
		if err != nil {
			return err
		}
		resp, err := c.send(ctx, call{method: http.MethodPost, target: c.recordPath(entityName, id) + "/" + relationship + "/$ref", body: body})
		if err != nil {
			return err
		}
		if err := c.expect(resp, http.StatusNoContent, http.StatusOK); err != nil {
			return fmt.Errorf("associate %s: %w", relationship, err)
		}
	}
	return nil
}

// Disassociate removes relationship links.
func (c *Client) Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related sdk.EntityReferenceCollection) error {
	for _, ref := range related {
		target := fmt.Sprintf("%s/%s(%s)/$ref", c.recordPath(entityName, id), relationship, ref.ID)
		resp, err := c.send(ctx, call{method: http.MethodDelete, target: target})
		if err != nil {
			return err
		}
		if err := c.expect(resp, http.StatusNoContent, http.StatusOK); err != nil {
			return fmt.Errorf("disassociate %s: %w", relationship, err)
		}
	}
	return nil
}

// wireBody renders a record for a POST or PATCH body. Lookups become
// @odata.bind references and the primary key is left out.
func (c *Client) wireBody(e *sdk.Entity) map[string]any {
	out := make(map[string]any, len(e.Attributes))
	primaryKey := strings.ToLower(e.LogicalName) + "id"
	for name, value := range e.Attributes {
		if strings.EqualFold(name, primaryKey) {
			continue
		}
		switch ref := value.(type) {
		case sdk.EntityReference:
			out[name+"@odata.bind"] = "/" + c.recordPath(ref.LogicalName, ref.ID)
		case *sdk.EntityReference:
			if ref != nil {
				out[name+"@odata.bind"] = "/" + c.recordPath(ref.LogicalName, ref.ID)
			}
		default:
			out[name] = c.coercer.ToWire(value)
		}
	}
	return out
}

// odataFilter renders AND-ed conditions as an OData $filter expression.
func odataFilter(conditions []sdk.Condition) string {
	parts := make([]string, 0, len(conditions))
	for _, cond := range conditions {
		var first any
		if len(cond.Values) > 0 {
			first = cond.Values[0]
		}
		switch cond.Operator {
		case sdk.OperatorNull:
			parts = append(parts, cond.Attribute+" eq null")
		case sdk.OperatorNotNull:
			parts = append(parts, cond.Attribute+" ne null")
		case sdk.OperatorNotEqual:
			parts = append(parts, cond.Attribute+" ne "+odataLiteral(first))
		case sdk.OperatorLike:
			pattern := fmt.Sprint(first)
			if strings.HasSuffix(pattern, "%") && !strings.ContainsAny(strings.TrimSuffix(pattern, "%"), "%_") {
				parts = append(parts, fmt.Sprintf("startswith(%s,%s)", cond.Attribute, odataLiteral(strings.TrimSuffix(pattern, "%"))))
			} else {
				parts = append(parts, fmt.Sprintf("contains(%s,%s)", cond.Attribute, odataLiteral(strings.Trim(pattern, "%"))))
			}
		default:
			parts = append(parts, cond.Attribute+" eq "+odataLiteral(first))
		}
	}
	return strings.Join(parts, " and ")
}

func odataLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if _, err := uuid.Parse(val); err == nil {
			return val
		}
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case uuid.UUID:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case sdk.EntityReference:
		return val.ID.String()
	case sdk.OptionSetValue:
		return strconv.Itoa(val.Value)
	case json.Number:
		return val.String()
	case int, int32, int64, float32, float64:
		return fmt.Sprint(val)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(val), "'", "''") + "'"
	}
}
