package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/execmode"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

// ErrUnsupportedRoute is returned for requests the translator cannot map.
var ErrUnsupportedRoute = errors.New("unsupported web api route")

// Operation is an intercepted HTTP request in native form.
type Operation struct {
	Request    *sdk.OrganizationRequest
	EntityName string
	SetName    string
	ID         uuid.UUID
}

// Message returns the native message name.
func (o *Operation) Message() string {
	return o.Request.RequestName
}

// Translator converts intercepted Web API requests to native requests and
// native responses back to HTTP.
type Translator interface {
	ToNative(ctx context.Context, req domain.HTTPRequest) (*Operation, error)
	FromNative(ctx context.Context, op *Operation, resp *sdk.OrganizationResponse) (domain.HTTPResponse, error)
}

// DefaultTranslator maps entity set CRUD routes, relationship $ref routes
// and unbound functions and actions.
type DefaultTranslator struct {
	Names   Names
	Coercer *dataaccess.Coercer
	// OrgURL is used to render OData-EntityId headers and contexts.
	OrgURL string
}

var (
	apiRoot      = regexp.MustCompile(`(?i)^/api/data/v\d+(\.\d+)*/`)
	routeSegment = regexp.MustCompile(`^([A-Za-z_][\w.]*)(?:\(([^)]*)\))?(?:/(.*))?$`)
)

// ToNative maps req onto a native request.
func (t *DefaultTranslator) ToNative(ctx context.Context, req domain.HTTPRequest) (*Operation, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedRoute, err)
	}
	loc := apiRoot.FindStringIndex(u.Path)
	if loc == nil {
		return nil, fmt.Errorf("%w: %s is not a Web API path", ErrUnsupportedRoute, u.Path)
	}
	m := routeSegment.FindStringSubmatch(u.Path[loc[1]:])
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRoute, u.Path)
	}
	name, key, rest := m[1], m[2], m[3]
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	query := u.Query()

	if t.isMessage(name, m[0]) {
		return t.message(ctx, method, name, req.Body)
	}

	op := &Operation{SetName: name, EntityName: t.Names.LogicalName(name)}
	if key != "" {
		id, err := uuid.Parse(strings.Trim(key, "'"))
		if err != nil {
			return nil, fmt.Errorf("%w: alternate keys are not supported (%s)", ErrUnsupportedRoute, key)
		}
		op.ID = id
	}
	ref := sdk.EntityReference{LogicalName: op.EntityName, ID: op.ID}

	if rest != "" {
		return t.relationship(op, ref, method, rest, query, req.Body)
	}

	switch {
	case method == http.MethodGet && op.ID != uuid.Nil:
		op.Request = request(dataaccess.RequestRetrieve, sdk.ParameterCollection{
			"Target":    ref,
			"ColumnSet": columnSet(query.Get("$select")),
		})
	case method == http.MethodGet:
		q, err := t.query(op.EntityName, query)
		if err != nil {
			return nil, err
		}
		op.Request = request(dataaccess.RequestRetrieveMultiple, sdk.ParameterCollection{"Query": q})
	case method == http.MethodPost && op.ID == uuid.Nil:
		target, err := t.entity(ctx, op.EntityName, req.Body)
		if err != nil {
			return nil, err
		}
		op.Request = request(dataaccess.RequestCreate, sdk.ParameterCollection{"Target": target})
	case method == http.MethodPatch && op.ID != uuid.Nil:
		target, err := t.entity(ctx, op.EntityName, req.Body)
		if err != nil {
			return nil, err
		}
		target.ID = op.ID
		op.Request = request(dataaccess.RequestUpdate, sdk.ParameterCollection{"Target": target})
	case method == http.MethodDelete && op.ID != uuid.Nil:
		op.Request = request(dataaccess.RequestDelete, sdk.ParameterCollection{"Target": ref})
	default:
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedRoute, method, u.Path)
	}
	return op, nil
}

// isMessage reports whether a route segment names a function or action
// rather than an entity set. Entity set names are all lower case.
func (t *DefaultTranslator) isMessage(name, segment string) bool {
	if t.Names.IsEntitySet(name) {
		return false
	}
	return strings.HasSuffix(segment, "()") || strings.ToLower(name) != name
}

func (t *DefaultTranslator) message(ctx context.Context, method, name, body string) (*Operation, error) {
	name = strings.TrimPrefix(name, "Microsoft.Dynamics.CRM.")
	params := sdk.ParameterCollection{}
	if method == http.MethodPost && strings.TrimSpace(body) != "" {
		dec := json.NewDecoder(strings.NewReader(body))
		dec.UseNumber()
		raw := map[string]any{}
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", dataaccess.ErrInvalidRecord, name, err)
		}
		for k, v := range raw {
			if ref, ok := bindReference(t.Names, v); ok {
				params[k] = ref
				continue
			}
			params[k] = v
		}
	}
	return &Operation{Request: request(name, params)}, nil
}

func (t *DefaultTranslator) relationship(op *Operation, ref sdk.EntityReference, method, rest string, query url.Values, body string) (*Operation, error) {
	if op.ID == uuid.Nil || !strings.HasSuffix(rest, "/$ref") {
		return nil, fmt.Errorf("%w: navigation %s", ErrUnsupportedRoute, rest)
	}
	nav := strings.TrimSuffix(rest, "/$ref")

	var related sdk.EntityReference
	switch method {
	case http.MethodPost:
		var payload struct {
			ID string `json:"@odata.id"`
		}
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			return nil, fmt.Errorf("%w: $ref body: %v", dataaccess.ErrInvalidRecord, err)
		}
		r, ok := bindReference(t.Names, payload.ID)
		if !ok {
			return nil, fmt.Errorf("%w: $ref body names no record", dataaccess.ErrInvalidRecord)
		}
		related = r
		op.Request = request(dataaccess.RequestAssociate, nil)
	case http.MethodDelete:
		if m := routeSegment.FindStringSubmatch(nav); m != nil && m[2] != "" {
			nav = m[1]
			id, err := uuid.Parse(m[2])
			if err != nil {
				return nil, fmt.Errorf("%w: related key %s", ErrUnsupportedRoute, m[2])
			}
			related = sdk.EntityReference{ID: id}
		} else if r, ok := bindReference(t.Names, query.Get("$id")); ok {
			related = r
		} else {
			return nil, fmt.Errorf("%w: disassociate names no related record", dataaccess.ErrInvalidRecord)
		}
		op.Request = request(dataaccess.RequestDisassociate, nil)
	default:
		return nil, fmt.Errorf("%w: %s on $ref", ErrUnsupportedRoute, method)
	}

	op.Request.Parameters["Target"] = ref
	op.Request.Parameters["Relationship"] = nav
	op.Request.Parameters["RelatedEntities"] = sdk.EntityReferenceCollection{related}
	return op, nil
}

// entity decodes a POST/PATCH body, turning @odata.bind references into
// {id, logicalName} objects the coercer understands.
func (t *DefaultTranslator) entity(ctx context.Context, logicalName, body string) (*sdk.Entity, error) {
	raw := map[string]any{}
	if strings.TrimSpace(body) != "" {
		dec := json.NewDecoder(strings.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", dataaccess.ErrInvalidRecord, logicalName, err)
		}
	}
	for k, v := range raw {
		attr, ok := strings.CutSuffix(k, "@odata.bind")
		if !ok {
			continue
		}
		delete(raw, k)
		if ref, ok := bindReference(t.Names, v); ok {
			raw[attr] = map[string]any{"id": ref.ID.String(), "logicalName": ref.LogicalName}
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	e, err := t.coercer().EntityFromJSON(ctx, logicalName, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dataaccess.ErrInvalidRecord, err)
	}
	return e, nil
}

func (t *DefaultTranslator) coercer() *dataaccess.Coercer {
	if t.Coercer == nil {
		return dataaccess.NewCoercer(nil)
	}
	return t.Coercer
}

// bindReference parses "/accounts(<id>)" or an absolute record URL.
func bindReference(names Names, v any) (sdk.EntityReference, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return sdk.EntityReference{}, false
	}
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		s = u.Path
	}
	if loc := apiRoot.FindStringIndex(s); loc != nil {
		s = s[loc[1]:]
	}
	s = strings.TrimPrefix(s, "/")
	m := routeSegment.FindStringSubmatch(s)
	if m == nil || m[2] == "" || m[3] != "" {
		return sdk.EntityReference{}, false
	}
	id, err := uuid.Parse(m[2])
	if err != nil {
		return sdk.EntityReference{}, false
	}
	return sdk.EntityReference{LogicalName: names.LogicalName(m[1]), ID: id}, true
}

func (t *DefaultTranslator) query(entityName string, options url.Values) (sdk.Query, error) {
	if fetch := options.Get("fetchXml"); fetch != "" {
		return sdk.FetchQuery{XML: fetch}, nil
	}
	q := sdk.QueryExpression{EntityName: entityName, ColumnSet: columnSet(options.Get("$select"))}
	if top := options.Get("$top"); top != "" {
		n, err := strconv.Atoi(top)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: $top %q", dataaccess.ErrInvalidRecord, top)
		}
		q.TopCount = n
	}
	conditions, err := parseFilter(options.Get("$filter"))
	if err != nil {
		return nil, err
	}
	q.Conditions = conditions
	return q, nil
}

func columnSet(selectOption string) sdk.ColumnSet {
	if strings.TrimSpace(selectOption) == "" {
		return sdk.AllColumns()
	}
	var cols []string
	for _, c := range strings.Split(selectOption, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return sdk.Columns(cols...)
}

var (
	filterAnd      = regexp.MustCompile(`(?i)\s+and\s+`)
	filterCompare  = regexp.MustCompile(`^(\w+)\s+(eq|ne)\s+(.+)$`)
	filterFunction = regexp.MustCompile(`^(startswith|endswith|contains)\((\w+)\s*,\s*('(?:[^']|'')*')\)$`)
)

// parseFilter understands AND-ed eq/ne comparisons and the startswith,
// endswith and contains string functions.
func parseFilter(filter string) ([]sdk.Condition, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, nil
	}
	var out []sdk.Condition
	for _, clause := range filterAnd.Split(filter, -1) {
		clause = strings.TrimSpace(clause)
		if strings.HasPrefix(clause, "(") && strings.HasSuffix(clause, ")") {
			clause = strings.TrimSpace(clause[1 : len(clause)-1])
		}
		if m := filterFunction.FindStringSubmatch(clause); m != nil {
			text := unquote(m[3])
			pattern := map[string]string{"startswith": text + "%", "endswith": "%" + text, "contains": "%" + text + "%"}[m[1]]
			out = append(out, sdk.Condition{Attribute: m[2], Operator: sdk.OperatorLike, Values: []any{pattern}})
			continue
		}
		m := filterCompare.FindStringSubmatch(clause)
		if m == nil {
			return nil, fmt.Errorf("%w: unsupported $filter clause %q", dataaccess.ErrInvalidRecord, clause)
		}
		attr, op, literal := m[1], m[2], strings.TrimSpace(m[3])
		if literal == "null" {
			if op == "eq" {
				out = append(out, sdk.Condition{Attribute: attr, Operator: sdk.OperatorNull})
			} else {
				out = append(out, sdk.Condition{Attribute: attr, Operator: sdk.OperatorNotNull})
			}
			continue
		}
		operator := sdk.OperatorEqual
		if op == "ne" {
			operator = sdk.OperatorNotEqual
		}
		out = append(out, sdk.Condition{Attribute: attr, Operator: operator, Values: []any{filterValue(literal)}})
	}
	return out, nil
}

func filterValue(literal string) any {
	switch {
	case strings.HasPrefix(literal, "'"):
		return unquote(literal)
	case literal == "true" || literal == "false":
		return literal == "true"
	}
	if id, err := uuid.Parse(literal); err == nil {
		return id.String()
	}
	return json.Number(literal)
}

func unquote(s string) string {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "'"), "'")
	return strings.ReplaceAll(s, "''", "'")
}

func request(name string, params sdk.ParameterCollection) *sdk.OrganizationRequest {
	if params == nil {
		params = sdk.ParameterCollection{}
	}
	return &sdk.OrganizationRequest{RequestName: name, Parameters: params}
}

// FromNative renders a native response for op.
func (t *DefaultTranslator) FromNative(_ context.Context, op *Operation, resp *sdk.OrganizationResponse) (domain.HTTPResponse, error) {
	out := domain.HTTPResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{"OData-Version": "4.0"},
	}
	var results sdk.ParameterCollection
	if resp != nil {
		results = resp.Results
	}

	switch strings.ToLower(op.Message()) {
	case "create":
		id, _ := results["id"].(uuid.UUID)
		out.Headers["OData-EntityId"] = fmt.Sprintf("%s%s%s(%s)", strings.TrimRight(t.OrgURL, "/"), APIPath, op.SetName, id)
		return out, nil
	case "update", "delete", "associate", "disassociate":
		return out, nil
	case "retrieve":
		e, _ := results["Entity"].(*sdk.Entity)
		body := map[string]any{"@odata.context": t.contextURL(op.SetName + "/$entity")}
		if e != nil {
			for k, v := range t.coercer().EntityToWire(e) {
				body[k] = v
			}
		}
		return jsonResponse(out, http.StatusOK, body)
	case "retrievemultiple":
		coll, _ := results["EntityCollection"].(*sdk.EntityCollection)
		values := []map[string]any{}
		more := false
		if coll != nil {
			more = coll.MoreRecords
			for _, e := range coll.Entities {
				values = append(values, t.coercer().EntityToWire(e))
			}
		}
		body := map[string]any{"@odata.context": t.contextURL(op.SetName), "value": values}
		if more {
			body["@Microsoft.Dynamics.CRM.morerecords"] = true
		}
		return jsonResponse(out, http.StatusOK, body)
	}

	body := map[string]any{"@odata.context": t.contextURL("Microsoft.Dynamics.CRM." + op.Message() + "Response")}
	for k, v := range results {
		body[k] = t.coercer().ToWire(v)
	}
	return jsonResponse(out, http.StatusOK, body)
}

func (t *DefaultTranslator) contextURL(fragment string) string {
	return strings.TrimRight(t.OrgURL, "/") + APIPath + "$metadata#" + fragment
}

func jsonResponse(out domain.HTTPResponse, status int, body any) (domain.HTTPResponse, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return domain.HTTPResponse{}, fmt.Errorf("encode response: %w", err)
	}
	out.StatusCode = status
	out.Headers["Content-Type"] = "application/json; odata.metadata=minimal"
	out.Body = strings.TrimSuffix(buf.String(), "\n")
	return out, nil
}

// ErrorResponse renders err the way the Web API reports failures.
func ErrorResponse(err error) domain.HTTPResponse {
	status := http.StatusBadRequest
	var apiErr *APIError
	var capErr *execmode.CapabilityError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &capErr), errors.Is(err, ErrUnsupportedRoute):
		status = http.StatusNotImplemented
	case errors.Is(err, domain.ErrUpstreamUnreachable):
		status = http.StatusBadGateway
	}
	body, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": domain.CodeOf(err), "message": err.Error()},
	})
	return domain.HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json", "OData-Version": "4.0"},
		Body:       string(body),
	}
}
