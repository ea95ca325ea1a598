package dataaccess

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/sdk"
)

// overlayQuery is the common form overlay records are filtered with.
type overlayQuery struct {
	EntityName string
	Columns    sdk.ColumnSet
	Filter     conditionFilter
	TopCount   int
}

// conditionFilter is a group of conditions and nested groups joined by AND,
// or by OR when Or is set. An empty group matches everything.
type conditionFilter struct {
	Or         bool
	Conditions []sdk.Condition
	Filters    []conditionFilter
}

func andFilter(conditions []sdk.Condition) conditionFilter {
	return conditionFilter{Conditions: conditions}
}

func (f conditionFilter) empty() bool {
	return len(f.Conditions) == 0 && len(f.Filters) == 0
}

// eval folds test over the group's conditions.
func (f conditionFilter) eval(test func(sdk.Condition) bool) bool {
	if f.empty() {
		return true
	}
	for _, c := range f.Conditions {
		if test(c) == f.Or {
			return f.Or
		}
	}
	for _, sub := range f.Filters {
		if sub.empty() {
			continue
		}
		if sub.eval(test) == f.Or {
			return f.Or
		}
	}
	return !f.Or
}

func normalizeQuery(query sdk.Query) (overlayQuery, error) {
	switch q := query.(type) {
	case sdk.QueryExpression:
		out := overlayQuery{EntityName: q.EntityName, Columns: q.ColumnSet, Filter: andFilter(q.Conditions), TopCount: q.TopCount}
		return out, out.validate()
	case *sdk.QueryExpression:
		if q == nil {
			break
		}
		return normalizeQuery(*q)
	case sdk.QueryByAttribute:
		if len(q.Attributes) != len(q.Values) {
			return overlayQuery{}, fmt.Errorf("QueryByAttribute has %d attributes but %d values", len(q.Attributes), len(q.Values))
		}
		out := overlayQuery{EntityName: q.EntityName, Columns: q.ColumnSet, TopCount: q.TopCount}
		for i, attr := range q.Attributes {
			out.Filter.Conditions = append(out.Filter.Conditions, sdk.Condition{Attribute: attr, Operator: sdk.OperatorEqual, Values: []any{q.Values[i]}})
		}
		return out, out.validate()
	case *sdk.QueryByAttribute:
		if q == nil {
			break
		}
		return normalizeQuery(*q)
	case sdk.FetchQuery:
		return parseFetchXML(q.XML)
	case *sdk.FetchQuery:
		if q == nil {
			break
		}
		return parseFetchXML(q.XML)
	}
	return overlayQuery{}, fmt.Errorf("%w: unsupported query %T", ErrInvalidRecord, query)
}

func (q overlayQuery) validate() error {
	if strings.TrimSpace(q.EntityName) == "" {
		return fmt.Errorf("%w: query has no entity name", ErrInvalidRecord)
	}
	return nil
}

type fetchDocument struct {
	XMLName xml.Name    `xml:"fetch"`
	Top     string      `xml:"top,attr"`
	Count   string      `xml:"count,attr"`
	Entity  fetchEntity `xml:"entity"`
}

type fetchEntity struct {
	Name          string           `xml:"name,attr"`
	AllAttributes *struct{}        `xml:"all-attributes"`
	Attributes    []fetchAttribute `xml:"attribute"`
	Filters       []fetchFilter    `xml:"filter"`
}

type fetchAttribute struct {
	Name string `xml:"name,attr"`
}

type fetchFilter struct {
	Type       string           `xml:"type,attr"`
	Conditions []fetchCondition `xml:"condition"`
	Filters    []fetchFilter    `xml:"filter"`
}

type fetchCondition struct {
	Attribute string   `xml:"attribute,attr"`
	Operator  string   `xml:"operator,attr"`
	Value     *string  `xml:"value,attr"`
	Values    []string `xml:"value"`
}

// parseFetchXML extracts the entity, columns, filter tree and top count of a
// FetchXML query. Link entities are not evaluated locally.
func parseFetchXML(text string) (overlayQuery, error) {
	var doc fetchDocument
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return overlayQuery{}, fmt.Errorf("%w: invalid FetchXML: %v", ErrInvalidRecord, err)
	}

	out := overlayQuery{EntityName: doc.Entity.Name}
	if doc.Entity.AllAttributes == nil {
		for _, a := range doc.Entity.Attributes {
			out.Columns.Columns = append(out.Columns.Columns, a.Name)
		}
	}
	for _, raw := range []string{doc.Top, doc.Count} {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			out.TopCount = n
			break
		}
	}

	// Sibling top-level filters are AND-ed.
	for _, f := range doc.Entity.Filters {
		out.Filter.Filters = append(out.Filter.Filters, convertFetchFilter(f))
	}

	return out, out.validate()
}

func convertFetchFilter(f fetchFilter) conditionFilter {
	out := conditionFilter{Or: strings.EqualFold(strings.TrimSpace(f.Type), "or")}
	for _, c := range f.Conditions {
		cond := sdk.Condition{Attribute: c.Attribute, Operator: sdk.ConditionOperator(strings.ToLower(c.Operator))}
		if c.Value != nil {
			cond.Values = append(cond.Values, *c.Value)
		}
		for _, v := range c.Values {
			cond.Values = append(cond.Values, v)
		}
		out.Conditions = append(out.Conditions, cond)
	}
	for _, sub := range f.Filters {
		out.Filters = append(out.Filters, convertFetchFilter(sub))
	}
	return out
}

func (q overlayQuery) matches(e *sdk.Entity) bool {
	return q.Filter.eval(func(c sdk.Condition) bool { return conditionMatches(e, c) })
}

// matchesMerged checks a live record after an overlay record was merged onto
// it. The backend already filtered on live values, so a condition on an
// attribute absent from both records is taken as satisfied.
func (q overlayQuery) matchesMerged(merged, override *sdk.Entity) bool {
	return q.Filter.eval(func(c sdk.Condition) bool {
		_, local := override.Get(c.Attribute)
		_, known := merged.Get(c.Attribute)
		if !local && !known {
			return true
		}
		return conditionMatches(merged, c)
	})
}

func conditionMatches(e *sdk.Entity, c sdk.Condition) bool {
	value, present := e.Get(c.Attribute)
	if strings.EqualFold(c.Attribute, strings.ToLower(e.LogicalName)+"id") {
		value, present = e.ID, true
	}
	isNull := !present || value == nil

	switch c.Operator {
	case sdk.OperatorNull:
		return isNull
	case sdk.OperatorNotNull:
		return !isNull
	case sdk.OperatorEqual, "":
		return !isNull && len(c.Values) > 0 && equalValue(value, c.Values[0])
	case sdk.OperatorNotEqual:
		return isNull || len(c.Values) == 0 || !equalValue(value, c.Values[0])
	case sdk.OperatorLike:
		return !isNull && len(c.Values) > 0 && likeMatch(conditionText(value), conditionText(c.Values[0]))
	default:
		// Unsupported operators never match a local record.
		return false
	}
}

func (q overlayQuery) collect(entities []*sdk.Entity) *sdk.EntityCollection {
	out := &sdk.EntityCollection{EntityName: q.EntityName, Entities: []*sdk.Entity{}}
	for _, e := range entities {
		if q.TopCount > 0 && len(out.Entities) >= q.TopCount {
			out.MoreRecords = true
			break
		}
		out.Entities = append(out.Entities, project(e, q.Columns))
	}
	return out
}

func equalValue(actual, want any) bool {
	return strings.EqualFold(conditionText(actual), conditionText(want))
}

// conditionText renders a value in the form conditions compare against.
func conditionText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case uuid.UUID:
		return val.String()
	case sdk.EntityReference:
		return val.ID.String()
	case *sdk.EntityReference:
		return val.ID.String()
	case sdk.OptionSetValue:
		return strconv.Itoa(val.Value)
	case *sdk.OptionSetValue:
		return strconv.Itoa(val.Value)
	case sdk.Money:
		return normalizeNumber(val.Value.String())
	case *apd.Decimal:
		return normalizeNumber(val.String())
	case apd.Decimal:
		return normalizeNumber(val.String())
	case bool:
		return strconv.FormatBool(val)
	default:
		return normalizeNumber(fmt.Sprint(val))
	}
}

func normalizeNumber(s string) string {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return s
	}
	d.Reduce(d)
	return d.Text('f')
}

func likeMatch(value, pattern string) bool {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
