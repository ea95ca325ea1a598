package sdk

import (
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// AttributeCollection maps attribute logical names to native values.
type AttributeCollection map[string]any

// Entity is a record of the data platform.
type Entity struct {
	LogicalName string              `json:"logicalName"`
	ID          uuid.UUID           `json:"id"`
	Attributes  AttributeCollection `json:"attributes"`
}

// NewEntity returns an empty entity of the given type.
func NewEntity(logicalName string) *Entity {
	return &Entity{LogicalName: logicalName, Attributes: AttributeCollection{}}
}

// Get returns an attribute value.
func (e *Entity) Get(name string) (any, bool) {
	if e == nil || e.Attributes == nil {
		return nil, false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// GetString returns a string attribute or "".
func (e *Entity) GetString(name string) string {
	v, _ := e.Get(name)
	s, _ := v.(string)
	return s
}

// Set assigns an attribute value.
func (e *Entity) Set(name string, value any) {
	if e.Attributes == nil {
		e.Attributes = AttributeCollection{}
	}
	e.Attributes[name] = value
}

// Contains reports whether the attribute is present, even when its value is nil.
func (e *Entity) Contains(name string) bool {
	_, ok := e.Get(name)
	return ok
}

// ToEntityReference returns a reference to this record.
func (e *Entity) ToEntityReference() EntityReference {
	return EntityReference{LogicalName: e.LogicalName, ID: e.ID}
}

// Clone returns a deep, independent copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{LogicalName: e.LogicalName, ID: e.ID, Attributes: make(AttributeCollection, len(e.Attributes))}
	for k, v := range e.Attributes {
		out.Attributes[k] = CloneValue(v)
	}
	return out
}

// EntityReference points at a record by type and id.
type EntityReference struct {
	LogicalName string    `json:"logicalName"`
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name,omitempty"`
}

// EntityReferenceCollection is an ordered list of references.
type EntityReferenceCollection []EntityReference

// OptionSetValue is a single choice code.
type OptionSetValue struct {
	Value int `json:"value"`
}

// OptionSetValueCollection is a multi-select choice value.
type OptionSetValueCollection []OptionSetValue

// Money is a currency amount.
type Money struct {
	Value apd.Decimal `json:"value"`
}

// NewMoney parses a decimal string into a Money value.
func NewMoney(s string) (Money, error) {
	var m Money
	if _, _, err := m.Value.SetString(s); err != nil {
		return Money{}, err
	}
	return m, nil
}

// String renders the amount.
func (m Money) String() string {
	return m.Value.String()
}

// AliasedValue is an attribute projected from a linked entity.
type AliasedValue struct {
	EntityLogicalName    string `json:"entityLogicalName"`
	AttributeLogicalName string `json:"attributeLogicalName"`
	Value                any    `json:"value"`
}

// EntityCollection is the result of a multi-record query.
type EntityCollection struct {
	EntityName  string    `json:"entityName"`
	Entities    []*Entity `json:"entities"`
	MoreRecords bool      `json:"moreRecords"`
}

// CloneValue deep-copies a native attribute value. Values outside the closed set of
// platform kinds are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, int, int32, int64, float64, uuid.UUID, time.Time:
		return val
	case apd.Decimal:
		var d apd.Decimal
		d.Set(&val)
		return d
	case *apd.Decimal:
		if val == nil {
			return (*apd.Decimal)(nil)
		}
		return new(apd.Decimal).Set(val)
	case Money:
		var m Money
		m.Value.Set(&val.Value)
		return m
	case *Money:
		if val == nil {
			return (*Money)(nil)
		}
		m := &Money{}
		m.Value.Set(&val.Value)
		return m
	case OptionSetValue:
		return val
	case *OptionSetValue:
		if val == nil {
			return (*OptionSetValue)(nil)
		}
		c := *val
		return &c
	case OptionSetValueCollection:
		return append(OptionSetValueCollection(nil), val...)
	case EntityReference:
		return val
	case *EntityReference:
		if val == nil {
			return (*EntityReference)(nil)
		}
		c := *val
		return &c
	case EntityReferenceCollection:
		return append(EntityReferenceCollection(nil), val...)
	case *Entity:
		return val.Clone()
	case EntityCollection:
		return *cloneCollection(&val)
	case *EntityCollection:
		return cloneCollection(val)
	case AliasedValue:
		return AliasedValue{
			EntityLogicalName:    val.EntityLogicalName,
			AttributeLogicalName: val.AttributeLogicalName,
			Value:                CloneValue(val.Value),
		}
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

func cloneCollection(c *EntityCollection) *EntityCollection {
	if c == nil {
		return nil
	}
	out := &EntityCollection{EntityName: c.EntityName, MoreRecords: c.MoreRecords}
	if c.Entities != nil {
		out.Entities = make([]*Entity, len(c.Entities))
		for i, e := range c.Entities {
			out.Entities[i] = e.Clone()
		}
	}
	return out
}
