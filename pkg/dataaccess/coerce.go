package dataaccess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/metadata"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

// ShapeResolver looks up an attribute's declared shape.
type ShapeResolver interface {
	GetAttributeShape(ctx context.Context, entity, attribute string) (metadata.AttributeShape, bool)
}

// Coercer converts between wire JSON values and native platform values using
// attribute shapes. Attributes without a known shape pass through as strings.
type Coercer struct {
	shapes ShapeResolver
}

// NewCoercer creates a Coercer. A nil resolver treats every shape as unknown.
func NewCoercer(shapes ShapeResolver) *Coercer {
	return &Coercer{shapes: shapes}
}

// EntityFromJSON decodes a serialized record. Two forms are accepted: the native
// form {"logicalName", "id", "attributes": {...}} and a flat Web API style
// object whose keys are attribute names. Keys containing "@" are annotations
// and are skipped. The primary key (<logicalName>id) doubles as the record id.
func (c *Coercer) EntityFromJSON(ctx context.Context, logicalName string, data []byte) (*sdk.Entity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	raw := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", logicalName, err)
	}

	attrs, flat := raw, true
	if nested, ok := raw["attributes"].(map[string]any); ok {
		attrs, flat = nested, false
		if name, ok := raw["logicalName"].(string); ok && name != "" {
			logicalName = name
		}
	}

	entity := sdk.NewEntity(logicalName)
	if id, ok := raw["id"].(string); ok && id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("record id %q: %w", id, err)
		}
		entity.ID = parsed
	}

	primaryKey := strings.ToLower(logicalName) + "id"
	for name, value := range attrs {
		if strings.Contains(name, "@") || (flat && name == "id") {
			continue
		}
		native, err := c.ToNative(ctx, logicalName, name, value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s.%s: %w", logicalName, name, err)
		}
		entity.Set(name, native)

		if strings.EqualFold(name, primaryKey) && entity.ID == uuid.Nil {
			if id, ok := native.(uuid.UUID); ok {
				entity.ID = id
			} else if s, ok := native.(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					entity.ID = id
				}
			}
		}
	}
	return entity, nil
}

// ToNative converts one wire value according to the attribute's declared shape.
func (c *Coercer) ToNative(ctx context.Context, entity, attribute string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	if ref, ok := referenceFromMap(value); ok {
		return ref, nil
	}

	shape := metadata.AttributeShape{LogicalName: attribute}
	if c.shapes != nil {
		if s, ok := c.shapes.GetAttributeShape(ctx, entity, attribute); ok {
			shape = s
		}
	}

	switch shape.Type {
	case metadata.TypeBoolean:
		return toBool(value)
	case metadata.TypeInteger:
		n, err := toInt(value, 32)
		return int32(n), err
	case metadata.TypeBigInt:
		return toInt(value, 64)
	case metadata.TypeDecimal:
		return toDecimal(value)
	case metadata.TypeMoney:
		d, err := toDecimal(value)
		if err != nil {
			return nil, err
		}
		var m sdk.Money
		m.Value.Set(d)
		return m, nil
	case metadata.TypeDouble:
		n, err := toDecimal(value)
		if err != nil {
			return nil, err
		}
		return n.Float64()
	case metadata.TypePicklist, metadata.TypeState, metadata.TypeStatus:
		n, err := toInt(value, 32)
		return sdk.OptionSetValue{Value: int(n)}, err
	case metadata.TypeMultiSelectPicklist:
		return toOptionSetCollection(value)
	case metadata.TypeDateTime:
		return toTime(value)
	case metadata.TypeUniqueidentifier:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a guid string, got %T", value)
		}
		return uuid.Parse(s)
	default:
		return passthrough(value), nil
	}
}

// ToWire renders a native value as a JSON-friendly value.
func (c *Coercer) ToWire(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case uuid.UUID:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case apd.Decimal:
		return v.String()
	case *apd.Decimal:
		return v.String()
	case sdk.Money:
		return v.String()
	case *sdk.Money:
		return v.String()
	case sdk.OptionSetValue:
		return v.Value
	case *sdk.OptionSetValue:
		return v.Value
	case sdk.OptionSetValueCollection:
		codes := make([]string, len(v))
		for i, o := range v {
			codes[i] = strconv.Itoa(o.Value)
		}
		return strings.Join(codes, ",")
	case sdk.EntityReference:
		return map[string]any{"id": v.ID.String(), "logicalName": v.LogicalName}
	case *sdk.EntityReference:
		return c.ToWire(*v)
	case sdk.EntityReferenceCollection:
		out := make([]any, len(v))
		for i, r := range v {
			out[i] = c.ToWire(r)
		}
		return out
	case *sdk.Entity:
		return c.EntityToWire(v)
	case *sdk.EntityCollection:
		out := make([]any, len(v.Entities))
		for i, e := range v.Entities {
			out[i] = c.EntityToWire(e)
		}
		return out
	case sdk.AliasedValue:
		return c.ToWire(v.Value)
	default:
		return v
	}
}

// EntityToWire renders a record as a flat JSON object with its id under the
// primary key.
func (c *Coercer) EntityToWire(e *sdk.Entity) map[string]any {
	if e == nil {
		return nil
	}
	out := make(map[string]any, len(e.Attributes)+1)
	for name, value := range e.Attributes {
		out[name] = c.ToWire(value)
	}
	if e.ID != uuid.Nil {
		out[strings.ToLower(e.LogicalName)+"id"] = e.ID.String()
	}
	return out
}

func referenceFromMap(value any) (sdk.EntityReference, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) > 3 {
		return sdk.EntityReference{}, false
	}
	rawID, okID := m["id"].(string)
	name, okName := m["logicalName"].(string)
	if !okID || !okName {
		return sdk.EntityReference{}, false
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return sdk.EntityReference{}, false
	}
	ref := sdk.EntityReference{LogicalName: name, ID: id}
	ref.Name, _ = m["name"].(string)
	return ref, true
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case json.Number:
		return v.String() != "0", nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, fmt.Errorf("expected a boolean, got %T", value)
}

func toInt(value any, bits int) (int64, error) {
	var s string
	switch v := value.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected an integer, got %v", v)
		}
		s = strconv.FormatFloat(v, 'f', 0, 64)
	case int:
		s = strconv.Itoa(v)
	default:
		return 0, fmt.Errorf("expected an integer, got %T", value)
	}
	return strconv.ParseInt(s, 10, bits)
}

func toDecimal(value any) (*apd.Decimal, error) {
	var s string
	switch v := value.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return nil, fmt.Errorf("expected a decimal, got %T", value)
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

func toOptionSetCollection(value any) (sdk.OptionSetValueCollection, error) {
	var parts []any
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return sdk.OptionSetValueCollection{}, nil
		}
		for _, p := range strings.Split(v, ",") {
			parts = append(parts, p)
		}
	case []any:
		parts = v
	default:
		parts = []any{v}
	}

	out := make(sdk.OptionSetValueCollection, 0, len(parts))
	for _, p := range parts {
		n, err := toInt(p, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, sdk.OptionSetValue{Value: int(n)})
	}
	return out, nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func toTime(value any) (time.Time, error) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected a timestamp string, got %T", value)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func passthrough(value any) any {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
