package metadata

import (
	"context"
	"strings"
)

// AttributeType is the platform's declared attribute kind.
type AttributeType string

const (
	TypeBoolean             AttributeType = "Boolean"
	TypeInteger             AttributeType = "Integer"
	TypeBigInt              AttributeType = "BigInt"
	TypeDecimal             AttributeType = "Decimal"
	TypeDouble              AttributeType = "Double"
	TypeMoney               AttributeType = "Money"
	TypePicklist            AttributeType = "Picklist"
	TypeState               AttributeType = "State"
	TypeStatus              AttributeType = "Status"
	TypeMultiSelectPicklist AttributeType = "MultiSelectPicklist"
	TypeDateTime            AttributeType = "DateTime"
	TypeLookup              AttributeType = "Lookup"
	TypeUniqueidentifier    AttributeType = "Uniqueidentifier"
	TypeString              AttributeType = "String"
	TypeMemo                AttributeType = "Memo"
	TypeUnknown             AttributeType = ""
)

// NormalizeType maps platform spellings (including the "...Type" suffixed
// names the Web API reports) onto an AttributeType. A bare "Virtual" type is
// unknown; multi-select option sets are recognized by their type name.
func NormalizeType(raw string) AttributeType {
	norm := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "Type"))
	switch norm {
	case "boolean", "bool":
		return TypeBoolean
	case "integer", "int":
		return TypeInteger
	case "bigint":
		return TypeBigInt
	case "decimal":
		return TypeDecimal
	case "double", "float":
		return TypeDouble
	case "money":
		return TypeMoney
	case "picklist":
		return TypePicklist
	case "state":
		return TypeState
	case "status":
		return TypeStatus
	case "multiselectpicklist":
		return TypeMultiSelectPicklist
	case "datetime":
		return TypeDateTime
	case "lookup", "customer", "owner":
		return TypeLookup
	case "uniqueidentifier", "guid":
		return TypeUniqueidentifier
	case "string":
		return TypeString
	case "memo":
		return TypeMemo
	}
	return TypeUnknown
}

// AttributeShape describes one attribute of an entity.
type AttributeShape struct {
	LogicalName string        `json:"logicalName" yaml:"logical_name"`
	Type        AttributeType `json:"type" yaml:"type"`
	Targets     []string      `json:"targets,omitempty" yaml:"targets"`
}

// EntityInfo describes an entity type.
type EntityInfo struct {
	LogicalName          string `json:"logicalName" yaml:"logical_name"`
	EntitySetName        string `json:"entitySetName" yaml:"entity_set_name"`
	PrimaryIDAttribute   string `json:"primaryIdAttribute,omitempty" yaml:"primary_id_attribute"`
	PrimaryNameAttribute string `json:"primaryNameAttribute,omitempty" yaml:"primary_name_attribute"`
	ObjectTypeCode       int    `json:"objectTypeCode,omitempty" yaml:"object_type_code"`
}

// OperationParameter describes a request parameter of a custom operation.
type OperationParameter struct {
	Operation     string        `json:"operation" yaml:"operation"`
	Name          string        `json:"name" yaml:"name"`
	AlternateName string        `json:"alternateName,omitempty" yaml:"alternate_name"`
	Type          AttributeType `json:"type" yaml:"type"`
	Optional      bool          `json:"optional,omitempty" yaml:"optional"`
}

// Schema is an exported metadata snapshot.
type Schema struct {
	Entities   []EntityInfo                `json:"entities" yaml:"entities"`
	Attributes map[string][]AttributeShape `json:"attributes,omitempty" yaml:"attributes"`
	Operations []OperationParameter        `json:"operations,omitempty" yaml:"operations"`
}

// Source fetches metadata from the live backend.
type Source interface {
	FetchEntities(ctx context.Context) ([]EntityInfo, error)
	FetchAttributes(ctx context.Context, logicalName string) ([]AttributeShape, error)
	// FetchOperationParameter returns nil, nil when the parameter does not exist.
	FetchOperationParameter(ctx context.Context, operation, parameter string) (*OperationParameter, error)
}
