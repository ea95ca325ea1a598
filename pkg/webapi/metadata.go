package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/polisai/plugin-runner/pkg/metadata"
)

type entityDefinition struct {
	LogicalName          string `json:"LogicalName"`
	EntitySetName        string `json:"EntitySetName"`
	PrimaryIDAttribute   string `json:"PrimaryIdAttribute"`
	PrimaryNameAttribute string `json:"PrimaryNameAttribute"`
	ObjectTypeCode       int    `json:"ObjectTypeCode"`
}

type attributeDefinition struct {
	LogicalName       string `json:"LogicalName"`
	AttributeType     string `json:"AttributeType"`
	AttributeTypeName *struct {
		Value string `json:"Value"`
	} `json:"AttributeTypeName"`
	Targets []string `json:"Targets"`
}

// FetchEntities reads the entity definitions index.
func (c *Client) FetchEntities(ctx context.Context) ([]metadata.EntityInfo, error) {
	var page struct {
		Value []entityDefinition `json:"value"`
	}
	query := url.Values{"$select": {"LogicalName,EntitySetName,PrimaryIdAttribute,PrimaryNameAttribute,ObjectTypeCode"}}
	if err := c.getJSON(ctx, "EntityDefinitions", query, &page); err != nil {
		return nil, fmt.Errorf("entity definitions: %w", err)
	}
	out := make([]metadata.EntityInfo, 0, len(page.Value))
	for _, d := range page.Value {
		out = append(out, metadata.EntityInfo{
			LogicalName:          d.LogicalName,
			EntitySetName:        d.EntitySetName,
			PrimaryIDAttribute:   d.PrimaryIDAttribute,
			PrimaryNameAttribute: d.PrimaryNameAttribute,
			ObjectTypeCode:       d.ObjectTypeCode,
		})
	}
	return out, nil
}

// FetchAttributes reads the attribute shapes of one entity. Lookup targets come
// from a second, lookup-typed query.
func (c *Client) FetchAttributes(ctx context.Context, logicalName string) ([]metadata.AttributeShape, error) {
	base := fmt.Sprintf("EntityDefinitions(LogicalName='%s')/Attributes", strings.ReplaceAll(logicalName, "'", "''"))

	var page struct {
		Value []attributeDefinition `json:"value"`
	}
	if err := c.getJSON(ctx, base, url.Values{"$select": {"LogicalName,AttributeType,AttributeTypeName"}}, &page); err != nil {
		return nil, fmt.Errorf("attributes of %s: %w", logicalName, err)
	}

	var lookups struct {
		Value []attributeDefinition `json:"value"`
	}
	targets := map[string][]string{}
	if err := c.getJSON(ctx, base+"/Microsoft.Dynamics.CRM.LookupAttributeMetadata", url.Values{"$select": {"LogicalName,Targets"}}, &lookups); err == nil {
		for _, l := range lookups.Value {
			targets[strings.ToLower(l.LogicalName)] = l.Targets
		}
	} else {
		c.logger.DebugContext(ctx, "Lookup targets unavailable", "entity", logicalName, "error", err)
	}

	out := make([]metadata.AttributeShape, 0, len(page.Value))
	for _, d := range page.Value {
		raw := d.AttributeType
		if d.AttributeTypeName != nil && d.AttributeTypeName.Value != "" {
			raw = d.AttributeTypeName.Value
		}
		out = append(out, metadata.AttributeShape{
			LogicalName: d.LogicalName,
			Type:        metadata.NormalizeType(raw),
			Targets:     targets[strings.ToLower(d.LogicalName)],
		})
	}
	return out, nil
}

// FetchOperationParameter looks up a request parameter of a custom operation
// in the message catalog. It returns nil, nil when the parameter is unknown.
func (c *Client) FetchOperationParameter(ctx context.Context, operation, parameter string) (*metadata.OperationParameter, error) {
	fetch := fmt.Sprintf(`<fetch top="1">
  <entity name="sdkmessagerequestfield">
    <attribute name="name"/><attribute name="clrparser"/><attribute name="optional"/>
    <filter><condition attribute="name" operator="eq" value="%s"/></filter>
    <link-entity name="sdkmessagerequest" from="sdkmessagerequestid" to="sdkmessagerequestid">
      <link-entity name="sdkmessagepair" from="sdkmessagepairid" to="sdkmessagepairid">
        <link-entity name="sdkmessage" from="sdkmessageid" to="sdkmessageid">
          <filter><condition attribute="name" operator="eq" value="%s"/></filter>
        </link-entity>
      </link-entity>
    </link-entity>
  </entity>
</fetch>`, xmlEscape(parameter), xmlEscape(operation))

	var page struct {
		Value []struct {
			Name      string          `json:"name"`
			CLRParser string          `json:"clrparser"`
			Optional  json.RawMessage `json:"optional"`
		} `json:"value"`
	}
	if err := c.getJSON(ctx, "sdkmessagerequestfields", url.Values{"fetchXml": {fetch}}, &page); err != nil {
		return nil, fmt.Errorf("operation parameter %s.%s: %w", operation, parameter, err)
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	row := page.Value[0]
	return &metadata.OperationParameter{
		Operation: operation,
		Name:      row.Name,
		Type:      parserType(row.CLRParser),
		Optional:  strings.EqualFold(strings.Trim(string(row.Optional), `"`), "true"),
	}, nil
}

// parserType maps a message field's CLR parser name onto an attribute type.
func parserType(parser string) metadata.AttributeType {
	name, _, _ := strings.Cut(parser, ",")
	name = strings.TrimSpace(name)
	switch {
	case strings.HasSuffix(name, "EntityReference"):
		return metadata.TypeLookup
	case strings.HasSuffix(name, "OptionSetValue"):
		return metadata.TypePicklist
	case strings.HasSuffix(name, "Money"):
		return metadata.TypeMoney
	}
	switch name {
	case "System.Boolean":
		return metadata.TypeBoolean
	case "System.Int32":
		return metadata.TypeInteger
	case "System.Int64":
		return metadata.TypeBigInt
	case "System.Decimal":
		return metadata.TypeDecimal
	case "System.Double":
		return metadata.TypeDouble
	case "System.DateTime":
		return metadata.TypeDateTime
	case "System.Guid":
		return metadata.TypeUniqueidentifier
	case "System.String":
		return metadata.TypeString
	}
	return metadata.TypeUnknown
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;").Replace(s)
}
