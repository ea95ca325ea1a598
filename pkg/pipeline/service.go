package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

// nestedService is the organization service a running plugin sees. Every
// call re-enters the step pipeline one level deeper than the plugin.
type nestedService struct {
	engine *Engine
	call   call
}

var _ sdk.OrganizationService = (*nestedService)(nil)

func (s *nestedService) Execute(ctx context.Context, request *sdk.OrganizationRequest) (*sdk.OrganizationResponse, error) {
	return s.engine.process(ctx, s.call, request, true)
}

func (s *nestedService) dispatch(ctx context.Context, request *sdk.OrganizationRequest) (*sdk.OrganizationResponse, error) {
	return s.engine.process(ctx, s.call, request, false)
}

func (s *nestedService) Create(ctx context.Context, entity *sdk.Entity) (uuid.UUID, error) {
	if entity == nil {
		return uuid.Nil, fmt.Errorf("%w: Create requires an entity", dataaccess.ErrInvalidRecord)
	}
	resp, err := s.dispatch(ctx, request(dataaccess.RequestCreate, sdk.ParameterCollection{"Target": entity.Clone()}))
	if err != nil {
		return uuid.Nil, err
	}
	id, _ := resp.Results["id"].(uuid.UUID)
	return id, nil
}

func (s *nestedService) Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns sdk.ColumnSet) (*sdk.Entity, error) {
	resp, err := s.dispatch(ctx, request(dataaccess.RequestRetrieve, sdk.ParameterCollection{
		"Target":    sdk.EntityReference{LogicalName: entityName, ID: id},
		"ColumnSet": columns,
	}))
	if err != nil {
		return nil, err
	}
	e, _ := resp.Results["Entity"].(*sdk.Entity)
	return e, nil
}

func (s *nestedService) Update(ctx context.Context, entity *sdk.Entity) error {
	if entity == nil {
		return fmt.Errorf("%w: Update requires an entity", dataaccess.ErrInvalidRecord)
	}
	_, err := s.dispatch(ctx, request(dataaccess.RequestUpdate, sdk.ParameterCollection{"Target": entity.Clone()}))
	return err
}

func (s *nestedService) Delete(ctx context.Context, entityName string, id uuid.UUID) error {
	_, err := s.dispatch(ctx, request(dataaccess.RequestDelete, sdk.ParameterCollection{
		"Target": sdk.EntityReference{LogicalName: entityName, ID: id},
	}))
	return err
}

func (s *nestedService) RetrieveMultiple(ctx context.Context, query sdk.Query) (*sdk.EntityCollection, error) {
	resp, err := s.dispatch(ctx, request(dataaccess.RequestRetrieveMultiple, sdk.ParameterCollection{"Query": query}))
	if err != nil {
		return nil, err
	}
	coll, _ := resp.Results["EntityCollection"].(*sdk.EntityCollection)
	if coll == nil {
		coll = &sdk.EntityCollection{}
	}
	return coll, nil
}

func (s *nestedService) Associate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related sdk.EntityReferenceCollection) error {
	_, err := s.dispatch(ctx, relate(dataaccess.RequestAssociate, entityName, id, relationship, related))
	return err
}

func (s *nestedService) Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related sdk.EntityReferenceCollection) error {
	_, err := s.dispatch(ctx, relate(dataaccess.RequestDisassociate, entityName, id, relationship, related))
	return err
}

func request(name string, params sdk.ParameterCollection) *sdk.OrganizationRequest {
	return &sdk.OrganizationRequest{RequestName: name, Parameters: params}
}

func relate(name, entityName string, id uuid.UUID, relationship string, related sdk.EntityReferenceCollection) *sdk.OrganizationRequest {
	return request(name, sdk.ParameterCollection{
		"Target":          sdk.EntityReference{LogicalName: entityName, ID: id},
		"Relationship":    relationship,
		"RelatedEntities": related,
	})
}
