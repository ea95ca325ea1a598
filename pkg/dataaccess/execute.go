package dataaccess

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/plugin-runner/pkg/execmode"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

// Request names handled by Execute.
const (
	RequestWhoAmI                      = "WhoAmI"
	RequestRetrieveVersion             = "RetrieveVersion"
	RequestRetrieveCurrentOrganization = "RetrieveCurrentOrganization"
	RequestCreate                      = "Create"
	RequestUpdate                      = "Update"
	RequestDelete                      = "Delete"
	RequestRetrieve                    = "Retrieve"
	RequestRetrieveMultiple            = "RetrieveMultiple"
	RequestAssociate                   = "Associate"
	RequestDisassociate                = "Disassociate"
)

// readOnlyRequests may reach the backend whatever the write mode.
var readOnlyRequests = map[string]bool{
	"whoami":                      true,
	"retrieveversion":             true,
	"retrievecurrentorganization": true,
}

// Execute dispatches a named request. WhoAmI works in every mode; Offline
// answers it with the process-stable synthetic identity.
func (s *Service) Execute(ctx context.Context, request *sdk.OrganizationRequest) (*sdk.OrganizationResponse, error) {
	if request == nil || strings.TrimSpace(request.RequestName) == "" {
		return nil, fmt.Errorf("%w: Execute requires a request name", ErrInvalidRecord)
	}
	if s.opts.Policy.Mode == execmode.Offline && !strings.EqualFold(request.RequestName, RequestWhoAmI) {
		return nil, s.offlineFault(request.RequestName)
	}
	return s.Dispatch(ctx, request)
}

// Dispatch runs request as the core operation of a pipeline. Data operations
// go to the facade methods in every mode, so offline writes still land in the
// overlay; other requests follow the rules of Execute.
func (s *Service) Dispatch(ctx context.Context, request *sdk.OrganizationRequest) (*sdk.OrganizationResponse, error) {
	if request == nil || strings.TrimSpace(request.RequestName) == "" {
		return nil, fmt.Errorf("%w: Execute requires a request name", ErrInvalidRecord)
	}
	name := request.RequestName
	key := strings.ToLower(name)

	switch key {
	case "create":
		target, err := targetEntity(request)
		if err != nil {
			return nil, err
		}
		id, err := s.Create(ctx, target)
		if err != nil {
			return nil, err
		}
		return response(name, sdk.ParameterCollection{"id": id}), nil

	case "update":
		target, err := targetEntity(request)
		if err != nil {
			return nil, err
		}
		if err := s.Update(ctx, target); err != nil {
			return nil, err
		}
		return response(name, nil), nil

	case "delete":
		ref, err := targetReference(request)
		if err != nil {
			return nil, err
		}
		if err := s.Delete(ctx, ref.LogicalName, ref.ID); err != nil {
			return nil, err
		}
		return response(name, nil), nil

	case "retrieve":
		ref, err := targetReference(request)
		if err != nil {
			return nil, err
		}
		columns, _ := request.Parameters["ColumnSet"].(sdk.ColumnSet)
		e, err := s.Retrieve(ctx, ref.LogicalName, ref.ID, columns)
		if err != nil {
			return nil, err
		}
		return response(name, sdk.ParameterCollection{"Entity": e}), nil

	case "retrievemultiple":
		query, ok := request.Parameters["Query"].(sdk.Query)
		if !ok {
			return nil, fmt.Errorf("%w: RetrieveMultiple requires a Query parameter", ErrInvalidRecord)
		}
		coll, err := s.RetrieveMultiple(ctx, query)
		if err != nil {
			return nil, err
		}
		return response(name, sdk.ParameterCollection{"EntityCollection": coll}), nil

	case "associate", "disassociate":
		ref, err := targetReference(request)
		if err != nil {
			return nil, err
		}
		relationship, _ := request.Parameters["Relationship"].(string)
		related, _ := request.Parameters["RelatedEntities"].(sdk.EntityReferenceCollection)
		if key == "associate" {
			err = s.Associate(ctx, ref.LogicalName, ref.ID, relationship, related)
		} else {
			err = s.Disassociate(ctx, ref.LogicalName, ref.ID, relationship, related)
		}
		if err != nil {
			return nil, err
		}
		return response(name, nil), nil
	}

	if s.opts.Policy.Mode == execmode.Offline {
		if key == "whoami" {
			return s.whoAmI(), nil
		}
		return nil, s.offlineFault(name)
	}

	if readOnlyRequests[key] {
		if s.opts.Backend == nil {
			if key == "whoami" {
				return s.whoAmI(), nil
			}
			return nil, s.capability(name, "No live connection is configured for this environment. Provide an access token to reach the backend.")
		}
		return s.opts.Backend.Execute(ctx, request)
	}

	if s.opts.Backend != nil && s.opts.Policy.LiveWrites {
		live, err := s.writesLive(ctx, name, "")
		if err != nil {
			return nil, err
		}
		if live {
			return s.opts.Backend.Execute(ctx, request)
		}
	}
	return nil, s.capability(name, "Requests with side effects reach the backend only in Online mode with WriteMode=Live on a runner started with live writes enabled.")
}

func (s *Service) offlineFault(name string) error {
	return s.capability(name, "Only WhoAmI is answered offline. Switch the environment to Hybrid or Online execution mode to send this request.")
}

func (s *Service) whoAmI() *sdk.OrganizationResponse {
	return response(RequestWhoAmI, sdk.ParameterCollection{
		"UserId":         s.opts.Identity.UserID,
		"BusinessUnitId": s.opts.Identity.BusinessUnitID,
		"OrganizationId": s.opts.Identity.OrganizationID,
	})
}

func response(name string, results sdk.ParameterCollection) *sdk.OrganizationResponse {
	if results == nil {
		results = sdk.ParameterCollection{}
	}
	return &sdk.OrganizationResponse{ResponseName: name, Results: results}
}

func targetEntity(request *sdk.OrganizationRequest) (*sdk.Entity, error) {
	target, ok := request.Parameters["Target"].(*sdk.Entity)
	if !ok || target == nil {
		return nil, fmt.Errorf("%w: %s requires an entity Target parameter", ErrInvalidRecord, request.RequestName)
	}
	return target, nil
}

func targetReference(request *sdk.OrganizationRequest) (sdk.EntityReference, error) {
	switch t := request.Parameters["Target"].(type) {
	case sdk.EntityReference:
		return t, nil
	case *sdk.EntityReference:
		if t != nil {
			return *t, nil
		}
	case *sdk.Entity:
		if t != nil {
			return t.ToEntityReference(), nil
		}
	}
	return sdk.EntityReference{}, fmt.Errorf("%w: %s requires an entity reference Target parameter", ErrInvalidRecord, request.RequestName)
}
