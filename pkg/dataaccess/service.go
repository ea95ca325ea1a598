package dataaccess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/execmode"
	"github.com/polisai/plugin-runner/pkg/policy"
	"github.com/polisai/plugin-runner/pkg/sdk"
	"github.com/polisai/plugin-runner/pkg/storage"
	"github.com/polisai/plugin-runner/pkg/telemetry"
)

// ErrInvalidRecord is returned when a write is missing its logical name or id.
var ErrInvalidRecord = errors.New("invalid record")

// Backend is the live data service. The Web API client implements it.
type Backend interface {
	sdk.OrganizationService
}

// Guard decides whether a live write may proceed.
type Guard interface {
	AllowWrite(ctx context.Context, input policy.WriteInput) (policy.Decision, error)
}

// Identity is the caller identity reported by WhoAmI when no backend answers.
type Identity struct {
	UserID           uuid.UUID
	BusinessUnitID   uuid.UUID
	OrganizationID   uuid.UUID
	OrganizationName string
}

// NewSyntheticIdentity creates a random identity. Callers keep one per process
// so repeated WhoAmI calls agree.
func NewSyntheticIdentity() Identity {
	return Identity{
		UserID:           uuid.New(),
		BusinessUnitID:   uuid.New(),
		OrganizationID:   uuid.New(),
		OrganizationName: "offline",
	}
}

// Options wires a Service for one invocation.
type Options struct {
	Policy   execmode.Policy
	Overlay  storage.OverlayStore
	Backend  Backend
	Guard    Guard
	Identity Identity
	OrgURL   string
	Logger   *slog.Logger

	// LiveWritesEnabled is the process-start flag, passed to the guard.
	LiveWritesEnabled bool
	// OnCapabilityFault is called for every capability error. Optional.
	OnCapabilityFault func(operation string)
}

// Service implements the platform's native data contract over the overlay, the
// live backend, or a merge of both according to the invocation's Policy.
type Service struct {
	opts   Options
	logger *slog.Logger
}

var _ sdk.OrganizationService = (*Service)(nil)

// NewService creates a facade for one invocation.
func NewService(opts Options) *Service {
	if opts.Overlay == nil {
		opts.Overlay = storage.NewMemoryOverlayStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{opts: opts, logger: logger.With("category", "data", "mode", string(opts.Policy.Mode))}
}

// Policy returns the policy the service was wired with.
func (s *Service) Policy() execmode.Policy {
	return s.opts.Policy
}

func (s *Service) readsRemote() bool {
	return s.opts.Policy.ReadsRemote() && s.opts.Backend != nil
}

// writesLive reports whether a write should go to the backend. A guard denial
// keeps the write local.
func (s *Service) writesLive(ctx context.Context, op, entity string) (bool, error) {
	if !s.opts.Policy.LiveWrites {
		return false, nil
	}
	if s.opts.Backend == nil {
		return false, domain.NewError(domain.ErrUpstreamUnreachable, domain.CodeUpstream,
			"%s of %s requires a live connection but no backend is configured", op, entity)
	}
	if s.opts.Guard == nil {
		return true, nil
	}

	decision, err := s.opts.Guard.AllowWrite(ctx, policy.WriteInput{
		Operation:         op,
		Entity:            entity,
		OrgURL:            s.opts.OrgURL,
		Mode:              string(s.opts.Policy.Mode),
		WriteMode:         string(s.opts.Policy.WriteMode),
		LiveWritesEnabled: s.opts.LiveWritesEnabled,
	})
	telemetry.RecordWriteDecision(trace.SpanFromContext(ctx), op, entity, decision)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrLiveWriteDenied, err)
	}
	if !decision.Allowed() {
		s.logger.Info("Live write kept local", "operation", op, "entity", entity, "reason", decision.Reason)
		return false, nil
	}
	return true, nil
}

func (s *Service) capability(op, remediation string) error {
	if s.opts.OnCapabilityFault != nil {
		s.opts.OnCapabilityFault(op)
	}
	return &execmode.CapabilityError{Mode: s.opts.Policy.Mode, Operation: op, Remediation: remediation}
}

// Create stores a new record and returns its id.
func (s *Service) Create(ctx context.Context, entity *sdk.Entity) (uuid.UUID, error) {
	if entity == nil || strings.TrimSpace(entity.LogicalName) == "" {
		return uuid.Nil, fmt.Errorf("%w: Create requires an entity with a logical name", ErrInvalidRecord)
	}
	record := entity.Clone()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	live, err := s.writesLive(ctx, "Create", record.LogicalName)
	if err != nil {
		return uuid.Nil, err
	}
	if live {
		return s.opts.Backend.Create(ctx, record)
	}

	s.opts.Overlay.Put(record)
	s.logger.Debug("Create stored in overlay", "entity", record.LogicalName, "id", record.ID)
	return record.ID, nil
}

// Update merges changed attributes into an existing record.
func (s *Service) Update(ctx context.Context, entity *sdk.Entity) error {
	if entity == nil {
		return fmt.Errorf("%w: Update requires an entity", ErrInvalidRecord)
	}
	if strings.TrimSpace(entity.LogicalName) == "" {
		return fmt.Errorf("%w: Update requires a logical name (id %s)", ErrInvalidRecord, entity.ID)
	}
	if entity.ID == uuid.Nil {
		return fmt.Errorf("%w: Update of %s requires a non-empty record id", ErrInvalidRecord, entity.LogicalName)
	}

	live, err := s.writesLive(ctx, "Update", entity.LogicalName)
	if err != nil {
		return err
	}
	if live {
		return s.opts.Backend.Update(ctx, entity.Clone())
	}

	s.opts.Overlay.Merge(entity)
	s.logger.Debug("Update merged into overlay", "entity", entity.LogicalName, "id", entity.ID)
	return nil
}

// Delete removes a record. Deleting an unknown overlay record is a no-op.
func (s *Service) Delete(ctx context.Context, entityName string, id uuid.UUID) error {
	if strings.TrimSpace(entityName) == "" || id == uuid.Nil {
		return fmt.Errorf("%w: Delete requires a logical name and id", ErrInvalidRecord)
	}

	live, err := s.writesLive(ctx, "Delete", entityName)
	if err != nil {
		return err
	}
	if live {
		return s.opts.Backend.Delete(ctx, entityName, id)
	}

	s.opts.Overlay.Delete(entityName, id)
	return nil
}

// Retrieve returns an independent copy of a record limited to columns.
func (s *Service) Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns sdk.ColumnSet) (*sdk.Entity, error) {
	if strings.TrimSpace(entityName) == "" {
		return nil, fmt.Errorf("%w: Retrieve requires a logical name", ErrInvalidRecord)
	}

	var overlay *sdk.Entity
	var inOverlay bool
	if s.opts.Policy.MergesOverlay() {
		overlay, inOverlay = s.opts.Overlay.Get(entityName, id)
	}

	if !s.readsRemote() {
		if inOverlay {
			return project(overlay, columns), nil
		}
		// An uncommitted id, as probed by a pre-stage plugin, reads as empty.
		empty := sdk.NewEntity(entityName)
		empty.ID = id
		return empty, nil
	}

	live, err := s.opts.Backend.Retrieve(ctx, entityName, id, columns)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) && inOverlay {
			return project(overlay, columns), nil
		}
		return nil, err
	}
	if inOverlay {
		for name, value := range overlay.Attributes {
			live.Set(name, value)
		}
	}
	return project(live, columns), nil
}

// RetrieveMultiple runs a structured or FetchXML query. No match yields an empty
// collection.
func (s *Service) RetrieveMultiple(ctx context.Context, query sdk.Query) (*sdk.EntityCollection, error) {
	q, err := normalizeQuery(query)
	if err != nil {
		return nil, err
	}

	var partition []*sdk.Entity
	if s.opts.Policy.MergesOverlay() {
		partition = s.opts.Overlay.List(q.EntityName)
	}

	if !s.readsRemote() {
		local := make([]*sdk.Entity, 0, len(partition))
		for _, e := range partition {
			if q.matches(e) {
				local = append(local, e)
			}
		}
		return q.collect(local), nil
	}

	live, err := s.opts.Backend.RetrieveMultiple(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(partition) == 0 {
		return live, nil
	}

	// Overlay records are merged onto their live twins before filtering.
	byID := make(map[uuid.UUID]*sdk.Entity, len(partition))
	for _, e := range partition {
		byID[e.ID] = e
	}
	merged := make([]*sdk.Entity, 0, len(live.Entities)+len(partition))
	for _, e := range live.Entities {
		o, ok := byID[e.ID]
		if !ok {
			merged = append(merged, e)
			continue
		}
		delete(byID, e.ID)
		for name, value := range o.Attributes {
			e.Set(name, value)
		}
		if q.matchesMerged(e, o) {
			merged = append(merged, e)
		}
	}
	for _, e := range partition {
		if _, pending := byID[e.ID]; pending && q.matches(e) {
			merged = append(merged, e)
		}
	}
	out := q.collect(merged)
	out.MoreRecords = out.MoreRecords || live.MoreRecords
	return out, nil
}

// Associate links records through a relationship.
func (s *Service) Associate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related sdk.EntityReferenceCollection) error {
	if err := s.requireOnline("Associate"); err != nil {
		return err
	}
	live, err := s.writesLive(ctx, "Associate", entityName)
	if err != nil {
		return err
	}
	if live {
		return s.opts.Backend.Associate(ctx, entityName, id, relationship, related)
	}

	source := sdk.EntityReference{LogicalName: entityName, ID: id}
	for _, ref := range related {
		link := sdk.NewEntity(relationship)
		link.ID = linkID(relationship, source, ref)
		link.Set("entity1", source)
		link.Set("entity2", ref)
		s.opts.Overlay.Put(link)
	}
	return nil
}

// Disassociate removes relationship links.
func (s *Service) Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship string, related sdk.EntityReferenceCollection) error {
	if err := s.requireOnline("Disassociate"); err != nil {
		return err
	}
	live, err := s.writesLive(ctx, "Disassociate", entityName)
	if err != nil {
		return err
	}
	if live {
		return s.opts.Backend.Disassociate(ctx, entityName, id, relationship, related)
	}

	source := sdk.EntityReference{LogicalName: entityName, ID: id}
	for _, ref := range related {
		s.opts.Overlay.Delete(relationship, linkID(relationship, source, ref))
	}
	return nil
}

func (s *Service) requireOnline(op string) error {
	if s.opts.Policy.Mode != execmode.Offline {
		return nil
	}
	return s.capability(op, "Relationships cannot be emulated offline. Switch the environment to Hybrid or Online execution mode.")
}

// linkID is stable for a (relationship, source, target) triple so Disassociate
// finds what Associate stored.
func linkID(relationship string, source, target sdk.EntityReference) uuid.UUID {
	key := strings.ToLower(relationship) + "|" + source.ID.String() + "|" + target.ID.String()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
}

func project(e *sdk.Entity, columns sdk.ColumnSet) *sdk.Entity {
	if columns.IsAll() {
		return e
	}
	out := sdk.NewEntity(e.LogicalName)
	out.ID = e.ID
	for _, name := range columns.Columns {
		if v, ok := e.Get(name); ok {
			out.Set(name, v)
		}
	}
	return out
}
