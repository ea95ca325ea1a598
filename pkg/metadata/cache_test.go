package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	entityCalls    atomic.Int32
	attributeCalls atomic.Int32
	operationCalls atomic.Int32
	delay          time.Duration
}

func (f *fakeSource) FetchEntities(context.Context) ([]EntityInfo, error) {
	f.entityCalls.Add(1)
	return []EntityInfo{{LogicalName: "account", EntitySetName: "accounts", PrimaryIDAttribute: "accountid"}}, nil
}

func (f *fakeSource) FetchAttributes(_ context.Context, logicalName string) ([]AttributeShape, error) {
	f.attributeCalls.Add(1)
	time.Sleep(f.delay)
	return []AttributeShape{
		{LogicalName: "name", Type: TypeString},
		{LogicalName: "revenue", Type: TypeMoney},
	}, nil
}

func (f *fakeSource) FetchOperationParameter(_ context.Context, operation, parameter string) (*OperationParameter, error) {
	f.operationCalls.Add(1)
	if parameter == "Amount" {
		return &OperationParameter{Operation: operation, Name: parameter, Type: TypeDecimal}, nil
	}
	return nil, nil
}

func TestCache_LoadIndexPersistsAndReuses(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}

	c := New(Options{Dir: dir, Source: src})
	require.NoError(t, c.LoadIndex(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "entities.json"))

	e, ok := c.GetEntityBySetName("Accounts")
	require.True(t, ok)
	assert.Equal(t, "account", e.LogicalName)

	fresh := New(Options{Dir: dir, Source: src})
	require.NoError(t, fresh.LoadIndex(context.Background()))
	assert.Equal(t, int32(1), src.entityCalls.Load())
	_, ok = fresh.GetEntity("ACCOUNT")
	assert.True(t, ok)
}

func TestCache_ExpiredDiskCacheIsRefetched(t *testing.T) {
	dir := t.TempDir()
	stale := entityFile{SavedAt: time.Now().Add(-8 * 24 * time.Hour), Entities: []EntityInfo{{LogicalName: "old"}}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities.json"), data, 0o600))

	src := &fakeSource{}
	c := New(Options{Dir: dir, Source: src})
	require.NoError(t, c.LoadIndex(context.Background()))

	assert.Equal(t, int32(1), src.entityCalls.Load())
	_, ok := c.GetEntity("account")
	assert.True(t, ok)
}

func TestCache_AttributeShapesSingleFetch(t *testing.T) {
	src := &fakeSource{delay: 20 * time.Millisecond}
	c := New(Options{Dir: t.TempDir(), Source: src})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shapes, err := c.GetAttributeShapes(context.Background(), "account")
			assert.NoError(t, err)
			assert.Len(t, shapes, 2)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.attributeCalls.Load())

	shape, ok := c.GetAttributeShape(context.Background(), "account", "Revenue")
	require.True(t, ok)
	assert.Equal(t, TypeMoney, shape.Type)
}

func TestCache_NoSourceFallsBackToUnknown(t *testing.T) {
	c := New(Options{})
	_, ok := c.GetAttributeShape(context.Background(), "account", "name")
	assert.False(t, ok)
	assert.ErrorIs(t, c.LoadIndex(context.Background()), ErrNoSource)
}

func TestCache_OperationParameterNegativeCache(t *testing.T) {
	src := &fakeSource{}
	c := New(Options{Source: src})
	ctx := context.Background()

	op, ok, err := c.GetOperationParameter(ctx, "new_Calculate", "Missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, op)

	_, _, _ = c.GetOperationParameter(ctx, "new_calculate", "missing")
	assert.Equal(t, int32(1), src.operationCalls.Load())

	op, ok, err = c.GetOperationParameter(ctx, "new_Calculate", "Amount")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeDecimal, op.Type)
}

func TestCache_ExportedSchemaSnapshotWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entities:
  - logical_name: contact
    entity_set_name: contacts
attributes:
  contact:
    - logical_name: birthdate
      type: DateTime
operations:
  - operation: new_Score
    name: Input
    alternate_name: in
    type: Integer
`), 0o600))

	src := &fakeSource{}
	c := New(Options{Source: src})
	require.NoError(t, c.LoadExportedSchema(path))

	_, ok := c.GetEntityBySetName("contacts")
	assert.True(t, ok)

	shape, ok := c.GetAttributeShape(context.Background(), "contact", "birthdate")
	require.True(t, ok)
	assert.Equal(t, TypeDateTime, shape.Type)

	op, ok, err := c.GetOperationParameter(context.Background(), "NEW_SCORE", "IN")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Input", op.Name)
	assert.Equal(t, int32(0), src.operationCalls.Load())
	assert.Equal(t, int32(0), src.attributeCalls.Load())
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, TypeMoney, NormalizeType("MoneyType"))
	assert.Equal(t, TypeLookup, NormalizeType("Customer"))
	assert.Equal(t, TypeUnknown, NormalizeType("EntityName"))
	assert.Equal(t, TypeUnknown, NormalizeType("VirtualType"))
	assert.Equal(t, TypeUnknown, NormalizeType("Virtual"))
	assert.Equal(t, TypeMultiSelectPicklist, NormalizeType("MultiSelectPicklistType"))
}

func TestCache_LocalViewNeverFetches(t *testing.T) {
	src := &fakeSource{}
	c := New(Options{Dir: t.TempDir(), Source: src})
	ctx := context.Background()

	_, ok := c.Local().GetAttributeShape(ctx, "account", "revenue")
	assert.False(t, ok)
	assert.Equal(t, int32(0), src.attributeCalls.Load())

	_, err := c.GetAttributeShapes(ctx, "account")
	require.NoError(t, err)
	shape, ok := c.Local().GetAttributeShape(ctx, "account", "Revenue")
	require.True(t, ok)
	assert.Equal(t, TypeMoney, shape.Type)
	assert.Equal(t, int32(1), src.attributeCalls.Load())
}
