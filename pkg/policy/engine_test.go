package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngine_DeniesWhenFlagOff(t *testing.T) {
	engine, err := NewDefaultEngine(context.Background(), "")
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), WriteInput{
		Operation: "Create",
		Entity:    "account",
		Mode:      "Online",
		WriteMode: "Live",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed())
	assert.Contains(t, decision.Reason, "disabled")
}

func TestDefaultEngine_AllowsOnlineLive(t *testing.T) {
	engine, err := NewDefaultEngine(context.Background(), "")
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), WriteInput{
		Operation:         "Update",
		Entity:            "contact",
		Mode:              "Online",
		WriteMode:         "Live",
		LiveWritesEnabled: true,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())

	decision, err = engine.Evaluate(context.Background(), WriteInput{
		Operation:         "Update",
		Entity:            "contact",
		Mode:              "Hybrid",
		LiveWritesEnabled: true,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed())
}

func TestEngine_CustomPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writes.rego")
	require.NoError(t, os.WriteFile(path, []byte(`package runner.writes

default decision := {"action": "deny", "reason": "only sandbox"}

decision := {"action": "allow"} if {
	input.live_writes_enabled
	contains(input.org_url, "sandbox")
}
`), 0o600))

	engine, err := NewDefaultEngine(context.Background(), path)
	require.NoError(t, err)

	allowed, err := engine.Evaluate(context.Background(), WriteInput{OrgURL: "https://sandbox.example.com", LiveWritesEnabled: true})
	require.NoError(t, err)
	assert.True(t, allowed.Allowed())

	denied, err := engine.Evaluate(context.Background(), WriteInput{OrgURL: "https://prod.example.com", LiveWritesEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, "only sandbox", denied.Reason)
}

func TestNewEngine_RejectsBadModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{Modules: map[string]string{"bad.rego": "package x\nthis is not rego"}})
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), EngineOptions{})
	assert.Error(t, err)
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, WriteInput) (Decision, error) {
	return Decision{}, errors.New("boom")
}

func TestWriteGuard_FailsClosed(t *testing.T) {
	guard := NewWriteGuard(failingEvaluator{}, nil)
	decision, err := guard.AllowWrite(context.Background(), WriteInput{LiveWritesEnabled: true})
	assert.Error(t, err)
	assert.False(t, decision.Allowed())

	var nilGuard *WriteGuard
	decision, err = nilGuard.AllowWrite(context.Background(), WriteInput{LiveWritesEnabled: true})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
}

func TestEngine_MemoizedDecisionsAreIndependent(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineOptions{
		CacheMaxEntries: 1,
		Modules: map[string]string{"writes.rego": `package runner.writes

decision := {"action": "deny", "reason": "tagged", "metadata": {"rule": "all"}}
`},
	})
	require.NoError(t, err)

	first, err := engine.Evaluate(context.Background(), WriteInput{Operation: "Create", Entity: "account"})
	require.NoError(t, err)
	first.Metadata["rule"] = "changed"

	second, err := engine.Evaluate(context.Background(), WriteInput{Operation: "create", Entity: "ACCOUNT"})
	require.NoError(t, err)
	assert.Equal(t, "all", second.Metadata["rule"])

	_, err = engine.Evaluate(context.Background(), WriteInput{Operation: "Delete", Entity: "account"})
	require.NoError(t, err)
	assert.Len(t, engine.cache.entries, 1)

	engine.FlushCache()
	assert.Empty(t, engine.cache.entries)
}
