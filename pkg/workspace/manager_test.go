package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

const contoso = "https://contoso.crm.example.com"

func newManager(t *testing.T, opener loader.Opener) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	l := loader.New(loader.Options{ModuleRoot: root, ShadowDir: t.TempDir(), Opener: opener})
	return New(Options{Loader: l, MetadataDir: t.TempDir()}), root
}

func accountPlugins(r *sdk.Registry) {
	r.RegisterType("Contoso.AccountPlugin", sdk.Constructors{Default: func() (sdk.Plugin, error) {
		return sdk.PluginFunc(func(context.Context, sdk.ServiceProvider) error { return nil }), nil
	}})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.AccountPlugin", MessageName: "Create", EntityName: "account", Stage: sdk.StagePostOperation, Rank: 2})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.AccountPlugin", MessageName: "Create", EntityName: "account", Stage: sdk.StagePreOperation, Rank: 1})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.AccountPlugin", MessageName: "Update", Stage: sdk.StagePreValidation})
}

func TestManager_EmptyManifestIsReady(t *testing.T) {
	m, _ := newManager(t, loader.NewStaticOpener())
	res, err := m.Initialize(context.Background(), domain.Environment{OrgURL: contoso}, domain.Manifest{})
	require.NoError(t, err)
	assert.Equal(t, StateReady, res.State)
	assert.Contains(t, res.Message, "Workspace validated")
	assert.Empty(t, res.Types)
	assert.Empty(t, res.Steps)
	assert.NotNil(t, m.Client())
	assert.NotNil(t, m.Metadata())
}

func TestManager_RequiresOrgURL(t *testing.T) {
	m, _ := newManager(t, loader.NewStaticOpener())
	_, err := m.Initialize(context.Background(), domain.Environment{OrgURL: "  "}, domain.Manifest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, "OrgUrl is required", err.Error())
	assert.Equal(t, StateEmpty, m.State())
}

func TestManager_MissingModuleFile(t *testing.T) {
	m, _ := newManager(t, loader.NewStaticOpener())
	missing := filepath.Join(t.TempDir(), "Contoso.Plugins.so")
	_, err := m.Initialize(context.Background(), domain.Environment{OrgURL: contoso},
		domain.Manifest{Modules: []domain.ModuleSpec{{Path: missing}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Assembly not found")
	assert.Contains(t, err.Error(), missing)
}

func TestManager_DiscoversTypesAndSteps(t *testing.T) {
	opener := loader.NewStaticOpener()
	opener.Add("contoso.so", accountPlugins)
	m, root := newManager(t, opener)
	require.NoError(t, os.WriteFile(filepath.Join(root, "contoso.so"), []byte("module"), 0o600))

	res, err := m.Initialize(context.Background(), domain.Environment{OrgURL: contoso},
		domain.Manifest{Modules: []domain.ModuleSpec{{Path: "contoso.so"}}})
	require.NoError(t, err)
	require.Len(t, res.Types, 1)
	assert.Equal(t, "Contoso.AccountPlugin", res.Types[0].Name)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, sdk.StagePreValidation, res.Steps[0].Stage)

	creates := m.Steps("create", "Account")
	require.Len(t, creates, 2)
	assert.Equal(t, sdk.StagePreOperation, creates[0].Stage)
	assert.Equal(t, sdk.StagePostOperation, creates[1].Stage)
	assert.Len(t, m.Steps("Update", "contact"), 1, "steps without an entity match any entity")
}

func TestManager_UnopenableModuleDegrades(t *testing.T) {
	m, root := newManager(t, loader.NewStaticOpener())
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.so"), []byte("module"), 0o600))

	res, err := m.Initialize(context.Background(), domain.Environment{OrgURL: contoso},
		domain.Manifest{Modules: []domain.ModuleSpec{{Path: "broken.so"}}})
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, res.State)
	assert.Contains(t, res.Message, "broken.so")
}

func TestManager_OverlayResetOnlyWhenOrgChanges(t *testing.T) {
	m, _ := newManager(t, loader.NewStaticOpener())
	ctx := context.Background()
	_, err := m.Initialize(ctx, domain.Environment{OrgURL: contoso}, domain.Manifest{})
	require.NoError(t, err)

	rec := sdk.NewEntity("account")
	rec.Set("name", "kept")
	m.Overlay().Put(rec)

	_, err = m.Initialize(ctx, domain.Environment{OrgURL: contoso + "/", AccessToken: "new"}, domain.Manifest{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Overlay().Count())

	_, err = m.Initialize(ctx, domain.Environment{OrgURL: "https://fabrikam.crm.example.com"}, domain.Manifest{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Overlay().Count())
}

func TestManager_ReinitializeInvalidatesHandles(t *testing.T) {
	opener := loader.NewStaticOpener()
	opener.Add("contoso.so", accountPlugins)
	m, root := newManager(t, opener)
	require.NoError(t, os.WriteFile(filepath.Join(root, "contoso.so"), []byte("module"), 0o600))
	manifest := domain.Manifest{Modules: []domain.ModuleSpec{{Path: "contoso.so"}}}
	ctx := context.Background()

	_, err := m.Initialize(ctx, domain.Environment{OrgURL: contoso}, manifest)
	require.NoError(t, err)
	h1, err := m.Loader().LoadModule(ctx, "contoso.so", "Contoso.AccountPlugin")
	require.NoError(t, err)

	_, err = m.Initialize(ctx, domain.Environment{OrgURL: contoso}, manifest)
	require.NoError(t, err)
	h2, err := m.Loader().LoadModule(ctx, "contoso.so", "Contoso.AccountPlugin")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)

	m.moduleChanged(filepath.Join(root, "contoso.so"))
	assert.Equal(t, 0, m.Loader().CachedHandles())
}

func TestManager_Reset(t *testing.T) {
	m, _ := newManager(t, loader.NewStaticOpener())
	_, err := m.Initialize(context.Background(), domain.Environment{OrgURL: contoso}, domain.Manifest{})
	require.NoError(t, err)
	m.Overlay().Put(sdk.NewEntity("account"))

	m.Reset()
	_, ok := m.Environment()
	assert.False(t, ok)
	assert.Nil(t, m.Client())
	assert.Equal(t, 0, m.Overlay().Count())
	assert.Equal(t, StateEmpty, m.State())
}

func TestManager_ClientFor(t *testing.T) {
	m, _ := newManager(t, loader.NewStaticOpener())
	_, err := m.Initialize(context.Background(), domain.Environment{OrgURL: contoso, AccessToken: "tok"}, domain.Manifest{})
	require.NoError(t, err)

	same, _, err := m.ClientFor("https://CONTOSO.crm.example.com/", "")
	require.NoError(t, err)
	assert.Same(t, m.Client(), same)

	other, cache, err := m.ClientFor("https://fabrikam.crm.example.com", "t2")
	require.NoError(t, err)
	assert.NotSame(t, m.Client(), other)
	assert.NotNil(t, cache)

	again, againCache, err := m.ClientFor("https://FABRIKAM.crm.example.com/", "t2")
	require.NoError(t, err)
	assert.Same(t, other, again)
	assert.Same(t, cache, againCache)

	rotated, _, err := m.ClientFor("https://fabrikam.crm.example.com", "t3")
	require.NoError(t, err)
	assert.NotSame(t, other, rotated)

	m.Reset()
	fresh, _, err := m.ClientFor("https://fabrikam.crm.example.com", "t2")
	require.NoError(t, err)
	assert.NotSame(t, other, fresh)

	_, err = m.Initialize(context.Background(), domain.Environment{OrgURL: contoso}, domain.Manifest{})
	require.NoError(t, err)
	_, _, err = m.ClientFor("not a url", "t")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
