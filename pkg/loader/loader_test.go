package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

type noopPlugin struct{ unsecure, secure string }

func (noopPlugin) Execute(context.Context, sdk.ServiceProvider) error { return nil }

// countingOpener wraps a StaticOpener and counts opens.
type countingOpener struct {
	*StaticOpener
	opens atomic.Int32
}

func (c *countingOpener) Open(path string) (sdk.RegisterFunc, error) {
	c.opens.Add(1)
	return c.StaticOpener.Open(path)
}

func writeModule(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(t *testing.T, opener Opener) (*Loader, string) {
	t.Helper()
	root := t.TempDir()
	return New(Options{ModuleRoot: root, ShadowDir: t.TempDir(), BaseDir: t.TempDir(), Opener: opener}), root
}

func accountModule(r *sdk.Registry) {
	r.RegisterType("Contoso.Plugins.AccountCreate", sdk.Constructors{
		WithSecureConfig: func(u, s string) (sdk.Plugin, error) { return noopPlugin{u, s}, nil },
		Default:          func() (sdk.Plugin, error) { return noopPlugin{}, nil },
	})
	r.RegisterType("Contoso.Plugins.Plain", sdk.Constructors{
		Default: func() (sdk.Plugin, error) { return noopPlugin{}, nil },
	})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.Plugins.AccountCreate", MessageName: "Create", EntityName: "account", Stage: sdk.StagePostOperation})
}

func TestLoader_LoadModuleReturnsCachedHandle(t *testing.T) {
	opener := &countingOpener{StaticOpener: NewStaticOpener()}
	opener.Add("contoso.so", accountModule)
	l, root := newTestLoader(t, opener)
	writeModule(t, root, "contoso.so", "v1")

	ctx := context.Background()
	h1, err := l.LoadModule(ctx, "contoso.so", "contoso.plugins.accountcreate")
	require.NoError(t, err)
	h2, err := l.LoadModule(ctx, "contoso.so", "Contoso.Plugins.AccountCreate")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, "Contoso.Plugins.AccountCreate", h1.TypeName)
	assert.Len(t, h1.Steps, 1)
	assert.Equal(t, int32(1), opener.opens.Load())

	l.SetManifest(domain.Manifest{})
	h3, err := l.LoadModule(ctx, "contoso.so", "Contoso.Plugins.AccountCreate")
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
}

func TestLoader_ShadowCopyLeavesOriginalAlone(t *testing.T) {
	opener := NewStaticOpener()
	opener.Add("contoso.so", accountModule)
	l, root := newTestLoader(t, opener)
	original := writeModule(t, root, "contoso.so", "v1")

	h, err := l.LoadModule(context.Background(), original, "Contoso.Plugins.Plain")
	require.NoError(t, err)
	assert.NotEqual(t, h.ModulePath, h.ShadowPath)
	assert.FileExists(t, h.ShadowPath)
	assert.Equal(t, "contoso.so", filepath.Base(h.ShadowPath))

	require.NoError(t, os.WriteFile(original, []byte("v2 is longer"), 0o600))
	h2, err := l.LoadModule(context.Background(), original, "Contoso.Plugins.Plain")
	require.NoError(t, err)
	assert.NotEqual(t, h.ShadowPath, h2.ShadowPath, "rebuilt module gets a new shadow copy")
}

func TestLoader_TypeNotFoundListsCandidates(t *testing.T) {
	opener := NewStaticOpener()
	opener.Add("contoso.so", accountModule)
	l, root := newTestLoader(t, opener)
	writeModule(t, root, "contoso.so", "v1")

	_, err := l.LoadModule(context.Background(), "contoso.so", "Contoso.Plugins.Missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTypeNotFound)

	var nf *TypeNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "Contoso.Plugins.Missing", nf.TypeName)
	assert.ElementsMatch(t, []string{"Contoso.Plugins.AccountCreate", "Contoso.Plugins.Plain"}, nf.Candidates)
	assert.Equal(t, 0, l.CachedHandles())
}

func TestLoader_CandidatesAndErrorsAreCapped(t *testing.T) {
	opener := NewStaticOpener()
	opener.Add("many.so", func(r *sdk.Registry) {
		for i := 0; i < 15; i++ {
			r.RegisterType(fmt.Sprintf("T%d", i), sdk.Constructors{Default: func() (sdk.Plugin, error) { return noopPlugin{}, nil }})
		}
	})
	l, root := newTestLoader(t, opener)
	path := writeModule(t, root, "many.so", "many")

	deps := make([]string, 8)
	for i := range deps {
		deps[i] = fmt.Sprintf("missing%d.so", i)
	}
	l.SetManifest(domain.Manifest{Modules: []domain.ModuleSpec{{Path: path, Dependencies: deps}}})

	_, err := l.LoadModule(context.Background(), path, "Nope")
	var nf *TypeNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Len(t, nf.Candidates, maxCandidates)
	assert.Len(t, nf.LoadErrors, maxLoadErrors)
}

func TestLoader_ResolvesTypesInDependencies(t *testing.T) {
	opener := NewStaticOpener()
	opener.Add("main.so", func(r *sdk.Registry) {})
	opener.Add("shared.so", func(r *sdk.Registry) {
		r.RegisterType("Shared.Helper", sdk.Constructors{Default: func() (sdk.Plugin, error) { return noopPlugin{}, nil }})
	})
	l, root := newTestLoader(t, opener)
	mainPath := writeModule(t, root, "main.so", "main")
	libDir := t.TempDir()
	writeModule(t, libDir, "shared.so", "shared")

	l.SetManifest(domain.Manifest{Modules: []domain.ModuleSpec{{Path: mainPath, Dependencies: []string{"shared.so"}, DependencyFolders: []string{libDir}}}})
	h, err := l.LoadModule(context.Background(), mainPath, "shared.helper")
	require.NoError(t, err)
	assert.Equal(t, "Shared.Helper", h.TypeName)
}

func TestLoader_MissingModule(t *testing.T) {
	l, _ := newTestLoader(t, NewStaticOpener())
	_, err := l.LoadModule(context.Background(), "nowhere.so", "X")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModuleNotFound)
	assert.Contains(t, err.Error(), "Assembly not found: nowhere.so")
}

func TestLoader_FailedOpenIsNotCached(t *testing.T) {
	opener := &countingOpener{StaticOpener: NewStaticOpener()}
	l, root := newTestLoader(t, opener)
	writeModule(t, root, "late.so", "late")

	_, err := l.LoadModule(context.Background(), "late.so", "Late.Type")
	require.Error(t, err)

	opener.Add("late.so", func(r *sdk.Registry) {
		r.RegisterType("Late.Type", sdk.Constructors{Default: func() (sdk.Plugin, error) { return noopPlugin{}, nil }})
	})
	h, err := l.LoadModule(context.Background(), "late.so", "Late.Type")
	require.NoError(t, err)
	assert.Equal(t, "Late.Type", h.TypeName)
}

func TestLoader_RegisterPanicIsModuleFault(t *testing.T) {
	opener := NewStaticOpener()
	opener.Add("bad.so", func(*sdk.Registry) { panic("boom") })
	l, root := newTestLoader(t, opener)
	writeModule(t, root, "bad.so", "bad")

	_, err := l.LoadModule(context.Background(), "bad.so", "X")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModuleFault)
	assert.Contains(t, err.Error(), "boom")
}

func TestLoader_InvalidateAndStampMismatch(t *testing.T) {
	opener := NewStaticOpener()
	opener.Add("contoso.so", accountModule)
	l, root := newTestLoader(t, opener)
	path := writeModule(t, root, "contoso.so", "v1")
	ctx := context.Background()

	h1, err := l.LoadModule(ctx, path, "Contoso.Plugins.Plain")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Invalidate(path))
	assert.Equal(t, 0, l.CachedHandles())

	h2, err := l.LoadModule(ctx, path, "Contoso.Plugins.Plain")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	h3, err := l.LoadModule(ctx, path, "Contoso.Plugins.Plain")
	require.NoError(t, err)
	assert.NotSame(t, h2, h3)
}

func TestLoader_ConcurrentFirstLoadsShareOneOpen(t *testing.T) {
	opener := &countingOpener{StaticOpener: NewStaticOpener()}
	opener.Add("contoso.so", accountModule)
	l, root := newTestLoader(t, opener)
	writeModule(t, root, "contoso.so", "v1")

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := l.LoadModule(context.Background(), "contoso.so", "Contoso.Plugins.Plain")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), opener.opens.Load())
}

func TestHandle_InstantiateStrategies(t *testing.T) {
	withSecure := &Handle{TypeName: "A", Constructors: sdk.Constructors{
		WithSecureConfig: func(u, s string) (sdk.Plugin, error) { return noopPlugin{u, s}, nil },
		Default:          func() (sdk.Plugin, error) { return noopPlugin{}, nil },
	}}
	p, label, err := withSecure.Instantiate("u", "s")
	require.NoError(t, err)
	assert.Equal(t, "Using plugin constructor (string unsecureConfig, string secureConfig)", label)
	assert.Equal(t, noopPlugin{"u", "s"}, p)

	withConfig := &Handle{TypeName: "B", Constructors: sdk.Constructors{
		WithConfig: func(u string) (sdk.Plugin, error) { return noopPlugin{unsecure: u}, nil },
	}}
	_, label, err = withConfig.Instantiate("u", "s")
	require.NoError(t, err)
	assert.Equal(t, "Using plugin constructor (string unsecureConfig)", label)

	plain := &Handle{TypeName: "C", Constructors: sdk.Constructors{Default: func() (sdk.Plugin, error) { return noopPlugin{}, nil }}}
	_, label, err = plain.Instantiate("", "")
	require.NoError(t, err)
	assert.Equal(t, "Using plugin constructor ()", label)

	_, _, err = (&Handle{TypeName: "D"}).Instantiate("", "")
	assert.ErrorIs(t, err, domain.ErrUnsupportedConstructor)

	panicky := &Handle{TypeName: "E", Constructors: sdk.Constructors{Default: func() (sdk.Plugin, error) { panic("ctor") }}}
	_, _, err = panicky.Instantiate("", "")
	assert.ErrorIs(t, err, domain.ErrModuleFault)
	assert.Contains(t, err.Error(), "ctor")
}
