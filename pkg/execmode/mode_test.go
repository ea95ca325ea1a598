package execmode

import (
	"errors"
	"strings"
	"testing"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestResolve_Defaults(t *testing.T) {
	p, err := Resolve("", "", false)
	require.NoError(t, err)
	assert.Equal(t, Hybrid, p.Mode)
	assert.Equal(t, Fake, p.WriteMode)
	assert.False(t, p.LiveWrites)
}

func TestResolve_InfersOnlineFromLive(t *testing.T) {
	p, err := Resolve("", "live", true)
	require.NoError(t, err)
	assert.Equal(t, Online, p.Mode)
	assert.True(t, p.LiveWrites)
}

func TestResolve_ExplicitModeWins(t *testing.T) {
	p, err := Resolve("offline", "Live", true)
	require.NoError(t, err)
	assert.Equal(t, Offline, p.Mode)
	assert.False(t, p.LiveWrites)
}

func TestResolve_ProcessFlagDowngrades(t *testing.T) {
	p, err := Resolve("Online", "Live", false)
	require.NoError(t, err)
	assert.False(t, p.LiveWrites)
	assert.True(t, p.Downgraded)
	assert.Contains(t, p.String(), "writes stay local")
}

func TestResolve_InvalidMode(t *testing.T) {
	_, err := Resolve("NotValid", "", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "ExecutionMode")
	assert.Contains(t, err.Error(), "NotValid")
	assert.Contains(t, err.Error(), "Offline, Hybrid, Online")
}

func TestResolve_InvalidWriteMode(t *testing.T) {
	_, err := Resolve("", "sometimes", false)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "WriteMode", cfgErr.Field)
}

func TestRequire_OfflineOnlyAllowsIdentity(t *testing.T) {
	p := Policy{Mode: Offline, WriteMode: Fake}
	assert.NoError(t, p.Require("WhoAmI"))

	err := p.Require("RetrieveVersion")
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, Offline, capErr.Mode)
	assert.Equal(t, "RetrieveVersion", capErr.Operation)
	assert.NotEmpty(t, capErr.Remediation)
	assert.True(t, errors.Is(err, domain.ErrCapability))

	assert.NoError(t, Policy{Mode: Hybrid}.Require("RetrieveVersion"))
}

// Property: live writes are only ever enabled for Online + Live with the process flag on.
func TestResolveLiveWritesProperty(t *testing.T) {
	modes := []string{"", "offline", "HYBRID", "Online"}
	writes := []string{"", "fake", "LIVE"}
	rapid.Check(t, func(t *rapid.T) {
		mode := rapid.SampledFrom(modes).Draw(t, "mode")
		write := rapid.SampledFrom(writes).Draw(t, "write")
		allow := rapid.Bool().Draw(t, "allow")

		p, err := Resolve(mode, write, allow)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		want := allow && p.Mode == Online && strings.EqualFold(write, "live")
		if p.LiveWrites != want {
			t.Fatalf("LiveWrites=%v want %v for %q/%q/%v", p.LiveWrites, want, mode, write, allow)
		}
	})
}
