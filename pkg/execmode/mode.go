package execmode

import (
	"fmt"
	"strings"

	"github.com/polisai/plugin-runner/pkg/domain"
)

// Mode selects where reads go.
type Mode string

const (
	Offline Mode = "Offline"
	Hybrid  Mode = "Hybrid"
	Online  Mode = "Online"
)

// WriteMode selects whether writes may reach the backend.
type WriteMode string

const (
	Fake WriteMode = "Fake"
	Live WriteMode = "Live"
)

const (
	modeValues      = "Offline, Hybrid, Online"
	writeModeValues = "Fake, Live"
)

// ParseMode parses a mode case-insensitively.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "offline":
		return Offline, nil
	case "hybrid":
		return Hybrid, nil
	case "online":
		return Online, nil
	}
	return "", &ConfigError{Field: "ExecutionMode", Value: raw, Allowed: modeValues}
}

// ParseWriteMode parses a write mode case-insensitively. Empty means Fake.
func ParseWriteMode(raw string) (WriteMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "fake":
		return Fake, nil
	case "live":
		return Live, nil
	}
	return "", &ConfigError{Field: "WriteMode", Value: raw, Allowed: writeModeValues}
}

// Policy is the resolved behaviour of one invocation's data-access facade.
type Policy struct {
	Mode      Mode
	WriteMode WriteMode

	// LiveWrites is true when writes may actually land on the backend. It also
	// requires the process-level flag; the write guard is consulted per write.
	LiveWrites bool

	// Downgraded is set when a Live write mode was requested but the process
	// flag forbids live writes.
	Downgraded bool
}

// Resolve applies the precedence rules: an explicit parseable mode wins, an empty
// mode is inferred from the write mode (Live means Online, otherwise Hybrid).
// allowLive is the process-start flag.
func Resolve(mode, writeMode string, allowLive bool) (Policy, error) {
	wm, err := ParseWriteMode(writeMode)
	if err != nil {
		return Policy{}, err
	}

	var m Mode
	if strings.TrimSpace(mode) == "" {
		m = Hybrid
		if wm == Live {
			m = Online
		}
	} else if m, err = ParseMode(mode); err != nil {
		return Policy{}, err
	}

	p := Policy{Mode: m, WriteMode: wm}
	if m == Online && wm == Live {
		if allowLive {
			p.LiveWrites = true
		} else {
			p.Downgraded = true
		}
	}
	return p, nil
}

// ReadsRemote reports whether reads consult the backend.
func (p Policy) ReadsRemote() bool {
	return p.Mode != Offline
}

// MergesOverlay reports whether reads are overlaid with local writes.
func (p Policy) MergesOverlay() bool {
	return !p.LiveWrites
}

// String renders the policy for traces.
func (p Policy) String() string {
	s := fmt.Sprintf("Mode=%s WriteMode=%s", p.Mode, p.WriteMode)
	if p.Downgraded {
		s += " (live writes disabled for this runner; writes stay local)"
	}
	return s
}

// Require fails with a CapabilityError when op cannot run under the policy.
// Only the identity query is available offline.
func (p Policy) Require(op string) error {
	if p.Mode != Offline || strings.EqualFold(op, "WhoAmI") {
		return nil
	}
	return &CapabilityError{
		Mode:        p.Mode,
		Operation:   op,
		Remediation: "Switch the environment to Hybrid or Online execution mode to call the backend, or stub this request in the plugin when running offline.",
	}
}

// ConfigError reports an unparseable mode setting.
type ConfigError struct {
	Field   string
	Value   string
	Allowed string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: expected one of %s", e.Field, e.Value, e.Allowed)
}

// Is allows errors.Is(err, domain.ErrConfigInvalid).
func (e *ConfigError) Is(target error) bool {
	return target == domain.ErrConfigInvalid
}

// CapabilityError reports an operation that is unavailable in the current mode.
type CapabilityError struct {
	Mode        Mode
	Operation   string
	Remediation string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("operation %s is not supported in Mode=%s: %s", e.Operation, e.Mode, e.Remediation)
}

// Is allows errors.Is(err, domain.ErrCapability).
func (e *CapabilityError) Is(target error) bool {
	return target == domain.ErrCapability
}
