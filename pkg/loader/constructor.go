package loader

import (
	"fmt"
	"runtime/debug"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

// ConstructorStrategy is one way to instantiate a plugin type. Label is
// traced verbatim when the strategy is chosen.
type ConstructorStrategy struct {
	Label   string
	Applies func(sdk.Constructors) bool
	New     func(c sdk.Constructors, unsecureConfig, secureConfig string) (sdk.Plugin, error)
}

// ConstructorStrategies are tried in order; the first that applies wins.
var ConstructorStrategies = []ConstructorStrategy{
	{
		Label:   "Using plugin constructor (string unsecureConfig, string secureConfig)",
		Applies: func(c sdk.Constructors) bool { return c.WithSecureConfig != nil },
		New: func(c sdk.Constructors, unsecure, secure string) (sdk.Plugin, error) {
			return c.WithSecureConfig(unsecure, secure)
		},
	},
	{
		Label:   "Using plugin constructor (string unsecureConfig)",
		Applies: func(c sdk.Constructors) bool { return c.WithConfig != nil },
		New: func(c sdk.Constructors, unsecure, _ string) (sdk.Plugin, error) {
			return c.WithConfig(unsecure)
		},
	},
	{
		Label:   "Using plugin constructor ()",
		Applies: func(c sdk.Constructors) bool { return c.Default != nil },
		New: func(c sdk.Constructors, _, _ string) (sdk.Plugin, error) {
			return c.Default()
		},
	},
}

// Instantiate creates a plugin instance with the first applicable
// constructor strategy and returns the strategy's label. A panicking
// constructor is reported as a module fault carrying the stack.
func (h *Handle) Instantiate(unsecureConfig, secureConfig string) (p sdk.Plugin, label string, err error) {
	for _, s := range ConstructorStrategies {
		if !s.Applies(h.Constructors) {
			continue
		}
		label = s.Label
		defer func() {
			if r := recover(); r != nil {
				p = nil
				err = domain.NewError(domain.ErrModuleFault, domain.CodeModuleFault,
					"constructor of %s panicked: %v\n%s", h.TypeName, r, debug.Stack())
			}
		}()
		p, err = s.New(h.Constructors, unsecureConfig, secureConfig)
		if err != nil {
			return nil, label, fmt.Errorf("%w: constructor of %s: %w", domain.ErrModuleFault, h.TypeName, err)
		}
		if p == nil {
			return nil, label, domain.NewError(domain.ErrModuleFault, domain.CodeModuleFault, "constructor of %s returned no plugin", h.TypeName)
		}
		return p, label, nil
	}
	return nil, "", domain.NewError(domain.ErrUnsupportedConstructor, domain.CodeModuleFault,
		"plugin type '%s' has no supported constructor", h.TypeName)
}
