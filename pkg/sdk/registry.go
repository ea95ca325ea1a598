package sdk

import (
	"fmt"
	"strings"
)

// RegisterSymbol is the name of the function a module exports.
// Its signature must be func(*sdk.Registry).
const RegisterSymbol = "Register"

// RegisterFunc is the signature of a module's exported Register function.
type RegisterFunc func(r *Registry)

// Constructors holds the construction shapes a plugin type supports. At least one
// must be set; the runner tries them in declaration order.
type Constructors struct {
	WithSecureConfig func(unsecureConfig, secureConfig string) (Plugin, error)
	WithConfig       func(unsecureConfig string) (Plugin, error)
	Default          func() (Plugin, error)
}

// Empty reports whether no constructor is set.
func (c Constructors) Empty() bool {
	return c.WithSecureConfig == nil && c.WithConfig == nil && c.Default == nil
}

// TypeRegistration is a plugin type declared by a module.
type TypeRegistration struct {
	Name         string
	Constructors Constructors
}

// ImageRegistration asks for a record snapshot under an alias.
type ImageRegistration struct {
	Alias      string   `json:"alias"`
	Attributes []string `json:"attributes,omitempty"`
}

// StepRegistration binds a plugin type to a message, entity and stage.
type StepRegistration struct {
	Name                string              `json:"name"`
	TypeName            string              `json:"typeName"`
	MessageName         string              `json:"messageName"`
	EntityName          string              `json:"entityName,omitempty"`
	Stage               Stage               `json:"stage"`
	Rank                int                 `json:"rank"`
	FilteringAttributes []string            `json:"filteringAttributes,omitempty"`
	UnsecureConfig      string              `json:"unsecureConfig,omitempty"`
	SecureConfig        string              `json:"-"`
	PreImages           []ImageRegistration `json:"preImages,omitempty"`
	PostImages          []ImageRegistration `json:"postImages,omitempty"`
}

// Registry collects the declarations of one module.
type Registry struct {
	types []TypeRegistration
	steps []StepRegistration
	names map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// RegisterType declares a plugin type. Names are unique case-insensitively.
func (r *Registry) RegisterType(name string, ctors Constructors) {
	key := strings.ToLower(name)
	if _, exists := r.names[key]; exists {
		panic(fmt.Sprintf("plugin type '%s' already registered", name))
	}
	if ctors.Empty() {
		panic(fmt.Sprintf("plugin type '%s' registered without a constructor", name))
	}
	r.names[key] = struct{}{}
	r.types = append(r.types, TypeRegistration{Name: name, Constructors: ctors})
}

// RegisterStep declares a pipeline step for a registered type.
func (r *Registry) RegisterStep(step StepRegistration) {
	if step.Name == "" {
		step.Name = fmt.Sprintf("%s: %s of %s", step.TypeName, step.MessageName, step.EntityName)
	}
	r.steps = append(r.steps, step)
}

// Types returns the declared types in registration order.
func (r *Registry) Types() []TypeRegistration {
	return append([]TypeRegistration(nil), r.types...)
}

// Steps returns the declared steps in registration order.
func (r *Registry) Steps() []StepRegistration {
	return append([]StepRegistration(nil), r.steps...)
}
