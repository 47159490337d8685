package network

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
)

// Factory creates one instance. Factories do no I/O; the instance subscribes in Start.
type Factory func(cctx component.Context, deps component.Dependencies) (component.Component, error)

// Registration describes a component type.
type Registration struct {
	Name        string           // Type name referenced by ComponentDef.Type
	Roles       []component.Role // Roles the type can be deployed as
	Description string
	Factory     Factory
}

// Registry holds component factories by type name. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*Registration)}
}

// Register adds a component type. Registering a name twice is an error.
func (r *Registry) Register(reg Registration) error {
	if err := ValidateName(reg.Name); err != nil {
		return errors.Wrap(err, "Registry", "Register", "type name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory function validation")
	}
	if len(reg.Roles) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "role validation")
	}
	for _, role := range reg.Roles {
		if !role.Valid() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
				fmt.Sprintf("unknown role %q", role))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[reg.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("factory '%s' is already registered", reg.Name),
			"Registry", "Register", "duplicate factory check")
	}
	r.factories[reg.Name] = &reg
	return nil
}

// Lookup returns the registration for a type name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[name]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check verifies that every component of def has a registered type that supports its role.
func (r *Registry) Check(def Definition) error {
	for _, c := range def.Components {
		reg, ok := r.Lookup(c.Type)
		if !ok {
			return errors.WrapInvalid(fmt.Errorf("unknown component type '%s'", c.Type),
				"Registry", "Check", "factory lookup for "+c.Name)
		}
		if !slices.Contains(reg.Roles, c.Role) {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Check",
				fmt.Sprintf("type %q cannot run as %s (component %q)", c.Type, c.Role, c.Name))
		}
	}
	return nil
}

// Create builds one instance of typeName.
func (r *Registry) Create(typeName string, cctx component.Context, deps component.Dependencies) (component.Component, error) {
	reg, ok := r.Lookup(typeName)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown component type '%s'", typeName),
			"Registry", "Create", "factory lookup")
	}
	if !slices.Contains(reg.Roles, cctx.Role) {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Create",
			fmt.Sprintf("type %q cannot run as %s", typeName, cctx.Role))
	}
	comp, err := reg.Factory(cctx, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", "create "+cctx.Address)
	}
	if comp == nil {
		return nil, errors.WrapFatal(fmt.Errorf("factory %q returned nil", typeName),
			"Registry", "Create", "factory result validation")
	}
	return comp, nil
}
