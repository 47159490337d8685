package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/filter"
	"github.com/c360/streamkit/grouping"
)

// Defaults applied by Definition.WithDefaults.
const (
	DefaultNumAuditors = 1
	DefaultAckTimeout  = "30s"

	maxNameLength      = 128
	maxDefinitionBytes = 10 << 20
	reservedName       = "auditor"
)

// Definition is a network topology: its components, how many instances each one runs and
// the connections between them. It is read once at deploy time.
type Definition struct {
	Name        string          `json:"name"                   yaml:"name"`
	Acking      *bool           `json:"acking,omitempty"       yaml:"acking,omitempty"`
	NumAuditors int             `json:"num_auditors,omitempty" yaml:"num_auditors,omitempty"`
	AckTimeout  string          `json:"ack_timeout,omitempty"  yaml:"ack_timeout,omitempty"`
	Components  []ComponentDef  `json:"components"             yaml:"components"`
	Connections []ConnectionDef `json:"connections,omitempty"  yaml:"connections,omitempty"`
}

// ComponentDef declares one component. Type names the factory in the Registry; Config is
// handed to every instance as JSON.
type ComponentDef struct {
	Name      string         `json:"name"                yaml:"name"`
	Role      component.Role `json:"role"                yaml:"role"`
	Type      string         `json:"type"                yaml:"type"`
	Instances int            `json:"instances,omitempty" yaml:"instances,omitempty"`
	Config    map[string]any `json:"config,omitempty"    yaml:"config,omitempty"`
}

// ConnectionDef routes messages emitted by Source on Stream to the instances of Target.
type ConnectionDef struct {
	Source   string          `json:"source"           yaml:"source"`
	Stream   string          `json:"stream,omitempty" yaml:"stream,omitempty"`
	Target   string          `json:"target"           yaml:"target"`
	Grouping grouping.Config `json:"grouping"         yaml:"grouping"`
	Filter   []filter.Rule   `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Load reads a definition from path. Files ending in .yaml or .yml are parsed as YAML and
// everything else as JSON. The result has defaults applied and is validated.
func Load(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Definition", "Load", "stat "+path)
	}
	if info.Size() > maxDefinitionBytes {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Load",
			fmt.Sprintf("%s is too large: %d bytes", path, info.Size()))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Definition", "Load", "read "+path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON parses, defaults and validates a JSON definition. Unknown fields are errors.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, errors.WrapInvalid(err, "Definition", "ParseJSON", "decode definition")
	}
	return finish(def)
}

// ParseYAML parses, defaults and validates a YAML definition. Unknown fields are errors.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, errors.WrapInvalid(err, "Definition", "ParseYAML", "decode definition")
	}
	return finish(def)
}

func finish(def Definition) (*Definition, error) {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// WithDefaults returns a copy of d with unset fields defaulted.
func (d Definition) WithDefaults() Definition {
	if d.Acking == nil {
		acking := true
		d.Acking = &acking
	}
	if d.NumAuditors == 0 {
		d.NumAuditors = DefaultNumAuditors
	}
	if d.AckTimeout == "" {
		d.AckTimeout = DefaultAckTimeout
	}
	comps := make([]ComponentDef, len(d.Components))
	for i, c := range d.Components {
		if c.Instances == 0 {
			c.Instances = 1
		}
		comps[i] = c
	}
	d.Components = comps
	return d
}

// AckingEnabled reports whether the network tracks ack trees. Acking is on unless the
// definition turns it off.
func (d Definition) AckingEnabled() bool {
	return d.Acking == nil || *d.Acking
}

// AckTimeoutDuration parses AckTimeout.
func (d Definition) AckTimeoutDuration() (time.Duration, error) {
	s := d.AckTimeout
	if s == "" {
		s = DefaultAckTimeout
	}
	timeout, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Definition", "AckTimeoutDuration", "parse ack_timeout")
	}
	if timeout <= 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "AckTimeoutDuration",
			"ack_timeout must be positive")
	}
	return timeout, nil
}

// Component returns the component named name.
func (d Definition) Component(name string) (ComponentDef, bool) {
	for _, c := range d.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentDef{}, false
}

// Validate checks names, roles, connections and their grouping and filter settings.
func (d Definition) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return errors.Wrap(err, "Definition", "Validate", "network name")
	}
	if d.NumAuditors < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Validate",
			"num_auditors cannot be negative")
	}
	if _, err := d.AckTimeoutDuration(); err != nil {
		return err
	}
	if len(d.Components) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Definition", "Validate",
			"network "+d.Name+" has no components")
	}

	roles := make(map[string]component.Role, len(d.Components))
	for _, c := range d.Components {
		if err := c.validate(); err != nil {
			return err
		}
		if _, dup := roles[c.Name]; dup {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Validate",
				fmt.Sprintf("duplicate component %q", c.Name))
		}
		roles[c.Name] = c.Role
	}

	for i, conn := range d.Connections {
		if _, ok := roles[conn.Source]; !ok {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Validate",
				fmt.Sprintf("connection %d: unknown source %q", i, conn.Source))
		}
		role, ok := roles[conn.Target]
		if !ok {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Validate",
				fmt.Sprintf("connection %d: unknown target %q", i, conn.Target))
		}
		if role == component.RoleFeeder {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Validate",
				fmt.Sprintf("connection %d: feeder %q cannot receive messages", i, conn.Target))
		}
		if err := conn.Grouping.Validate(); err != nil {
			return errors.Wrap(err, "Definition", "Validate", fmt.Sprintf("connection %d grouping", i))
		}
		for _, rule := range conn.Filter {
			if err := rule.Validate(); err != nil {
				return errors.Wrap(err, "Definition", "Validate", fmt.Sprintf("connection %d filter", i))
			}
		}
	}
	return nil
}

func (c ComponentDef) validate() error {
	if err := ValidateName(c.Name); err != nil {
		return errors.Wrap(err, "ComponentDef", "validate", "component name")
	}
	if c.Name == reservedName {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ComponentDef", "validate",
			fmt.Sprintf("component name %q is reserved", reservedName))
	}
	if !c.Role.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ComponentDef", "validate",
			fmt.Sprintf("component %q has unknown role %q", c.Name, c.Role))
	}
	if c.Type == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ComponentDef", "validate",
			fmt.Sprintf("component %q has no type", c.Name))
	}
	if c.Instances < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ComponentDef", "validate",
			fmt.Sprintf("component %q has a negative instance count", c.Name))
	}
	return nil
}

// ValidateName checks a network or component name. Names become subject tokens, so only
// letters, digits, dash and underscore are allowed.
func ValidateName(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "network", "ValidateName", "empty name")
	}
	if len(name) > maxNameLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "network", "ValidateName", "name too long")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_') {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "network", "ValidateName",
				fmt.Sprintf("invalid character %q in %q", r, name))
		}
	}
	return nil
}

// Address returns the address of instance index of a component.
func Address(network, name string, index int) string {
	return fmt.Sprintf("%s.%s.%d", network, name, index)
}
