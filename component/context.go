package component

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/filter"
	"github.com/c360/streamkit/grouping"
	"github.com/c360/streamkit/message"
)

// Role is what an instance does in the network.
type Role string

// Roles.
const (
	RoleFeeder   Role = "feeder"
	RoleExecutor Role = "executor"
	RoleWorker   Role = "worker"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleFeeder, RoleExecutor, RoleWorker:
		return true
	}
	return false
}

// Producer reports whether instances of r emit roots and wait for their outcome.
func (r Role) Producer() bool {
	return r == RoleFeeder || r == RoleExecutor
}

// Connection is one outbound edge of an instance: messages emitted on Stream go to one or
// more of Targets, chosen by Selector, when Filter matches. Connections are fixed at deploy.
type Connection struct {
	Stream   string
	Target   string
	Targets  []string
	Selector grouping.Selector
	Filter   *filter.Filter
}

// StreamName returns the connection's stream, defaulting to message.DefaultStream.
func (c Connection) StreamName() string {
	if c.Stream == "" {
		return message.DefaultStream
	}
	return c.Stream
}

// Context is everything an instance knows about itself and its place in the network. It is
// built by the deployer and read-only afterwards.
type Context struct {
	Network   string
	Name      string
	Address   string
	Role      Role
	Index     int
	Instances int
	Config    json.RawMessage

	Acking     bool
	AckTimeout time.Duration
	Auditors   []string
	Outputs    []Connection
}

// Validate checks the fields every instance needs.
func (c Context) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Context", "Validate", "address is required")
	}
	if !c.Role.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Context", "Validate",
			fmt.Sprintf("unknown role %q", c.Role))
	}
	if c.Acking && len(c.Auditors) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Context", "Validate",
			"acking requires at least one auditor")
	}
	for i, conn := range c.Outputs {
		if conn.Selector == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Context", "Validate",
				fmt.Sprintf("output %d to %s has no selector", i, conn.Target))
		}
	}
	return nil
}

// Streams returns the distinct output streams in declaration order.
func (c Context) Streams() []string {
	seen := make(map[string]bool)
	var out []string
	for _, conn := range c.Outputs {
		s := conn.StreamName()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// DecodeConfig unmarshals the instance's raw config into v. An empty config leaves v as is.
func (c Context) DecodeConfig(v any) error {
	if len(c.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Config, v); err != nil {
		return errors.WrapInvalid(err, "Context", "DecodeConfig", "parse config for "+c.Address)
	}
	return nil
}
