// Package grouping selects the target instances of a connection for each outbound message.
package grouping

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/message"
)

// Type names a grouping strategy.
type Type string

const (
	Random Type = "random"
	Round  Type = "round"
	Fields Type = "fields"
	All    Type = "all"
)

// Config describes a connection's grouping in a topology definition.
type Config struct {
	Type   Type     `json:"type"             yaml:"type"`
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Validate checks the grouping type and its fields.
func (c Config) Validate() error {
	switch c.Type {
	case "", Random, Round, All:
		return nil
	case Fields:
		if len(c.Fields) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "grouping", "Validate",
				"fields grouping requires at least one field")
		}
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "grouping", "Validate",
			fmt.Sprintf("unknown grouping type %q", c.Type))
	}
}

// Selector picks target instances for one message. Each connection owns its selector, so
// stateful strategies keep per-connection state.
type Selector interface {
	Select(env message.Envelope, targets []string) ([]string, error)
}

// New builds a selector. An empty type selects round-robin.
func New(cfg Config) (Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case Random:
		return &RandomSelector{}, nil
	case Fields:
		return NewFieldsSelector(cfg.Fields...), nil
	case All:
		return &AllSelector{}, nil
	default:
		return &RoundRobinSelector{}, nil
	}
}

func routingFailure(strategy string) error {
	return errors.Wrap(errors.ErrRoutingFailure, strategy, "Select", "select target")
}

// RandomSelector picks one target uniformly at random.
type RandomSelector struct{}

// Select implements Selector.
func (s *RandomSelector) Select(_ message.Envelope, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, routingFailure("RandomSelector")
	}
	return []string{targets[rand.Intn(len(targets))]}, nil
}

// RoundRobinSelector cycles through targets, one position per message.
type RoundRobinSelector struct {
	cursor atomic.Uint64
}

// Select implements Selector.
func (s *RoundRobinSelector) Select(_ message.Envelope, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, routingFailure("RoundRobinSelector")
	}
	n := s.cursor.Add(1) - 1
	return []string{targets[n%uint64(len(targets))]}, nil
}

// FieldsSelector hashes the named body fields so equal values always reach the same target
// for a fixed target set. Targets are ordered before hashing, so the caller's slice order
// does not matter.
type FieldsSelector struct {
	fields []string
}

// NewFieldsSelector creates a consistent-hash selector over fields.
func NewFieldsSelector(fields ...string) *FieldsSelector {
	return &FieldsSelector{fields: append([]string(nil), fields...)}
}

// Select implements Selector.
func (s *FieldsSelector) Select(env message.Envelope, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, routingFailure("FieldsSelector")
	}

	ordered := slices.Clone(targets)
	slices.Sort(ordered)

	idx := xxhash.Sum64String(s.key(env.Body)) % uint64(len(ordered))
	return []string{ordered[idx]}, nil
}

func (s *FieldsSelector) key(body message.Body) string {
	var b strings.Builder
	for i, field := range s.fields {
		if i > 0 {
			b.WriteByte(0)
		}
		if v, ok := body.Lookup(field); ok {
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

// AllSelector fans out to every target.
type AllSelector struct{}

// Select implements Selector.
func (s *AllSelector) Select(_ message.Envelope, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, routingFailure("AllSelector")
	}
	return slices.Clone(targets), nil
}

// OriginSelector sends a message back to the instance that issued its root. Connections
// into executors use it so results reach the executor waiting for them.
type OriginSelector struct{}

// Select implements Selector.
func (s *OriginSelector) Select(env message.Envelope, targets []string) ([]string, error) {
	if i := slices.Index(targets, env.ID.Origin); i >= 0 {
		return []string{targets[i]}, nil
	}
	return nil, routingFailure("OriginSelector")
}
