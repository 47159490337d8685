// Package message defines message identity and the envelope exchanged between component
// instances.
//
// Every message carries an ID. A root message (emitted by a feeder or executor) is its own
// root; every descendant inherits the root and names its parent. The ID also records the
// address of the auditor responsible for the root's ack tree, so any instance in the network
// can signal the right auditor without a lookup.
package message

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID identifies one message and its place in an ack tree. Parent and Root never change once
// issued. Origin is the address that issued the root and is inherited by every descendant.
type ID struct {
	Correlation string `json:"id"`
	Parent      string `json:"parent,omitempty"`
	Root        string `json:"root"`
	Source      string `json:"source"`
	Origin      string `json:"origin,omitempty"`
	Auditor     string `json:"auditor,omitempty"`
}

// IsRoot reports whether the id starts its own ack tree.
func (id ID) IsRoot() bool {
	return id.Parent == "" && id.Root == id.Correlation
}

// String returns the correlation id.
func (id ID) String() string {
	return id.Correlation
}

// AuditorFunc picks the auditor address for a new root.
type AuditorFunc func(root string) string

// Issuer generates ids for one component instance. Correlation ids are the instance address,
// a per-issuer random salt and a monotonic counter, so they stay unique across instances and
// across restarts of the same instance.
type Issuer struct {
	address string
	salt    string
	counter atomic.Uint64
	assign  AuditorFunc
}

// NewIssuer creates an issuer for the instance at address. assign may be nil when acking is
// disabled; roots then carry no auditor address.
func NewIssuer(address string, assign AuditorFunc) *Issuer {
	return &Issuer{
		address: address,
		salt:    uuid.NewString(),
		assign:  assign,
	}
}

// Address returns the address ids are issued for.
func (i *Issuer) Address() string {
	return i.address
}

// Issue returns a fresh id. With a nil parent the id is a new root; otherwise it inherits
// the parent's root and auditor.
func (i *Issuer) Issue(parent *ID) ID {
	n := i.counter.Add(1)
	id := ID{
		Correlation: fmt.Sprintf("%s-%s-%d", i.address, i.salt, n),
		Source:      i.address,
	}

	if parent == nil {
		id.Root = id.Correlation
		id.Origin = i.address
		if i.assign != nil {
			id.Auditor = i.assign(id.Root)
		}
		return id
	}

	id.Parent = parent.Correlation
	id.Root = parent.Root
	id.Origin = parent.Origin
	id.Auditor = parent.Auditor
	return id
}
