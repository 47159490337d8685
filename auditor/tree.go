package auditor

import (
	"time"

	"github.com/benbjohnson/clock"
)

// State of an ack tree.
type State string

// States. Every state but StatePending is terminal.
const (
	StatePending  State = "pending"
	StateAcked    State = "acked"
	StateFailed   State = "failed"
	StateTimedOut State = "timedout"
)

func stateOf(r Result) State {
	switch r {
	case ResultAcked:
		return StateAcked
	case ResultFailed:
		return StateFailed
	default:
		return StateTimedOut
	}
}

type idSet map[string]struct{}

func (s idSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) slice() []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

func newIDSet(ids []string) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Tree is the ack tree of one root. It is owned by a single shard and never shared.
type Tree struct {
	Root     string
	Source   string
	Created  bool
	Deadline time.Time
	State    State

	outstanding idSet
	early       idSet
	acked       idSet

	timer *clock.Timer
	seq   uint64
}

func newTree(root string, deadline time.Time) *Tree {
	return &Tree{
		Root:        root,
		Deadline:    deadline,
		State:       StatePending,
		outstanding: make(idSet),
		early:       make(idSet),
		acked:       make(idSet),
	}
}

// create marks the root as emitted. Repeated creates only add ids.
func (t *Tree) create(source string, ids []string) {
	t.Created = true
	if source != "" {
		t.Source = source
	}
	t.add(ids)
}

func (t *Tree) fork(ids []string) {
	t.add(ids)
}

func (t *Tree) add(ids []string) {
	for _, id := range ids {
		switch {
		case t.acked.has(id):
		case t.early.has(id):
			delete(t.early, id)
			t.acked[id] = struct{}{}
		default:
			t.outstanding[id] = struct{}{}
		}
	}
}

// ack settles id and reports whether it was a duplicate.
func (t *Tree) ack(id string) bool {
	switch {
	case t.outstanding.has(id):
		delete(t.outstanding, id)
		t.acked[id] = struct{}{}
		return false
	case t.acked.has(id), t.early.has(id):
		return true
	default:
		t.early[id] = struct{}{}
		return false
	}
}

func (t *Tree) complete() bool {
	return t.Created && len(t.outstanding) == 0 && len(t.early) == 0
}

// Outstanding returns the number of delivered ids not yet acked.
func (t *Tree) Outstanding() int {
	return len(t.outstanding)
}

// Record is the persisted form of a pending tree.
type Record struct {
	Root        string    `json:"root"`
	Source      string    `json:"source,omitempty"`
	Created     bool      `json:"created"`
	Deadline    time.Time `json:"deadline"`
	Outstanding []string  `json:"outstanding,omitempty"`
	Early       []string  `json:"early,omitempty"`
	Acked       []string  `json:"acked,omitempty"`
}

func (t *Tree) record() Record {
	return Record{
		Root:        t.Root,
		Source:      t.Source,
		Created:     t.Created,
		Deadline:    t.Deadline,
		Outstanding: t.outstanding.slice(),
		Early:       t.early.slice(),
		Acked:       t.acked.slice(),
	}
}

func treeFromRecord(r Record) *Tree {
	return &Tree{
		Root:        r.Root,
		Source:      r.Source,
		Created:     r.Created,
		Deadline:    r.Deadline,
		State:       StatePending,
		outstanding: newIDSet(r.Outstanding),
		early:       newIDSet(r.Early),
		acked:       newIDSet(r.Acked),
	}
}
