package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/streamkit/errors"
)

// DefaultStream is the stream used when an emit names none.
const DefaultStream = "default"

// Body is the structured payload of a message.
type Body map[string]any

// Lookup returns the value at a dotted path such as "position.lat".
func (b Body) Lookup(path string) (any, bool) {
	if b == nil || path == "" {
		return nil, false
	}
	if v, ok := b[path]; ok {
		return v, true
	}

	var current any = map[string]any(b)
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case Body:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

// Clone returns a shallow copy of the body.
func (b Body) Clone() Body {
	if b == nil {
		return nil
	}
	out := make(Body, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Envelope is one message in flight. It is owned by the sender until handed to the transport
// and treated as immutable afterwards; Copy derives a new envelope instead of mutating.
type Envelope struct {
	ID        ID        `json:"id"`
	Body      Body      `json:"body"`
	Stream    string    `json:"stream"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope builds an envelope sent from origin.
func NewEnvelope(id ID, stream string, body Body, origin string) Envelope {
	if stream == "" {
		stream = DefaultStream
	}
	return Envelope{
		ID:        id,
		Body:      body,
		Stream:    stream,
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

// Copy returns an envelope sharing the body with a fresh id parented to e.
func (e Envelope) Copy(issuer *Issuer) Envelope {
	out := e
	out.ID = issuer.Issue(&e.ID)
	return out
}

// Validate checks the identity invariants of a received envelope.
func (e Envelope) Validate() error {
	switch {
	case e.ID.Correlation == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "missing correlation id")
	case e.ID.Root == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "missing root id")
	case e.ID.Root != e.ID.Correlation && e.ID.Parent == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate",
			fmt.Sprintf("non-root message %s has no parent", e.ID.Correlation))
	}
	return nil
}

// Marshal encodes an envelope for the transport.
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "Marshal", "encode envelope")
	}
	return data, nil
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "message", "Unmarshal", "decode envelope")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
