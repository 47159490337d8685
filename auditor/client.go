package auditor

import (
	"context"
	"encoding/json"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/message"
	"github.com/c360/streamkit/transport"
)

// Client sends signals to the auditor that owns a message's root.
type Client struct {
	transport transport.Transport
}

// NewClient creates a Client.
func NewClient(t transport.Transport) *Client {
	return &Client{transport: t}
}

// Create registers a new root. ids are the correlation ids of every delivered copy and
// source is the address to notify.
func (c *Client) Create(ctx context.Context, root message.ID, ids []string, source string) error {
	return c.send(ctx, root, Signal{Type: SignalCreate, Root: root.Root, IDs: ids, Source: source})
}

// Fork adds the delivered children of a message in id's tree.
func (c *Client) Fork(ctx context.Context, id message.ID, ids []string) error {
	return c.send(ctx, id, Signal{Type: SignalFork, Root: id.Root, IDs: ids})
}

// Ack reports id processed.
func (c *Client) Ack(ctx context.Context, id message.ID) error {
	return c.send(ctx, id, Signal{Type: SignalAck, Root: id.Root, ID: id.Correlation})
}

// Fail reports id failed, failing its whole tree.
func (c *Client) Fail(ctx context.Context, id message.ID, cause string) error {
	return c.send(ctx, id, Signal{Type: SignalFail, Root: id.Root, ID: id.Correlation, Cause: cause})
}

func (c *Client) send(ctx context.Context, id message.ID, sig Signal) error {
	if id.Auditor == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "AuditorClient", "send",
			"message "+id.Correlation+" has no auditor")
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return errors.WrapInvalid(err, "AuditorClient", "send", "marshal signal")
	}
	if err := c.transport.Publish(ctx, id.Auditor, data); err != nil {
		return errors.WrapTransient(err, "AuditorClient", "send", "publish "+string(sig.Type))
	}
	return nil
}
