package worker

import (
	"context"
	"sync"

	"github.com/c360/streamkit/message"
)

// Filter passes a message on as a child when keep returns true and acks it either way.
func Filter(keep func(message.Body) bool) Handler {
	return func(ctx context.Context, w *Worker, msg message.Envelope) {
		if keep(msg.Body) {
			if _, err := w.Emit(ctx, msg.Body, &msg); err != nil {
				_ = w.Fail(ctx, msg, err.Error())
				return
			}
		}
		_ = w.Ack(ctx, msg)
	}
}

// Splitter emits one child per body returned by split, then acks the message.
func Splitter(split func(message.Body) []message.Body) Handler {
	return func(ctx context.Context, w *Worker, msg message.Envelope) {
		for _, body := range split(msg.Body) {
			if _, err := w.Emit(ctx, body, &msg); err != nil {
				_ = w.Fail(ctx, msg, err.Error())
				return
			}
		}
		_ = w.Ack(ctx, msg)
	}
}

// Passthrough forwards every message unchanged.
func Passthrough() Handler {
	return Filter(func(message.Body) bool { return true })
}

// Aggregation describes how an Aggregator folds messages into one result.
//
// Key groups messages; nil folds every message into one group. Init builds the starting
// value from the first message of a group, Aggregate folds each message (the first one
// included) into the current value, and Complete decides when the value is emitted.
type Aggregation struct {
	Key       func(message.Body) string
	Init      func(first message.Body) message.Body
	Aggregate func(current, next message.Body) message.Body
	Complete  func(current message.Body) bool
}

type aggregate struct {
	value message.Body
	held  []message.Envelope
}

// Aggregator folds messages into one result per group. Contributing messages stay unacked
// until their group completes; the result is then emitted as a child of the last one and
// every contributor is acked. If the result cannot be emitted every contributor fails, and a
// group that never completes leaves its contributors to time out.
func Aggregator(a Aggregation) Handler {
	var mu sync.Mutex
	groups := make(map[string]*aggregate)

	return func(ctx context.Context, w *Worker, msg message.Envelope) {
		key := ""
		if a.Key != nil {
			key = a.Key(msg.Body)
		}

		mu.Lock()
		g, ok := groups[key]
		if !ok {
			g = &aggregate{value: a.Init(msg.Body)}
			groups[key] = g
		}
		g.value = a.Aggregate(g.value, msg.Body)
		g.held = append(g.held, msg)
		if !a.Complete(g.value) {
			mu.Unlock()
			return
		}
		delete(groups, key)
		mu.Unlock()

		if _, err := w.Emit(ctx, g.value, &msg); err != nil {
			for _, held := range g.held {
				_ = w.Fail(ctx, held, err.Error())
			}
			return
		}
		for _, held := range g.held {
			_ = w.Ack(ctx, held)
		}
	}
}
