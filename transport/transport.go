// Package transport defines the addressed asynchronous send/receive primitive the runtime
// is built on, and an in-process implementation of it.
//
// Subjects follow NATS conventions: dot-separated tokens, with "*" matching one token and
// ">" matching the rest in subscriptions. natsclient.Client satisfies Transport for real
// deployments; Memory serves single-process networks and tests.
package transport

import (
	"context"
)

// Handler receives one message. Handlers of a single subscription are invoked one at a time,
// in publish order.
type Handler func(ctx context.Context, data []byte)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport publishes bytes to subjects and delivers them to subscribers.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
}

// MatchSubject reports whether subject matches a subscription pattern.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	p := splitTokens(pattern)
	s := splitTokens(subject)
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}

func splitTokens(subject string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			tokens = append(tokens, subject[start:i])
			start = i + 1
		}
	}
	return append(tokens, subject[start:])
}
