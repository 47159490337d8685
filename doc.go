// Package streamkit runs networks of message processing components with guaranteed
// processing: every message emitted by a producer is either fully processed by all of its
// descendants or reported back to the producer as failed or timed out.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Producers (feeder, executor)      │  Emit root messages, receive
//	│                                     │  ACKED / FAILED / TIMEOUT
//	└─────────────────────────────────────┘
//	           ↓ grouping + filter per connection
//	┌─────────────────────────────────────┐
//	│   Workers                           │  Handle, emit children,
//	│                                     │  ack or fail
//	└─────────────────────────────────────┘
//	           ↓ ack/fail notifications
//	┌─────────────────────────────────────┐
//	│   Auditors                          │  Track message trees by
//	│                                     │  root, notify on resolution
//	└─────────────────────────────────────┘
//
// All parties exchange envelopes over an addressed transport: either the in-process
// transport.Memory or NATS through natsclient. Each component instance and auditor has an
// address of the form <network>.<component>.<index>.
//
// # Packages
//
//   - message: envelopes, message IDs and the wire codec
//   - transport, natsclient: addressed publish/subscribe
//   - grouping, filter: choosing the target instance and dropping messages per connection
//   - queue: the bounded pending queue shared by producers
//   - feeder: producers (feeder and executor) with retry, rate limiting and polling
//   - worker: workers with manual or automatic acknowledgement
//   - auditor: ack tree tracking with memory, bbolt and NATS KV stores
//   - network: network definitions, the component type registry and deployments
//   - hooks: lifecycle and outcome events for observers
//   - health, metric: health reporting and Prometheus metrics
//   - config: layered JSON/YAML configuration for the streamkit command
//
// # Acking
//
// A network with acking enabled starts one or more auditors. Each root message is
// assigned to an auditor by its ID. Workers report every message they receive as acked
// or failed, together with the IDs of the children they emitted while handling it; the
// auditor resolves the root once every message in its tree is acked, as soon as any is
// failed, or when the ack timeout elapses.
//
// With acking disabled no auditors run and producers complete every message as acked
// once it has been handed to the transport.
//
// See the network package for a complete example.
package streamkit
