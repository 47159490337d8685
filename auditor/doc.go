// Package auditor tracks the ack tree of every root message and tells the producer how the
// tree ended.
//
// # Signals
//
// Producers and workers report to the auditor that owns a root (message.ID.Auditor) by
// publishing JSON Signals on the auditor's address:
//
//   - create: a root was emitted; IDs lists every delivered copy, Source is the producer
//   - fork: a message in the tree emitted children; IDs lists the deliveries
//   - ack: one delivered message was processed
//   - fail: one delivered message failed; the whole tree fails
//
// A tree is ACKED once it has been created and every delivered id is acked. A fail resolves
// it as FAILED straight away, and a tree still pending AckTimeout after its first signal is
// TIMEDOUT. The producer learns the outcome from a Notification published on
// NotifySubject(source). Each root is resolved and notified at most once.
//
// # Ordering and duplicates
//
// Signals from different senders can arrive in any order and any of them may be delivered
// more than once. An ack for an id the tree has not seen yet is held as an early ack and
// settles the matching fork when it arrives. Repeated acks are ignored. Signals that arrive
// before the create build a provisional tree, and resolved roots stay in a TTL cache so late
// signals for them are dropped instead of starting a new tree.
//
// # Sharding
//
// An Auditor splits its roots over single-writer shards by xxhash of the root id. Every
// mutation of one tree runs on its shard's goroutine, so trees need no locks and different
// shards proceed in parallel. A Group runs the network's auditors and assigns new roots to
// them with the same hash.
//
// # Durability
//
// Pending trees are written to a Store after every change. MemoryStore keeps them in the
// process, BoltStore in a local bbolt file and KVStore in a NATS JetStream key-value bucket.
// On Start an auditor reloads its pending trees and re-arms their deadlines, so a restart
// against a durable store loses no trees. Roots that already expired while the auditor was
// down time out immediately.
package auditor
