// Package feeder implements the producers of a network: feeders, which inject root messages
// and learn whether each one was fully processed, and executors, which additionally receive
// the result body a downstream worker sends back.
//
// # Delivery models
//
// A producer runs in one of three modes, chosen by Config.Mode:
//
//   - ModeBasic: the caller pushes messages with Emit (or Execute).
//   - ModePolling: the runtime calls a feed handler every FeedInterval while the producer
//     is not full. A full producer stops polling until its queue drains.
//   - ModeStream: an upstream push source is paused and resumed through Attach, or a
//     channel is drained with Pump.
//
// # Backpressure
//
// Every root in flight holds one slot of the producer's send queue until its ack tree is
// resolved. Emit returns errors.ErrQueueFull synchronously while the queue is full; drain
// handlers registered with OnDrain run once each time it stops being full.
//
// # Outcomes
//
// The ack handler receives nil once the whole tree was acked, or a *errors.DeliveryError
// of kind failure or timeout. With AutoRetry the body is resubmitted as a new root up to
// RetryAttempts times and the handler only sees the final outcome, always under the
// correlation id returned by the first Emit.
//
//	f, _ := feeder.New(cctx, deps, feeder.DefaultConfig())
//	_ = f.Start(ctx)
//	id, err := f.Emit(ctx, message.Body{"foo": "bar"}, func(err error) {
//	    if errors.IsTimeout(err) {
//	        // ...
//	    }
//	})
package feeder
