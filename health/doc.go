// Package health reports the health of a running network.
//
// A Status has one of three states: healthy, degraded or unhealthy. A network's status
// aggregates one sub-status per instance and one per auditor, and is unhealthy as soon as
// any member is:
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("orders.sink.0", "running")
//	monitor.Update("orders.sink.1", health.FromError("orders.sink.1", err))
//
//	status := monitor.AggregateHealth("orders")
//	if p, ok := status.FirstProblem(); ok {
//		log.Printf("%s: %s", p.Component, p.Message)
//	}
//
// Messages built with FromError have URLs, file paths, IP addresses, ports and credentials
// replaced by placeholders, since health output is served without authentication.
package health
