// Package network deploys a topology of feeders, executors and workers in one process.
//
// A Definition names the network's components, how many instances each runs and the
// connections between them, and is loaded from JSON or YAML:
//
//	name: orders
//	ack_timeout: 30s
//	components:
//	  - {name: intake, role: feeder, type: feeder}
//	  - {name: enrich, role: worker, type: passthrough, instances: 3}
//	connections:
//	  - {source: intake, target: enrich, grouping: {type: fields, fields: [customer]}}
//
// Instance i of component c in network n is addressed "n.c.i" and auditor i is
// "n.auditor.i". Component types are looked up in a Registry; RegisterBuiltins adds the
// generic types (feeder, executor, generator, passthrough, filter, splitter, aggregator, logger).
//
// Deploy creates and starts everything:
//
//	reg := network.NewRegistry()
//	_ = network.RegisterBuiltins(reg)
//	d, err := network.Deploy(ctx, *def, reg, component.Dependencies{Transport: t})
//	if err != nil {
//		return err
//	}
//	defer d.Stop(10 * time.Second)
package network
