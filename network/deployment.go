package network

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/streamkit/auditor"
	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/filter"
	"github.com/c360/streamkit/grouping"
	"github.com/c360/streamkit/health"
)

// Option configures a Deployment.
type Option func(*options)

type options struct {
	stores      auditor.StoreFactory
	shards      int
	auditorOpts []auditor.Option
	checks      []func() health.Status
}

// WithStores sets where each auditor keeps its pending trees. By default they are held in
// memory and lost when the process exits.
func WithStores(stores auditor.StoreFactory) Option {
	return func(o *options) { o.stores = stores }
}

// WithShards sets the number of shards per auditor.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithAuditorOptions passes extra options to every auditor.
func WithAuditorOptions(opts ...auditor.Option) Option {
	return func(o *options) { o.auditorOpts = append(o.auditorOpts, opts...) }
}

// WithHealthCheck adds a status computed on every Health call, such as the transport's.
func WithHealthCheck(check func() health.Status) Option {
	return func(o *options) { o.checks = append(o.checks, check) }
}

// Deployment is a network running in this process: its auditors and one component per
// declared instance.
//
// Start brings up the auditors, then every worker, then the producers, so that nothing is
// emitted before its receivers are subscribed. Stop runs the phases in reverse.
type Deployment struct {
	def      Definition
	deps     component.Dependencies
	logger   *slog.Logger
	auditors *auditor.Group
	monitor  *health.Monitor
	checks   []func() health.Status

	mu        sync.Mutex
	phases    [][]*component.Managed
	instances map[string][]component.Component
	started   bool
	stopped   bool
}

// Deploy builds and starts def.
func Deploy(ctx context.Context, def Definition, reg *Registry, deps component.Dependencies, opts ...Option) (*Deployment, error) {
	d, err := NewDeployment(def, reg, deps, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDeployment validates def and creates its auditors and instances without starting them.
func NewDeployment(def Definition, reg *Registry, deps component.Dependencies, opts ...Option) (*Deployment, error) {
	if reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Deployment", "New", "registry is required")
	}
	if deps.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Deployment", "New", "transport is required")
	}
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := reg.Check(def); err != nil {
		return nil, err
	}
	ackTimeout, err := def.AckTimeoutDuration()
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d := &Deployment{
		def:       def,
		deps:      deps,
		logger:    deps.GetLoggerWithComponent("network." + def.Name),
		monitor:   health.NewMonitor(),
		checks:    o.checks,
		phases:    make([][]*component.Managed, 2),
		instances: make(map[string][]component.Component),
	}

	var auditorAddrs []string
	if def.AckingEnabled() {
		aopts := []auditor.Option{auditor.WithLogger(deps.GetLogger()), auditor.WithClock(deps.Clock)}
		if deps.MetricsRegistry != nil {
			aopts = append(aopts, auditor.WithMetrics(deps.MetricsRegistry))
		}
		aopts = append(aopts, o.auditorOpts...)

		group, err := auditor.NewGroup(auditor.GroupConfig{
			Network:     def.Name,
			NumAuditors: def.NumAuditors,
			Auditor:     auditor.Config{AckTimeout: ackTimeout, Shards: o.shards},
		}, deps.Transport, o.stores, aopts...)
		if err != nil {
			return nil, errors.Wrap(err, "Deployment", "New", "create auditors")
		}
		d.auditors = group
		auditorAddrs = group.Addresses()
	}

	for _, c := range def.Components {
		raw, err := json.Marshal(c.Config)
		if err != nil {
			d.discard()
			return nil, errors.WrapInvalid(err, "Deployment", "New", "encode config of "+c.Name)
		}
		if c.Config == nil {
			raw = nil
		}

		for i := 0; i < c.Instances; i++ {
			outputs, err := d.outputs(c.Name)
			if err != nil {
				d.discard()
				return nil, err
			}
			cctx := component.Context{
				Network:    def.Name,
				Name:       c.Name,
				Address:    Address(def.Name, c.Name, i),
				Role:       c.Role,
				Index:      i,
				Instances:  c.Instances,
				Config:     raw,
				Acking:     def.AckingEnabled(),
				AckTimeout: ackTimeout,
				Auditors:   auditorAddrs,
				Outputs:    outputs,
			}
			comp, err := reg.Create(c.Type, cctx, deps)
			if err != nil {
				d.discard()
				return nil, err
			}

			phase := 1
			if c.Role == component.RoleWorker {
				phase = 0
			}
			d.phases[phase] = append(d.phases[phase], &component.Managed{Component: comp, State: component.StateCreated})
			d.instances[c.Name] = append(d.instances[c.Name], comp)
		}
	}
	return d, nil
}

// outputs builds the connections of one instance of source. Every instance gets its own
// selectors so round-robin state is per sender. Connections into an executor ignore their
// grouping and route each message to the executor instance that issued its root.
func (d *Deployment) outputs(source string) ([]component.Connection, error) {
	var out []component.Connection
	for i, conn := range d.def.Connections {
		if conn.Source != source {
			continue
		}
		target, _ := d.def.Component(conn.Target)
		targets := make([]string, target.Instances)
		for j := range targets {
			targets[j] = Address(d.def.Name, target.Name, j)
		}

		var sel grouping.Selector
		if target.Role == component.RoleExecutor {
			sel = &grouping.OriginSelector{}
		} else {
			var err error
			if sel, err = grouping.New(conn.Grouping); err != nil {
				return nil, errors.Wrap(err, "Deployment", "outputs", fmt.Sprintf("connection %d grouping", i))
			}
		}
		var f *filter.Filter
		if len(conn.Filter) > 0 {
			var err error
			if f, err = filter.New(conn.Filter); err != nil {
				return nil, errors.Wrap(err, "Deployment", "outputs", fmt.Sprintf("connection %d filter", i))
			}
		}
		out = append(out, component.Connection{
			Stream:   conn.Stream,
			Target:   conn.Target,
			Targets:  targets,
			Selector: sel,
			Filter:   f,
		})
	}
	return out, nil
}

// discard releases auditor stores after a failed build.
func (d *Deployment) discard() {
	if d.auditors != nil {
		_ = d.auditors.Stop(time.Second)
	}
}

// Definition returns the deployed definition with defaults applied.
func (d *Deployment) Definition() Definition { return d.def }

// Auditors returns the auditor group, or nil when acking is disabled.
func (d *Deployment) Auditors() *auditor.Group { return d.auditors }

// Instances returns the instances of the named component in index order.
func (d *Deployment) Instances(name string) []component.Component {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]component.Component(nil), d.instances[name]...)
}

// Instance returns one instance of the named component.
func (d *Deployment) Instance(name string, index int) (component.Component, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.instances[name]
	if index < 0 || index >= len(list) {
		return nil, false
	}
	return list[index], true
}

// Start starts the auditors and every instance. If anything fails to start, whatever was
// already started is stopped again.
func (d *Deployment) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStopped, "Deployment", "Start", "start network "+d.def.Name)
	}
	if d.started {
		return nil
	}

	if d.auditors != nil {
		if err := d.auditors.Start(ctx); err != nil {
			return err
		}
	}

	order := 0
	for i, phase := range d.phases {
		if err := d.startPhase(ctx, phase, &order); err != nil {
			for j := i; j >= 0; j-- {
				d.stopPhase(d.phases[j], 5*time.Second)
			}
			if d.auditors != nil {
				_ = d.auditors.Stop(5 * time.Second)
			}
			d.stopped = true
			return errors.Wrap(err, "Deployment", "Start", "start network "+d.def.Name)
		}
	}

	d.started = true
	d.logger.Info("Network started",
		"components", len(d.def.Components),
		"instances", order,
		"acking", d.def.AckingEnabled(),
		"auditors", len(d.auditorAddresses()))
	return nil
}

func (d *Deployment) startPhase(ctx context.Context, phase []*component.Managed, order *int) error {
	var eg errgroup.Group
	for _, mc := range phase {
		mc := mc
		childCtx, cancel := context.WithCancel(ctx)
		mc.Context = childCtx
		mc.Cancel = cancel
		mc.StartOrder = *order
		*order++

		eg.Go(func() error {
			addr := mc.Component.Context().Address
			if err := mc.Component.Start(mc.Context); err != nil {
				mc.State = component.StateFailed
				mc.LastError = err
				d.monitor.Update(addr, health.FromError(addr, err))
				return fmt.Errorf("%s: %w", addr, err)
			}
			mc.State = component.StateStarted
			d.monitor.UpdateHealthy(addr, "running")
			return nil
		})
	}
	return eg.Wait()
}

// stopPhase cancels and stops every started member of phase in reverse start order.
func (d *Deployment) stopPhase(phase []*component.Managed, timeout time.Duration) []error {
	var errs []error
	for i := len(phase) - 1; i >= 0; i-- {
		mc := phase[i]
		if mc.State != component.StateStarted {
			if mc.Cancel != nil {
				mc.Cancel()
			}
			continue
		}
		addr := mc.Component.Context().Address
		if err := mc.Component.Stop(timeout); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			d.monitor.Update(addr, health.FromError(addr, err))
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		} else {
			mc.State = component.StateStopped
			d.monitor.UpdateUnhealthy(addr, "stopped")
		}
		mc.Cancel()
	}
	return errs
}

// Stop stops the producers, then the workers, then the auditors. Each instance is given
// timeout. Pending trees stay in the auditor stores.
func (d *Deployment) Stop(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return nil
	}
	d.stopped = true

	var errs []error
	for i := len(d.phases) - 1; i >= 0; i-- {
		errs = append(errs, d.stopPhase(d.phases[i], timeout)...)
	}
	if d.auditors != nil {
		if err := d.auditors.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		d.logger.Warn("Network stopped with errors", "errors", len(errs))
		return errors.Wrap(stderrors.Join(errs...), "Deployment", "Stop", "stop network "+d.def.Name)
	}
	d.logger.Info("Network stopped")
	return nil
}

// Health reports one status per instance and per auditor. Auditors carry their pending
// tree count.
func (d *Deployment) Health() health.Status {
	d.mu.Lock()
	running := d.started && !d.stopped
	d.mu.Unlock()

	var extra []health.Status
	if d.auditors != nil {
		for _, a := range d.auditors.Auditors() {
			s := health.NewUnhealthy(a.Address(), "stopped")
			if running {
				s = health.NewHealthy(a.Address(), "running")
			}
			extra = append(extra, s.WithMetrics(&health.Metrics{Pending: a.Pending()}))
		}
	}

	for _, check := range d.checks {
		extra = append(extra, check())
	}

	status := d.monitor.AggregateHealth(d.def.Name, extra...)
	if !running {
		status.Status = health.StateUnhealthy
		status.Healthy = false
		status.Message = "network is not running"
	}
	return status
}

// Healthy returns an error naming the first member that is not healthy.
func (d *Deployment) Healthy() error {
	status := d.Health()
	if status.IsHealthy() {
		return nil
	}
	if p, ok := status.FirstProblem(); ok && p.Component != d.def.Name {
		return errors.WrapTransient(fmt.Errorf("%s is %s: %s", p.Component, p.Status, p.Message),
			"Deployment", "Healthy", "check network "+d.def.Name)
	}
	return errors.WrapTransient(errors.ErrNotStarted, "Deployment", "Healthy", "network "+d.def.Name)
}

func (d *Deployment) auditorAddresses() []string {
	if d.auditors == nil {
		return nil
	}
	return d.auditors.Addresses()
}
