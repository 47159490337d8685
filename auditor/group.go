package auditor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/message"
	"github.com/c360/streamkit/transport"
)

// StoreFactory returns the store for the auditor at address.
type StoreFactory func(address string) (Store, error)

// GroupConfig configures the auditors of one network.
type GroupConfig struct {
	Network     string
	NumAuditors int
	Auditor     Config // Address is ignored; each member gets Address(Network, i)
}

// Group runs a network's auditors.
type Group struct {
	network   string
	auditors  []*Auditor
	addresses []string
}

// NewGroup creates NumAuditors auditors. stores may be nil, in which case every auditor
// keeps its trees in memory.
func NewGroup(cfg GroupConfig, t transport.Transport, stores StoreFactory, opts ...Option) (*Group, error) {
	if cfg.Network == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Group", "New", "network name is required")
	}
	n := cfg.NumAuditors
	if n <= 0 {
		n = 1
	}

	g := &Group{network: cfg.Network}
	for i := 0; i < n; i++ {
		acfg := cfg.Auditor
		acfg.Address = Address(cfg.Network, i)

		aopts := opts
		if stores != nil {
			store, err := stores(acfg.Address)
			if err != nil {
				return nil, errors.Wrap(err, "Group", "New", "open auditor store")
			}
			aopts = append(append([]Option{}, opts...), WithStore(store))
		}

		a, err := New(acfg, t, aopts...)
		if err != nil {
			return nil, err
		}
		g.auditors = append(g.auditors, a)
		g.addresses = append(g.addresses, acfg.Address)
	}
	return g, nil
}

// Addresses returns the member addresses in index order.
func (g *Group) Addresses() []string {
	out := make([]string, len(g.addresses))
	copy(out, g.addresses)
	return out
}

// Auditors returns the members.
func (g *Group) Auditors() []*Auditor {
	return g.auditors
}

// Assign returns the auditor address responsible for root.
func (g *Group) Assign(root string) string {
	return Assigner(g.addresses)(root)
}

// Pending returns the number of pending trees across all members.
func (g *Group) Pending() int {
	total := 0
	for _, a := range g.auditors {
		total += a.Pending()
	}
	return total
}

// Start starts every member in parallel. If any fails, the ones that started are stopped.
func (g *Group) Start(ctx context.Context) error {
	var eg errgroup.Group
	for _, a := range g.auditors {
		a := a
		eg.Go(func() error {
			return a.Start(ctx)
		})
	}
	if err := eg.Wait(); err != nil {
		_ = g.Stop(5 * time.Second)
		return errors.Wrap(err, "Group", "Start", "start auditors")
	}
	return nil
}

// Stop stops every member in parallel and closes their stores.
func (g *Group) Stop(timeout time.Duration) error {
	var eg errgroup.Group
	for _, a := range g.auditors {
		a := a
		eg.Go(func() error {
			return a.Stop(timeout)
		})
	}
	err := eg.Wait()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, a := range g.auditors {
		if cerr := a.store.Close(); cerr != nil {
			errs = append(errs, errors.Wrap(cerr, "Group", "Stop", "close store"))
		}
	}
	return stderrors.Join(errs...)
}

// Assigner returns the auditor assignment used by message.Issuer: roots are spread over
// addresses by xxhash of the root id.
func Assigner(addresses []string) message.AuditorFunc {
	addrs := append([]string(nil), addresses...)
	return func(root string) string {
		if len(addrs) == 0 {
			return ""
		}
		return addrs[xxhash.Sum64String(root)%uint64(len(addrs))]
	}
}
