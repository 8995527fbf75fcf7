// Package iface tracks which ingress interfaces have flow counting enabled.
//
// Management calls (API, gRPC, startup config) change the set under a mutex
// and publish an immutable snapshot. Workers read the snapshot once per batch
// without locking.
package iface

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/vishvananda/netlink"

	"github.com/psaab/flowcounter/pkg/pipeline"
)

var (
	// ErrUnknown is returned for interface names the kernel does not know.
	ErrUnknown = errors.New("unknown interface")

	// ErrNotPhysical is returned for virtual links; counting attaches to
	// device input and only works on physical ports.
	ErrNotPhysical = errors.New("not a physical interface")
)

// Link is the resolved identity of an interface.
type Link struct {
	Name     string `json:"name"`
	Index    uint32 `json:"ifindex"`
	Physical bool   `json:"physical"`
}

// Resolver maps interface names to links.
type Resolver interface {
	Resolve(name string) (Link, error)
	List() ([]Link, error)
}

// Set is an immutable snapshot of enabled interface indices.
type Set struct {
	bits *bitset.BitSet
}

// Enabled reports whether ifindex is in the set.
func (s *Set) Enabled(ifindex uint32) bool {
	return s.bits.Test(uint(ifindex))
}

// Len returns the number of enabled interfaces.
func (s *Set) Len() int { return int(s.bits.Count()) }

// Registry holds the enabled set.
type Registry struct {
	resolver Resolver

	mu    sync.Mutex // serializes writers
	names map[uint32]string
	cur   atomic.Pointer[Set]
}

// NewRegistry returns an empty registry. A nil resolver uses netlink.
func NewRegistry(r Resolver) *Registry {
	if r == nil {
		r = NetlinkResolver{}
	}
	reg := &Registry{resolver: r, names: make(map[uint32]string)}
	reg.cur.Store(&Set{bits: bitset.New(0)})
	return reg
}

// Snapshot returns the current enabled set. The result never changes; a
// later Enable or Disable publishes a new Set.
func (r *Registry) Snapshot() *Set {
	return r.cur.Load()
}

// Gate returns the current snapshot as a pipeline gate.
func (r *Registry) Gate() pipeline.Gate {
	return r.cur.Load()
}

// Enabled reports whether counting is enabled on ifindex.
func (r *Registry) Enabled(ifindex uint32) bool {
	return r.cur.Load().Enabled(ifindex)
}

// Enable turns counting on for the named interface.
func (r *Registry) Enable(name string) error {
	return r.setByName(name, true)
}

// Disable turns counting off for the named interface.
func (r *Registry) Disable(name string) error {
	return r.setByName(name, false)
}

func (r *Registry) setByName(name string, on bool) error {
	link, err := r.resolver.Resolve(name)
	if err != nil {
		return err
	}
	if !link.Physical {
		return fmt.Errorf("%s: %w", name, ErrNotPhysical)
	}
	r.set(link.Index, link.Name, on)
	return nil
}

// SetIndex enables or disables counting on an interface index without
// resolving it. name is used for listing only.
func (r *Registry) SetIndex(ifindex uint32, name string, on bool) {
	r.set(ifindex, name, on)
}

func (r *Registry) set(ifindex uint32, name string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cur.Load().bits.Clone()
	if on {
		next.Set(uint(ifindex))
		r.names[ifindex] = name
	} else {
		next.Clear(uint(ifindex))
		delete(r.names, ifindex)
	}
	r.cur.Store(&Set{bits: next})
	slog.Info("flow counting", "interface", name, "ifindex", ifindex, "enabled", on)
}

// List returns the enabled interfaces sorted by index.
func (r *Registry) List() []Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Link, 0, len(r.names))
	for idx, name := range r.names {
		out = append(out, Link{Name: name, Index: idx, Physical: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Links returns every link the resolver knows about.
func (r *Registry) Links() ([]Link, error) {
	return r.resolver.List()
}

// NetlinkResolver resolves interfaces through rtnetlink.
type NetlinkResolver struct{}

// Resolve implements Resolver.
func (NetlinkResolver) Resolve(name string) (Link, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return Link{}, fmt.Errorf("%s: %w", name, ErrUnknown)
		}
		return Link{}, fmt.Errorf("resolve %s: %w", name, err)
	}
	return linkFrom(l), nil
}

// List implements Resolver.
func (NetlinkResolver) List() ([]Link, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	out := make([]Link, 0, len(links))
	for _, l := range links {
		out = append(out, linkFrom(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// linkFrom converts a netlink link. Only plain devices are physical ports;
// bridges, vlans, veths, tunnels and loopback are not.
func linkFrom(l netlink.Link) Link {
	attrs := l.Attrs()
	physical := l.Type() == "device" && attrs.Flags&net.FlagLoopback == 0
	return Link{Name: attrs.Name, Index: uint32(attrs.Index), Physical: physical}
}
