// Package stats aggregates per-core dataplane counters.
//
// Each worker writes only its own slot; readers (API, metrics, reporter)
// load the atomics without coordinating with the workers.
package stats

import (
	"sync/atomic"

	"github.com/psaab/flowcounter/pkg/pipeline"
)

// Sink receives the counters of every processed batch.
type Sink interface {
	Record(core int, c pipeline.Counters)
}

// Totals are cumulative counters for one core or for all cores.
type Totals struct {
	pipeline.Counters
	Batches uint64 `json:"batches"`
}

// coreSlot is padded to two cache lines so neighbouring workers never
// share one.
type coreSlot struct {
	packets   atomic.Uint64
	newFlows  atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
	bypassed  atomic.Uint64
	batches   atomic.Uint64
	_         [80]byte
}

// Registry holds the counters of a fixed number of cores.
type Registry struct {
	cores []coreSlot
}

// NewRegistry returns a registry for n cores.
func NewRegistry(n int) *Registry {
	return &Registry{cores: make([]coreSlot, n)}
}

// Cores returns the number of cores tracked.
func (r *Registry) Cores() int { return len(r.cores) }

// Record implements Sink. Out-of-range cores are ignored.
func (r *Registry) Record(core int, c pipeline.Counters) {
	if core < 0 || core >= len(r.cores) {
		return
	}
	s := &r.cores[core]
	s.packets.Add(c.Packets)
	s.newFlows.Add(c.NewFlows)
	s.malformed.Add(c.Malformed)
	s.dropped.Add(c.Dropped)
	s.bypassed.Add(c.Bypassed)
	s.batches.Add(1)
}

// Core returns the totals of one core.
func (r *Registry) Core(core int) Totals {
	if core < 0 || core >= len(r.cores) {
		return Totals{}
	}
	s := &r.cores[core]
	return Totals{
		Counters: pipeline.Counters{
			Packets:   s.packets.Load(),
			NewFlows:  s.newFlows.Load(),
			Malformed: s.malformed.Load(),
			Dropped:   s.dropped.Load(),
			Bypassed:  s.bypassed.Load(),
		},
		Batches: s.batches.Load(),
	}
}

// Totals returns the sum over all cores.
func (r *Registry) Totals() Totals {
	var t Totals
	for i := range r.cores {
		c := r.Core(i)
		t.Add(c.Counters)
		t.Batches += c.Batches
	}
	return t
}
