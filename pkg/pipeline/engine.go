package pipeline

import (
	"github.com/psaab/flowcounter/pkg/flow"
	"github.com/psaab/flowcounter/pkg/flowtable"
)

const (
	// DefaultBatchSize matches the 256-packet vector the surrounding
	// framework hands to a node.
	DefaultBatchSize = 256

	// DefaultDepth is the lookahead used by the pipelined variants.
	DefaultDepth = 4

	// MaxDepth bounds the lookahead.
	MaxDepth = 32
)

// Per-packet disposition decided when the packet is staged.
const (
	stateCount uint8 = iota
	stateMalformed
	stateBypass
)

// Options configures an Engine.
type Options struct {
	// Depth is how many packets ahead keys are derived and buckets
	// prefetched. 0 or 1 disables pipelining. Output does not depend on it.
	Depth int

	// BatchSize bounds the scratch space; larger batches are processed in
	// chunks of this size.
	BatchSize int

	// Policy sets TxIf for counted packets. Defaults to Reflect.
	Policy Policy
}

// Engine processes batches for one core. It keeps per-batch scratch space
// and so, like the table it drives, belongs to a single worker.
type Engine struct {
	depth  int
	policy Policy

	keys   []flow.Key
	hashes []uint64
	state  []uint8
}

// NewEngine returns an Engine with scratch space for opts.BatchSize packets.
func NewEngine(opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Depth < 1 {
		opts.Depth = 1
	}
	if opts.Depth > MaxDepth {
		opts.Depth = MaxDepth
	}
	if opts.Policy == nil {
		opts.Policy = Reflect
	}
	return &Engine{
		depth:  opts.Depth,
		policy: opts.Policy,
		keys:   make([]flow.Key, opts.BatchSize),
		hashes: make([]uint64, opts.BatchSize),
		state:  make([]uint8, opts.BatchSize),
	}
}

// Depth returns the configured lookahead.
func (e *Engine) Depth() int { return e.depth }

// Process counts every packet of pkts in t and applies the forwarding
// policy in place. Packets keep their positions. gate may be nil, in which
// case every interface is enabled. Process never fails: per-packet problems
// are reported in the returned Counters.
func (e *Engine) Process(t *flowtable.Table, pkts []Packet, gate Gate) Counters {
	if gate == nil {
		gate = allowAll{}
	}
	var c Counters
	for len(pkts) > 0 {
		n := min(len(pkts), len(e.keys))
		e.run(t, pkts[:n], gate, &c)
		pkts = pkts[n:]
	}
	return c
}

// run processes one chunk that fits the scratch space.
//
// With depth d > 1, packets i and i+1 are updated while keys for i+d and
// i+d+1 are derived with their buckets prefetched, and the records for
// i+d/2 and i+d/2+1 are prefetched. The tail (fewer than d+2 packets left)
// is handled one at a time.
func (e *Engine) run(t *flowtable.Table, pkts []Packet, gate Gate, c *Counters) {
	n := len(pkts)
	d := e.depth

	if d <= 1 {
		for i := range pkts {
			e.stage(t, pkts, i, gate)
			e.update(t, pkts, i, c)
		}
		return
	}

	staged := e.stageTo(t, pkts, 0, min(d, n), gate)
	i := 0
	for n-i >= d+2 {
		staged = e.stageTo(t, pkts, staged, i+d+2, gate)
		e.prefetchRecord(t, i+d/2)
		e.prefetchRecord(t, i+d/2+1)

		e.update(t, pkts, i, c)
		e.update(t, pkts, i+1, c)
		i += 2
	}
	for ; i < n; i++ {
		staged = e.stageTo(t, pkts, staged, i+1, gate)
		e.update(t, pkts, i, c)
	}
}

// stageTo stages packets [from, upto) and returns the new high-water mark.
func (e *Engine) stageTo(t *flowtable.Table, pkts []Packet, from, upto int, gate Gate) int {
	for j := from; j < upto; j++ {
		e.stage(t, pkts, j, gate)
	}
	return max(from, upto)
}

// stage derives the key and hash for packet j and prefetches its bucket.
func (e *Engine) stage(t *flowtable.Table, pkts []Packet, j int, gate Gate) {
	p := &pkts[j]
	if !gate.Enabled(p.RxIf) {
		e.state[j] = stateBypass
		return
	}
	k, ok := flow.Derive(p.Data)
	if !ok {
		e.state[j] = stateMalformed
		return
	}
	h := flowtable.Hash(k)
	e.keys[j] = k
	e.hashes[j] = h
	e.state[j] = stateCount
	t.PrefetchBucket(h)
}

func (e *Engine) prefetchRecord(t *flowtable.Table, j int) {
	if e.state[j] == stateCount {
		t.PrefetchRecord(e.hashes[j])
	}
}

// update performs the read-modify-write for packet i and forwards it.
func (e *Engine) update(t *flowtable.Table, pkts []Packet, i int, c *Counters) {
	c.Packets++
	switch e.state[i] {
	case stateBypass:
		c.Bypassed++
		return
	case stateMalformed:
		c.Malformed++
		return
	}

	k, h := e.keys[i], e.hashes[i]
	count, found := t.LookupHashed(h, k)
	if found {
		count++
	} else {
		count = 1
	}
	if err := t.UpsertHashed(h, k, count); err != nil {
		// Best-effort accounting: the packet is still forwarded.
		c.Dropped++
	} else if !found {
		c.NewFlows++
	}
	e.policy(&pkts[i])
}
