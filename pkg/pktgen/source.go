package pktgen

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/psaab/flowcounter/pkg/pipeline"
)

// Source replays a fixed set of UDP flows. Flows are split across cores the
// way receive-side scaling would split them: flow i always lands on core
// i % cores. Each core cycles through its share round-robin.
type Source struct {
	ifindex uint32
	perCore [][][]byte
	cursors []cursor
}

type cursor struct {
	next int
	_    [56]byte
}

// NewSource builds frames for flows distinct flows arriving on ifindex and
// spreads them over cores.
func NewSource(flows, cores int, ifindex uint32) (*Source, error) {
	if flows < 1 || cores < 1 {
		return nil, fmt.Errorf("synthetic source needs flows and cores, got %d and %d", flows, cores)
	}
	s := &Source{
		ifindex: ifindex,
		perCore: make([][][]byte, cores),
		cursors: make([]cursor, cores),
	}
	for i, t := range Tuples(flows) {
		f, err := BuildUDP(t, nil)
		if err != nil {
			return nil, err
		}
		c := i % cores
		s.perCore[c] = append(s.perCore[c], f)
	}
	return s, nil
}

// Receive fills batch with the core's next frames. It never blocks. A core
// that owns no flows receives nothing.
func (s *Source) Receive(ctx context.Context, core int, batch []pipeline.Packet) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	frames := s.perCore[core]
	if len(frames) == 0 {
		return 0, nil
	}
	cur := &s.cursors[core]
	for i := range batch {
		batch[i] = pipeline.Packet{
			Handle: uint32(cur.next),
			Data:   frames[cur.next],
			RxIf:   s.ifindex,
		}
		cur.next++
		if cur.next == len(frames) {
			cur.next = 0
		}
	}
	return len(batch), nil
}

// Flows returns how many flows core receives.
func (s *Source) Flows(core int) int { return len(s.perCore[core]) }

// Discard is a sink that counts and drops forwarded packets.
type Discard struct {
	sent    atomic.Uint64
	passed  atomic.Uint64
	skipped atomic.Uint64
}

// Transmit counts packets with an egress interface and skips the rest.
// Packets the policy left alone count as passed through as well as sent.
func (d *Discard) Transmit(_ int, batch []pipeline.Packet) error {
	var sent, passed uint64
	for i := range batch {
		p := &batch[i]
		if p.Egress() == 0 {
			continue
		}
		sent++
		if p.TxIf == 0 {
			passed++
		}
	}
	d.sent.Add(sent)
	d.passed.Add(passed)
	d.skipped.Add(uint64(len(batch)) - sent)
	return nil
}

// Sent returns the number of packets transmitted.
func (d *Discard) Sent() uint64 { return d.sent.Load() }

// Passed returns how many transmitted packets went out unmodified through
// their ingress interface.
func (d *Discard) Passed() uint64 { return d.passed.Load() }

// Skipped returns the number of packets with no interface at all.
func (d *Discard) Skipped() uint64 { return d.skipped.Load() }
