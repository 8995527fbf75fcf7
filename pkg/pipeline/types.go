// Package pipeline implements the batch engine that counts flows in a
// per-core table and applies a forwarding decision to every packet.
package pipeline

// Packet is the part of a packet the engine reads and writes.
type Packet struct {
	Handle uint32 // opaque buffer handle owned by the port
	Data   []byte // frame bytes starting at the Ethernet header
	RxIf   uint32 // ingress interface index
	TxIf   uint32 // egress interface index, set by the Policy
}

// Egress returns the interface a sink sends p out of. Packets the policy
// did not touch (malformed or bypassed) leave unmodified through RxIf.
func (p *Packet) Egress() uint32 {
	if p.TxIf != 0 {
		return p.TxIf
	}
	return p.RxIf
}

// Counters are the per-batch totals handed to the statistics sink.
type Counters struct {
	Packets   uint64 `json:"packets"`   // packets forwarded, counted or not (always len(batch))
	NewFlows  uint64 `json:"new_flows"` // records inserted
	Malformed uint64 `json:"malformed"` // frames with no derivable key
	Dropped   uint64 `json:"dropped"`   // count updates lost to capacity exhaustion
	Bypassed  uint64 `json:"bypassed"`  // packets from interfaces with counting disabled
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Packets += o.Packets
	c.NewFlows += o.NewFlows
	c.Malformed += o.Malformed
	c.Dropped += o.Dropped
	c.Bypassed += o.Bypassed
}

// Policy makes the forwarding decision for a counted packet.
type Policy func(p *Packet)

// Reflect sends the packet back out the interface it arrived on.
func Reflect(p *Packet) { p.TxIf = p.RxIf }

// Gate reports whether counting is enabled for an ingress interface.
// Implementations must be safe to call from any worker without blocking.
type Gate interface {
	Enabled(ifindex uint32) bool
}

// allowAll is the Gate used when none is configured.
type allowAll struct{}

func (allowAll) Enabled(uint32) bool { return true }
