package pktgen

import (
	"context"
	"testing"

	"github.com/psaab/flowcounter/pkg/flow"
	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/pipeline"
)

func TestSourceSplitsFlows(t *testing.T) {
	s, err := NewSource(10, 3, 5)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	want := []int{4, 3, 3}
	for core, n := range want {
		if got := s.Flows(core); got != n {
			t.Errorf("core %d flows = %d, want %d", core, got, n)
		}
	}

	// No key may appear on two cores.
	seen := map[flow.Key]int{}
	for core := 0; core < 3; core++ {
		batch := make([]pipeline.Packet, s.Flows(core))
		n, err := s.Receive(context.Background(), core, batch)
		if err != nil || n != len(batch) {
			t.Fatalf("Receive core %d = %d, %v", core, n, err)
		}
		for _, p := range batch[:n] {
			k, ok := flow.Derive(p.Data)
			if !ok {
				t.Fatalf("core %d: frame without key", core)
			}
			if prev, dup := seen[k]; dup {
				t.Fatalf("key %v on cores %d and %d", k, prev, core)
			}
			seen[k] = core
			if p.RxIf != 5 {
				t.Fatalf("RxIf = %d, want 5", p.RxIf)
			}
		}
	}
	if len(seen) != 10 {
		t.Fatalf("distinct keys = %d, want 10", len(seen))
	}
}

func TestSourceRoundRobin(t *testing.T) {
	s, err := NewSource(3, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	batch := make([]pipeline.Packet, 7)
	if _, err := s.Receive(context.Background(), 0, batch); err != nil {
		t.Fatal(err)
	}
	for i, p := range batch {
		if p.Handle != uint32(i%3) {
			t.Fatalf("batch[%d].Handle = %d, want %d", i, p.Handle, i%3)
		}
	}
	// The cursor carries over to the next batch.
	if _, err := s.Receive(context.Background(), 0, batch[:1]); err != nil {
		t.Fatal(err)
	}
	if batch[0].Handle != 1 {
		t.Fatalf("next Handle = %d, want 1", batch[0].Handle)
	}
}

func TestSourceIdleCore(t *testing.T) {
	s, err := NewSource(1, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.Receive(context.Background(), 1, make([]pipeline.Packet, 4))
	if err != nil || n != 0 {
		t.Fatalf("Receive idle core = %d, %v, want 0, nil", n, err)
	}
}

func TestSourceCancelled(t *testing.T) {
	s, err := NewSource(1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Receive(ctx, 0, make([]pipeline.Packet, 1)); err == nil {
		t.Fatal("Receive on cancelled context succeeded")
	}
}

func TestNewSourceRejects(t *testing.T) {
	if _, err := NewSource(0, 1, 1); err == nil {
		t.Error("zero flows accepted")
	}
	if _, err := NewSource(1, 0, 1); err == nil {
		t.Error("zero cores accepted")
	}
}

func TestDiscard(t *testing.T) {
	var d Discard
	d.Transmit(0, []pipeline.Packet{{TxIf: 2}, {RxIf: 4}, {TxIf: 3}, {}})
	if d.Sent() != 3 || d.Passed() != 1 || d.Skipped() != 1 {
		t.Fatalf("sent = %d, passed = %d, skipped = %d, want 3, 1, 1", d.Sent(), d.Passed(), d.Skipped())
	}
}

// Every packet the engine reports as forwarded reaches the sink, including
// malformed ones, which leave unmodified through their ingress interface.
func TestForwardedMatchesSent(t *testing.T) {
	tbl, err := flowtable.New(flowtable.Config{Name: "test", Buckets: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	good, err := BuildUDP(Tuples(1)[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	short := []byte{0x01, 0x02, 0x03}
	batch := []pipeline.Packet{
		{Handle: 0, Data: good, RxIf: 7},
		{Handle: 1, Data: short, RxIf: 7},
	}
	c := pipeline.NewEngine(pipeline.Options{}).Process(tbl, batch, nil)

	var d Discard
	d.Transmit(0, batch)
	if c.Packets != 2 || c.Malformed != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if d.Sent() != c.Packets {
		t.Fatalf("sent = %d, forwarded = %d", d.Sent(), c.Packets)
	}
	if d.Passed() != 1 || d.Skipped() != 0 {
		t.Fatalf("passed = %d, skipped = %d, want 1, 0", d.Passed(), d.Skipped())
	}
	if batch[1].Egress() != 7 || string(batch[1].Data) != string(short) {
		t.Fatalf("malformed packet egress = %d, data = %x", batch[1].Egress(), batch[1].Data)
	}
}
