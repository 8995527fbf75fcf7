package pipeline_test

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/psaab/flowcounter/pkg/flow"
	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/pipeline"
	"github.com/psaab/flowcounter/pkg/pktgen"
)

func newTable(t *testing.T, cfg flowtable.Config) *flowtable.Table {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test_0"
	}
	tbl, err := flowtable.New(cfg)
	if err != nil {
		t.Fatalf("flowtable.New: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

// frames builds one UDP frame per flow index.
func frames(t *testing.T, n int) [][]byte {
	t.Helper()
	out := make([][]byte, n)
	for i, tp := range pktgen.Tuples(n) {
		f, err := pktgen.BuildUDP(tp, nil)
		if err != nil {
			t.Fatalf("BuildUDP: %v", err)
		}
		out[i] = f
	}
	return out
}

func keyOf(t *testing.T, frame []byte) flow.Key {
	t.Helper()
	k, ok := flow.Derive(frame)
	if !ok {
		t.Fatal("frame has no key")
	}
	return k
}

// batch builds packets whose i-th element carries flows[seq[i]], arriving
// on interface 3.
func batch(flows [][]byte, seq []int) []pipeline.Packet {
	pkts := make([]pipeline.Packet, len(seq))
	for i, f := range seq {
		pkts[i] = pipeline.Packet{Handle: uint32(100 + i), Data: flows[f], RxIf: 3, TxIf: 0}
	}
	return pkts
}

func TestEmptyBatch(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 8})
	for _, d := range []int{1, 4} {
		e := pipeline.NewEngine(pipeline.Options{Depth: d})
		c := e.Process(tbl, nil, nil)
		if c != (pipeline.Counters{}) {
			t.Fatalf("depth %d: counters = %+v, want zero", d, c)
		}
	}
	if tbl.Len() != 0 {
		t.Fatalf("table len = %d, want 0", tbl.Len())
	}
}

func TestSinglePacket(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 8})
	flows := frames(t, 1)
	k := keyOf(t, flows[0])

	if _, ok := tbl.Lookup(k); ok {
		t.Fatal("key present before processing")
	}
	pkts := batch(flows, []int{0})
	c := pipeline.NewEngine(pipeline.Options{}).Process(tbl, pkts, nil)

	if got, ok := tbl.Lookup(k); !ok || got != 1 {
		t.Fatalf("Lookup = %d, %v; want 1, true", got, ok)
	}
	if c.NewFlows != 1 || c.Packets != 1 {
		t.Fatalf("counters = %+v, want 1 new flow, 1 packet", c)
	}
	if pkts[0].TxIf != 3 {
		t.Fatalf("TxIf = %d, want 3 (reflected)", pkts[0].TxIf)
	}
}

func TestCountingCorrectness(t *testing.T) {
	for _, d := range []int{1, 2, 4, 6} {
		tbl := newTable(t, flowtable.Config{Buckets: 64})
		flows := frames(t, 1)
		e := pipeline.NewEngine(pipeline.Options{Depth: d, BatchSize: 32})

		const n = 1000
		seq := make([]int, n)
		c := e.Process(tbl, batch(flows, seq), nil)

		if got, _ := tbl.Lookup(keyOf(t, flows[0])); got != n {
			t.Fatalf("depth %d: count = %d, want %d", d, got, n)
		}
		if c.NewFlows != 1 {
			t.Fatalf("depth %d: new flows = %d, want 1", d, c.NewFlows)
		}
		if c.Packets != n {
			t.Fatalf("depth %d: packets = %d, want %d", d, c.Packets, n)
		}
	}
}

func TestCountsAccumulateAcrossBatches(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 64})
	flows := frames(t, 3)
	e := pipeline.NewEngine(pipeline.Options{Depth: 4})

	first := e.Process(tbl, batch(flows, []int{0, 1, 0}), nil)
	second := e.Process(tbl, batch(flows, []int{2, 0, 1, 2}), nil)

	if first.NewFlows != 2 || second.NewFlows != 1 {
		t.Fatalf("new flows = %d/%d, want 2/1", first.NewFlows, second.NewFlows)
	}
	want := []uint64{3, 2, 2}
	for i, w := range want {
		if got, _ := tbl.Lookup(keyOf(t, flows[i])); got != w {
			t.Errorf("flow %d count = %d, want %d", i, got, w)
		}
	}
}

func TestBatchOrderPreserved(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 64})
	flows := frames(t, 5)
	seq := []int{4, 3, 2, 1, 0, 0, 1, 2, 3, 4, 2, 2, 2}
	pkts := batch(flows, seq)

	pipeline.NewEngine(pipeline.Options{Depth: 4}).Process(tbl, pkts, nil)

	if len(pkts) != len(seq) {
		t.Fatalf("batch length = %d, want %d", len(pkts), len(seq))
	}
	for i := range pkts {
		if pkts[i].Handle != uint32(100+i) {
			t.Fatalf("position %d handle = %d, want %d", i, pkts[i].Handle, 100+i)
		}
		if &pkts[i].Data[0] != &flows[seq[i]][0] {
			t.Fatalf("position %d carries the wrong frame", i)
		}
	}
}

// Capacity 2: K1, K2, K1, K3 -> K1=2, K2=1, K3 dropped, new flows 2, all
// four packets forwarded in order.
func TestCapacityScenario(t *testing.T) {
	for _, d := range []int{1, 4} {
		tbl := newTable(t, flowtable.Config{Buckets: 1, Depth: 2, MemoryBudget: flowtable.BucketBytes(2)})
		flows := frames(t, 3)
		pkts := batch(flows, []int{0, 1, 0, 2})

		c := pipeline.NewEngine(pipeline.Options{Depth: d}).Process(tbl, pkts, nil)

		if got, _ := tbl.Lookup(keyOf(t, flows[0])); got != 2 {
			t.Errorf("depth %d: K1 = %d, want 2", d, got)
		}
		if got, _ := tbl.Lookup(keyOf(t, flows[1])); got != 1 {
			t.Errorf("depth %d: K2 = %d, want 1", d, got)
		}
		if _, ok := tbl.Lookup(keyOf(t, flows[2])); ok {
			t.Errorf("depth %d: K3 should have been dropped", d)
		}
		if c.NewFlows != 2 || c.Dropped != 1 || c.Packets != 4 {
			t.Errorf("depth %d: counters = %+v", d, c)
		}
		for i := range pkts {
			if pkts[i].Handle != uint32(100+i) {
				t.Fatalf("depth %d: order broken at %d", d, i)
			}
			if pkts[i].TxIf != 3 {
				t.Errorf("depth %d: packet %d TxIf = %d, want 3", d, i, pkts[i].TxIf)
			}
		}
	}
}

func TestMalformedForwardedUnmodified(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 8})
	flows := frames(t, 1)
	pkts := []pipeline.Packet{
		{Handle: 1, Data: flows[0], RxIf: 5, TxIf: 9},
		{Handle: 2, Data: []byte{0xde, 0xad}, RxIf: 5, TxIf: 9},
		{Handle: 3, Data: nil, RxIf: 5, TxIf: 9},
		{Handle: 4, Data: flows[0], RxIf: 5, TxIf: 9},
	}
	c := pipeline.NewEngine(pipeline.Options{Depth: 4}).Process(tbl, pkts, nil)

	if c.Malformed != 2 || c.Packets != 4 || c.NewFlows != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if pkts[1].TxIf != 9 || pkts[2].TxIf != 9 {
		t.Fatal("malformed packets must be left untouched")
	}
	if pkts[0].TxIf != 5 || pkts[3].TxIf != 5 {
		t.Fatal("well-formed packets must be reflected")
	}
	if got, _ := tbl.Lookup(keyOf(t, flows[0])); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}

type gateFunc func(uint32) bool

func (g gateFunc) Enabled(i uint32) bool { return g(i) }

func TestGateBypass(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 8})
	flows := frames(t, 1)
	pkts := []pipeline.Packet{
		{Handle: 1, Data: flows[0], RxIf: 1},
		{Handle: 2, Data: flows[0], RxIf: 2},
		{Handle: 3, Data: flows[0], RxIf: 1},
	}
	onlyOne := gateFunc(func(i uint32) bool { return i == 1 })

	c := pipeline.NewEngine(pipeline.Options{}).Process(tbl, pkts, onlyOne)

	if c.Bypassed != 1 || c.Packets != 3 {
		t.Fatalf("counters = %+v", c)
	}
	if got, _ := tbl.Lookup(keyOf(t, flows[0])); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	if pkts[1].TxIf != 0 {
		t.Fatalf("bypassed packet TxIf = %d, want 0", pkts[1].TxIf)
	}
}

func TestCustomPolicy(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 8})
	flows := frames(t, 2)
	pkts := batch(flows, []int{0, 1})
	toUplink := func(p *pipeline.Packet) { p.TxIf = 42 }

	pipeline.NewEngine(pipeline.Options{Policy: toUplink}).Process(tbl, pkts, nil)

	for i := range pkts {
		if pkts[i].TxIf != 42 {
			t.Fatalf("packet %d TxIf = %d, want 42", i, pkts[i].TxIf)
		}
	}
}

// Output, table content and counters must be identical for every depth.
func TestDepthDoesNotChangeResult(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	flows := frames(t, 40)
	flows = append(flows, []byte{1, 2, 3}) // malformed

	seqs := make([][]int, 20)
	for b := range seqs {
		seqs[b] = make([]int, rng.Intn(300))
		for i := range seqs[b] {
			seqs[b][i] = rng.Intn(len(flows))
		}
	}

	type result struct {
		counters pipeline.Counters
		records  map[flow.Key]uint64
		tx       []uint32
	}
	runWith := func(depth int) result {
		// Tight budget so some inserts hit capacity exhaustion.
		tbl := newTable(t, flowtable.Config{Buckets: 4, Depth: 2, MemoryBudget: flowtable.BucketBytes(2) * 12})
		e := pipeline.NewEngine(pipeline.Options{Depth: depth, BatchSize: 64})
		gate := gateFunc(func(i uint32) bool { return i != 7 })

		var r result
		for _, seq := range seqs {
			pkts := batch(flows, seq)
			for i := range pkts {
				pkts[i].RxIf = uint32(i % 9)
			}
			r.counters.Add(e.Process(tbl, pkts, gate))
			for _, p := range pkts {
				r.tx = append(r.tx, p.TxIf)
			}
		}
		r.records = make(map[flow.Key]uint64)
		tbl.Iterate(func(rec flowtable.Record) bool {
			r.records[rec.Key] = rec.Count
			return true
		})
		return r
	}

	base := runWith(1)
	if base.counters.Dropped == 0 {
		t.Fatal("test setup should exercise capacity exhaustion")
	}
	for _, d := range []int{2, 3, 4, 5, 6, 8, 16} {
		got := runWith(d)
		if got.counters != base.counters {
			t.Fatalf("depth %d counters = %+v, want %+v", d, got.counters, base.counters)
		}
		if len(got.records) != len(base.records) {
			t.Fatalf("depth %d: %d records, want %d", d, len(got.records), len(base.records))
		}
		for k, v := range base.records {
			if got.records[k] != v {
				t.Fatalf("depth %d: key %v = %d, want %d", d, k, got.records[k], v)
			}
		}
		for i := range base.tx {
			if got.tx[i] != base.tx[i] {
				t.Fatalf("depth %d: TxIf[%d] = %d, want %d", d, i, got.tx[i], base.tx[i])
			}
		}
	}
}

func TestProcessNoAlloc(t *testing.T) {
	tbl := newTable(t, flowtable.Config{Buckets: 256})
	flows := frames(t, 64)
	seq := make([]int, 256)
	for i := range seq {
		seq[i] = i % len(flows)
	}
	pkts := batch(flows, seq)
	e := pipeline.NewEngine(pipeline.Options{Depth: 4})

	allocs := testing.AllocsPerRun(20, func() {
		e.Process(tbl, pkts, nil)
	})
	if allocs != 0 {
		t.Fatalf("allocs per batch = %v, want 0", allocs)
	}
}

func TestNewEngineClampsDepth(t *testing.T) {
	if d := pipeline.NewEngine(pipeline.Options{Depth: -3}).Depth(); d != 1 {
		t.Errorf("depth = %d, want 1", d)
	}
	if d := pipeline.NewEngine(pipeline.Options{Depth: 1000}).Depth(); d != pipeline.MaxDepth {
		t.Errorf("depth = %d, want %d", d, pipeline.MaxDepth)
	}
}

func TestLookupVariant(t *testing.T) {
	v, err := pipeline.LookupVariant("")
	if err != nil || v.Name != pipeline.VariantFlowCounter {
		t.Fatalf("default variant = %+v, %v", v, err)
	}
	v, err = pipeline.LookupVariant(pipeline.VariantCPolicer)
	if err != nil {
		t.Fatal(err)
	}
	if v.Buckets != 4194304 || v.PipelineDepth != 4 {
		t.Errorf("cpolicer = %+v", v)
	}
	p := pipeline.Packet{RxIf: 8}
	v.Policy(&p)
	if p.TxIf != 8 {
		t.Errorf("policy TxIf = %d, want 8", p.TxIf)
	}
	if _, err := pipeline.LookupVariant("nope"); err == nil {
		t.Fatal("expected error for unknown variant")
	}
	if len(pipeline.VariantNames()) != 5 {
		t.Errorf("variants = %v", pipeline.VariantNames())
	}
}

func BenchmarkProcess(b *testing.B) {
	for _, bc := range []struct {
		name  string
		depth int
	}{{"single", 1}, {"pipelined", 4}} {
		b.Run(bc.name, func(b *testing.B) {
			tbl, err := flowtable.New(flowtable.Config{Name: "bench", Buckets: 1 << 16, MemoryBudget: flowtable.BucketBytes(4) << 17})
			if err != nil {
				b.Fatal(err)
			}
			defer tbl.Close()
			var pkts []pipeline.Packet
			for i, tp := range pktgen.Tuples(pipeline.DefaultBatchSize) {
				tp.Src = netip.AddrFrom4([4]byte{10, 1, byte(i >> 8), byte(i)})
				f, _ := pktgen.BuildUDP(tp, nil)
				pkts = append(pkts, pipeline.Packet{Handle: uint32(i), Data: f, RxIf: 1})
			}
			e := pipeline.NewEngine(pipeline.Options{Depth: bc.depth})
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				e.Process(tbl, pkts, nil)
			}
		})
	}
}
