package flow_test

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/psaab/flowcounter/pkg/flow"
	"github.com/psaab/flowcounter/pkg/pktgen"
)

func mustUDP(t *testing.T, tp pktgen.Tuple) []byte {
	t.Helper()
	frame, err := pktgen.BuildUDP(tp, []byte("payload"))
	if err != nil {
		t.Fatalf("BuildUDP: %v", err)
	}
	return frame
}

func testTuple() pktgen.Tuple {
	return pktgen.Tuple{
		Src:     netip.MustParseAddr("10.0.1.1"),
		Dst:     netip.MustParseAddr("10.0.2.1"),
		SrcPort: 1000,
		DstPort: 53,
	}
}

func TestDeriveUDP(t *testing.T) {
	frame := mustUDP(t, testTuple())

	k, ok := flow.Derive(frame)
	if !ok {
		t.Fatal("Derive returned !ok for a well-formed frame")
	}
	want := flow.MakeKey([4]byte{10, 0, 1, 1}, [4]byte{10, 0, 2, 1}, 1000, 53)
	if k != want {
		t.Fatalf("key = %#x, want %#x", k, want)
	}
	if k[0] != 0x0a0001010a000201 {
		t.Errorf("word0 = %#x, want 0x0a0001010a000201", k[0])
	}
	if k[1] != uint64(1000)<<16|53 {
		t.Errorf("word1 = %#x, want %#x", k[1], uint64(1000)<<16|53)
	}
	if got := k.SrcAddr().String(); got != "10.0.1.1" {
		t.Errorf("SrcAddr = %s, want 10.0.1.1", got)
	}
	if got := k.DstAddr().String(); got != "10.0.2.1" {
		t.Errorf("DstAddr = %s, want 10.0.2.1", got)
	}
	if k.SrcPort() != 1000 || k.DstPort() != 53 {
		t.Errorf("ports = %d/%d, want 1000/53", k.SrcPort(), k.DstPort())
	}
	if s := k.String(); s != "10.0.1.1:1000 -> 10.0.2.1:53" {
		t.Errorf("String = %q", s)
	}
}

func TestDeriveIdempotent(t *testing.T) {
	for _, tp := range pktgen.Tuples(64) {
		frame := mustUDP(t, tp)
		k1, ok1 := flow.Derive(frame)
		k2, ok2 := flow.Derive(frame)
		if !ok1 || !ok2 {
			t.Fatalf("Derive(%v) not ok", tp)
		}
		if k1 != k2 {
			t.Fatalf("Derive not idempotent: %#x vs %#x", k1, k2)
		}
	}
}

func TestDeriveTCP(t *testing.T) {
	frame, err := pktgen.BuildTCP(testTuple())
	if err != nil {
		t.Fatalf("BuildTCP: %v", err)
	}
	k, ok := flow.Derive(frame)
	if !ok {
		t.Fatal("Derive returned !ok for TCP frame")
	}
	if k.SrcPort() != 1000 || k.DstPort() != 53 {
		t.Errorf("ports = %d/%d, want 1000/53", k.SrcPort(), k.DstPort())
	}
}

func TestDeriveVLAN(t *testing.T) {
	plain := mustUDP(t, testTuple())
	tagged := make([]byte, 0, len(plain)+4)
	tagged = append(tagged, plain[:12]...)
	tagged = append(tagged, 0x81, 0x00, 0x00, 0x64) // VLAN 100
	tagged = append(tagged, plain[12:]...)

	k, ok := flow.Derive(tagged)
	if !ok {
		t.Fatal("Derive returned !ok for tagged frame")
	}
	want, _ := flow.Derive(plain)
	if k != want {
		t.Fatalf("tagged key = %#x, want %#x", k, want)
	}
}

func TestDeriveIHLOptions(t *testing.T) {
	plain := mustUDP(t, testTuple())
	// Insert 4 bytes of IP options (NOP padding) and bump IHL to 6.
	withOpts := make([]byte, 0, len(plain)+4)
	withOpts = append(withOpts, plain[:34]...)
	withOpts = append(withOpts, 0x01, 0x01, 0x01, 0x00)
	withOpts = append(withOpts, plain[34:]...)
	withOpts[14] = 0x46

	k, ok := flow.Derive(withOpts)
	if !ok {
		t.Fatal("Derive returned !ok with IP options")
	}
	if k.SrcPort() != 1000 || k.DstPort() != 53 {
		t.Fatalf("ports = %d/%d, want 1000/53", k.SrcPort(), k.DstPort())
	}
}

func TestDeriveMalformed(t *testing.T) {
	good := mustUDP(t, testTuple())

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short ethernet", good[:10]},
		{"ethernet only", good[:14]},
		{"truncated ip", good[:30]},
		{"truncated ports", good[:36]},
		{"not ipv4 ethertype", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[12:14], 0x86dd)
			return b
		})},
		{"ip version 6", mutate(func(b []byte) []byte {
			b[14] = 0x65
			return b
		})},
		{"ihl too small", mutate(func(b []byte) []byte {
			b[14] = 0x44
			return b
		})},
		{"ihl beyond frame", mutate(func(b []byte) []byte {
			b[14] = 0x4f
			return b[:60]
		})},
		{"icmp", mutate(func(b []byte) []byte {
			b[23] = 1
			return b
		})},
		{"non-first fragment", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[20:22], 0x0010)
			return b
		})},
		{"truncated vlan", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[12:14], 0x8100)
			return b[:16]
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if k, ok := flow.Derive(tt.frame); ok {
				t.Fatalf("Derive ok = true (key %#x), want false", k)
			}
		})
	}
}

func TestDeriveFirstFragmentWithMF(t *testing.T) {
	frame := mustUDP(t, testTuple())
	// More-fragments flag set, offset 0: ports are still present.
	binary.BigEndian.PutUint16(frame[20:22], 0x2000)
	if _, ok := flow.Derive(frame); !ok {
		t.Fatal("first fragment should derive a key")
	}
}
