// Package pktgen builds synthetic Ethernet/IPv4/UDP traffic for running the
// dataplane without a NIC and for tests.
package pktgen

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Tuple describes one synthetic flow.
type Tuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
}

var (
	defaultSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	defaultDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// BuildUDP serializes an Ethernet/IPv4/UDP frame for t with the given
// payload, computing lengths and checksums.
func BuildUDP(t Tuple, payload []byte) ([]byte, error) {
	if !t.Src.Is4() || !t.Dst.Is4() {
		return nil, fmt.Errorf("tuple %v -> %v: IPv4 addresses required", t.Src, t.Dst)
	}
	eth := &layers.Ethernet{
		SrcMAC:       defaultSrcMAC,
		DstMAC:       defaultDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    t.Src.AsSlice(),
		DstIP:    t.Dst.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(t.SrcPort),
		DstPort: layers.UDPPort(t.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("udp checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildTCP serializes an Ethernet/IPv4/TCP SYN frame for t.
func BuildTCP(t Tuple) ([]byte, error) {
	if !t.Src.Is4() || !t.Dst.Is4() {
		return nil, fmt.Errorf("tuple %v -> %v: IPv4 addresses required", t.Src, t.Dst)
	}
	eth := &layers.Ethernet{
		SrcMAC:       defaultSrcMAC,
		DstMAC:       defaultDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    t.Src.AsSlice(),
		DstIP:    t.Dst.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(t.SrcPort),
		DstPort: layers.TCPPort(t.DstPort),
		SYN:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("tcp checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Tuples returns n distinct flows: sources walk 10.0.0.0/8, destination is
// fixed, source ports cycle through the ephemeral range.
func Tuples(n int) []Tuple {
	out := make([]Tuple, n)
	dst := netip.AddrFrom4([4]byte{192, 0, 2, 1})
	for i := range out {
		out[i] = Tuple{
			Src:     netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)}),
			Dst:     dst,
			SrcPort: uint16(49152 + i%16384),
			DstPort: 4789,
		}
	}
	return out
}
