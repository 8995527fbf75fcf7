// Package flow derives fixed-size flow keys from raw Ethernet frames.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Frame layout constants.
const (
	ethHdrLen  = 14
	vlanHdrLen = 4

	etherTypeIPv4 = 0x0800
	etherTypeVLAN = 0x8100

	ipv4MinHdrLen = 20
	l4PortsLen    = 4 // src port + dst port

	protoTCP = 6
	protoUDP = 17
)

// Key identifies a flow by its IPv4 4-tuple, packed into two words:
//
//	Key[0] = srcIP<<32 | dstIP
//	Key[1] = srcPort<<16 | dstPort
//
// Addresses and ports are in host order. Equality is bitwise.
type Key [2]uint64

// MakeKey packs a 4-tuple into a Key.
func MakeKey(src, dst [4]byte, srcPort, dstPort uint16) Key {
	return Key{
		uint64(binary.BigEndian.Uint32(src[:]))<<32 | uint64(binary.BigEndian.Uint32(dst[:])),
		uint64(srcPort)<<16 | uint64(dstPort),
	}
}

// SrcAddr returns the source address.
func (k Key) SrcAddr() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(k[0]>>32))
	return netip.AddrFrom4(b)
}

// DstAddr returns the destination address.
func (k Key) DstAddr() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(k[0]))
	return netip.AddrFrom4(b)
}

// SrcPort returns the source port.
func (k Key) SrcPort() uint16 { return uint16(k[1] >> 16) }

// DstPort returns the destination port.
func (k Key) DstPort() uint16 { return uint16(k[1]) }

func (k Key) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", k.SrcAddr(), k.SrcPort(), k.DstAddr(), k.DstPort())
}

// Derive extracts the flow key from an Ethernet frame carrying IPv4 and a
// UDP-shaped transport header (UDP or TCP, whose ports sit at the same
// offsets). A single 802.1Q tag is skipped.
//
// ok is false when the frame is too short, is not IPv4, has a bad IHL, is a
// non-first fragment, or carries another transport protocol. Derive never
// reads past len(frame) and does not allocate.
func Derive(frame []byte) (k Key, ok bool) {
	if len(frame) < ethHdrLen {
		return Key{}, false
	}
	off := ethHdrLen
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType == etherTypeVLAN {
		if len(frame) < ethHdrLen+vlanHdrLen {
			return Key{}, false
		}
		etherType = binary.BigEndian.Uint16(frame[16:18])
		off += vlanHdrLen
	}
	if etherType != etherTypeIPv4 {
		return Key{}, false
	}

	ip := frame[off:]
	if len(ip) < ipv4MinHdrLen || ip[0]>>4 != 4 {
		return Key{}, false
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4MinHdrLen || len(ip) < ihl+l4PortsLen {
		return Key{}, false
	}
	// Fragment offset != 0 means no transport header in this fragment.
	if binary.BigEndian.Uint16(ip[6:8])&0x1fff != 0 {
		return Key{}, false
	}
	if proto := ip[9]; proto != protoUDP && proto != protoTCP {
		return Key{}, false
	}

	l4 := ip[ihl:]
	k[0] = uint64(binary.BigEndian.Uint32(ip[12:16]))<<32 | uint64(binary.BigEndian.Uint32(ip[16:20]))
	k[1] = uint64(binary.BigEndian.Uint16(l4[0:2]))<<16 | uint64(binary.BigEndian.Uint16(l4[2:4]))
	return k, true
}
