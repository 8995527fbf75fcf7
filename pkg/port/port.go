// Package port moves frames between network interfaces and the dataplane
// workers using AF_PACKET sockets.
package port

import (
	"encoding/binary"
	"errors"
)

// DefaultFrameSize covers a 1500-byte MTU plus link-layer headers.
const DefaultFrameSize = 2048

// Interface is a port to attach to.
type Interface struct {
	Name  string
	Index uint32
}

// Config describes the sockets to open.
type Config struct {
	Interfaces []Interface
	Cores      int
	BatchSize  int
	FrameSize  int // 0 = DefaultFrameSize
	PollMillis int // receive wait per call; 0 = 100
}

// ErrNoInterfaces is returned when Config names no interface.
var ErrNoInterfaces = errors.New("no interfaces configured")

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.NativeEndian.Uint16(b)
}

// etherType returns the EtherType of an Ethernet frame, 0 if too short.
func etherType(frame []byte) uint16 {
	if len(frame) < 14 {
		return 0
	}
	return binary.BigEndian.Uint16(frame[12:14])
}

// fanoutArg builds the PACKET_FANOUT option value: the group id in the low
// 16 bits, the mode in the high 16.
func fanoutArg(group uint16, mode int) int {
	return int(group) | mode<<16
}
