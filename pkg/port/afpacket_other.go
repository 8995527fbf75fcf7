//go:build !linux

package port

import (
	"context"
	"errors"

	"github.com/psaab/flowcounter/pkg/pipeline"
)

// AFPacket is only available on Linux.
type AFPacket struct{}

// Open always fails off Linux.
func Open(cfg Config) (*AFPacket, error) {
	if len(cfg.Interfaces) == 0 {
		return nil, ErrNoInterfaces
	}
	return nil, errors.New("AF_PACKET ports require linux")
}

func (*AFPacket) Receive(context.Context, int, []pipeline.Packet) (int, error) {
	return 0, errors.New("AF_PACKET ports require linux")
}

func (*AFPacket) Transmit(int, []pipeline.Packet) error {
	return errors.New("AF_PACKET ports require linux")
}

func (*AFPacket) Close() error { return nil }
