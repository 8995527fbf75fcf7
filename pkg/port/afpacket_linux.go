//go:build linux

package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/psaab/flowcounter/pkg/pipeline"
)

// AFPacket receives on one socket per (core, interface). The sockets of an
// interface form a PACKET_FANOUT_HASH group, so the kernel steers all
// packets of a flow to the same core.
type AFPacket struct {
	cfg   Config
	cores []*coreSockets
}

type coreSockets struct {
	rx      []int // one per interface
	ifindex []uint32
	polls   []unix.PollFd
	tx      int
	txAddr  unix.SockaddrLinklayer
	buf     []byte // BatchSize frames of FrameSize bytes
}

// Open creates and binds every socket. It needs CAP_NET_RAW.
func Open(cfg Config) (*AFPacket, error) {
	if len(cfg.Interfaces) == 0 {
		return nil, ErrNoInterfaces
	}
	if cfg.Cores < 1 {
		return nil, fmt.Errorf("core count must be at least 1, got %d", cfg.Cores)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = pipeline.DefaultBatchSize
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.PollMillis <= 0 {
		cfg.PollMillis = 100
	}

	p := &AFPacket{cfg: cfg}
	for core := 0; core < cfg.Cores; core++ {
		cs := &coreSockets{
			tx:  -1,
			buf: make([]byte, cfg.BatchSize*cfg.FrameSize),
		}
		p.cores = append(p.cores, cs)
		for _, ifc := range cfg.Interfaces {
			fd, err := openRx(ifc, fanoutGroup(ifc.Index))
			if err != nil {
				p.Close()
				return nil, err
			}
			cs.rx = append(cs.rx, fd)
			cs.ifindex = append(cs.ifindex, ifc.Index)
			cs.polls = append(cs.polls, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		// Protocol 0: the transmit socket never receives.
		fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("tx socket: %w", err)
		}
		cs.tx = fd
	}

	names := make([]string, 0, len(cfg.Interfaces))
	for _, ifc := range cfg.Interfaces {
		names = append(names, ifc.Name)
	}
	slog.Info("AF_PACKET ports open", "interfaces", names, "cores", cfg.Cores)
	return p, nil
}

// fanoutGroup picks a group id unique to this process and interface.
func fanoutGroup(ifindex uint32) uint16 {
	return uint16(os.Getpid()) ^ uint16(ifindex)<<8 ^ uint16(ifindex)
}

func openRx(ifc Interface, group uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return -1, fmt.Errorf("%s: socket: %w", ifc.Name, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  int(ifc.Index),
	}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%s: bind: %w", ifc.Name, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_FANOUT,
		fanoutArg(group, unix.PACKET_FANOUT_HASH)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%s: fanout: %w", ifc.Name, err)
	}
	// Older kernels lack this; outgoing frames are also filtered in Receive.
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_IGNORE_OUTGOING, 1); err != nil {
		slog.Debug("PACKET_IGNORE_OUTGOING unavailable", "interface", ifc.Name, "err", err)
	}
	return fd, nil
}

// Receive waits up to the poll interval for traffic on any of the core's
// interfaces and drains what is queued, up to len(batch) frames. Packet
// data points into the core's buffer and is valid until the next Receive
// for that core.
func (p *AFPacket) Receive(ctx context.Context, core int, batch []pipeline.Packet) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cs := p.cores[core]
	limit := min(len(batch), p.cfg.BatchSize)

	n, err := unix.Poll(cs.polls, p.cfg.PollMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	got := 0
	for i := range cs.polls {
		if cs.polls[i].Revents&unix.POLLIN == 0 {
			continue
		}
		for got < limit {
			slot := cs.buf[got*p.cfg.FrameSize : (got+1)*p.cfg.FrameSize]
			n, from, err := unix.Recvfrom(cs.rx[i], slot, unix.MSG_DONTWAIT)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					break
				}
				return got, fmt.Errorf("recv ifindex %d: %w", cs.ifindex[i], err)
			}
			if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
				continue
			}
			batch[got] = pipeline.Packet{
				Handle: uint32(got),
				Data:   slot[:n],
				RxIf:   cs.ifindex[i],
			}
			got++
		}
	}
	return got, nil
}

// Transmit sends every packet out of its egress interface; packets the
// policy left alone go back out RxIf unmodified. Send failures do not stop
// the batch; the first one is returned.
func (p *AFPacket) Transmit(core int, batch []pipeline.Packet) error {
	cs := p.cores[core]
	var first error
	for i := range batch {
		pkt := &batch[i]
		out := pkt.Egress()
		if out == 0 {
			continue
		}
		cs.txAddr.Ifindex = int(out)
		cs.txAddr.Protocol = htons(etherType(pkt.Data))
		if err := unix.Sendto(cs.tx, pkt.Data, 0, &cs.txAddr); err != nil && first == nil {
			first = fmt.Errorf("send ifindex %d: %w", out, err)
		}
	}
	return first
}

// Close closes every socket.
func (p *AFPacket) Close() error {
	var errs []error
	for _, cs := range p.cores {
		for _, fd := range cs.rx {
			if err := unix.Close(fd); err != nil {
				errs = append(errs, err)
			}
		}
		if cs.tx >= 0 {
			if err := unix.Close(cs.tx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	p.cores = nil
	return errors.Join(errs...)
}
