//go:build linux

package flowtable

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// arena is an anonymous private mapping. Pages are committed on first touch,
// so a generous budget only costs address space until flows arrive.
type arena struct {
	mem []byte
}

func reserve(size uint64) (*arena, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, err
	}
	if err := unix.Madvise(mem, unix.MADV_HUGEPAGE); err != nil {
		slog.Debug("flowtable: transparent hugepages unavailable", "err", err)
	}
	return &arena{mem: mem}, nil
}

func (a *arena) bytes() []byte { return a.mem }

func (a *arena) release() error {
	return unix.Munmap(a.mem)
}
