//go:build !linux

package flowtable

// arena falls back to the Go heap where anonymous mappings are not wired up.
// Buckets and records hold no pointers, so the collector never scans them.
type arena struct {
	mem []byte
}

func reserve(size uint64) (*arena, error) {
	return &arena{mem: make([]byte, size)}, nil
}

func (a *arena) bytes() []byte { return a.mem }

func (a *arena) release() error {
	a.mem = nil
	return nil
}
