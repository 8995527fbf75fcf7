//go:build linux

package dataplane

import "golang.org/x/sys/unix"

// pinToCPU restricts the calling OS thread to cpu. The caller must have
// locked the goroutine to its thread.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
