//go:build !linux

package dataplane

import "errors"

func pinToCPU(int) error {
	return errors.New("cpu pinning not supported on this platform")
}
