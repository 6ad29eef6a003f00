//go:build !linux && !darwin && !freebsd
// +build !linux,!darwin,!freebsd

package ringbuf

import "errors"

// ErrLockUnsupported is returned where mlock(2) is unavailable.
var ErrLockUnsupported = errors.New("memory locking not supported on this platform")

// Lock is not supported on this platform.
func (r *Ring[T]) Lock() error {
	return ErrLockUnsupported
}

// Unlock is a no-op on this platform.
func (r *Ring[T]) Unlock() error {
	return nil
}
