//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package ringbuf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Lock pins the slot array in RAM so a driver callback never takes a page fault.
func (r *Ring[T]) Lock() error {
	b := r.bytes()
	if len(b) == 0 || r.locked {
		return nil
	}
	if err := unix.Mlock(b); err != nil {
		return fmt.Errorf("locking ring buffer: %w", err)
	}
	r.locked = true
	return nil
}

// Unlock releases a previous Lock.
func (r *Ring[T]) Unlock() error {
	if !r.locked {
		return nil
	}
	r.locked = false
	if err := unix.Munlock(r.bytes()); err != nil {
		return fmt.Errorf("unlocking ring buffer: %w", err)
	}
	return nil
}

func (r *Ring[T]) bytes() []byte {
	if len(r.slots) == 0 {
		return nil
	}
	size := int(unsafe.Sizeof(r.slots[0])) * len(r.slots)
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.slots[0])), size)
}
