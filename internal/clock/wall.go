package clock

import (
	"sync/atomic"
	"time"
)

// MicrosecondRate is the native rate of WallClock.
const MicrosecondRate = 1_000_000

// WallClock is the native clock of transports without a frame clock. It
// counts microseconds since it was created.
type WallClock struct {
	epoch time.Time
}

// NewWallClock starts a wall clock now.
func NewWallClock() *WallClock {
	return &WallClock{epoch: time.Now()}
}

// Rate implements contracts.NativeClock.
func (w *WallClock) Rate() uint32 { return MicrosecondRate }

// Now implements contracts.NativeClock.
func (w *WallClock) Now() uint64 {
	return uint64(time.Since(w.epoch).Microseconds())
}

// At converts an absolute time to the clock's domain.
func (w *WallClock) At(t time.Time) uint64 {
	d := t.Sub(w.epoch)
	if d < 0 {
		return 0
	}
	return uint64(d.Microseconds())
}

// ManualClock is a settable clock for transports driven by tests.
type ManualClock struct {
	rate uint32
	now  atomic.Uint64
}

// NewManualClock returns a clock at position zero.
func NewManualClock(rate uint32) *ManualClock {
	return &ManualClock{rate: rate}
}

func (m *ManualClock) Rate() uint32 { return m.rate }
func (m *ManualClock) Now() uint64  { return m.now.Load() }

// Set moves the clock.
func (m *ManualClock) Set(now uint64) { m.now.Store(now) }

// Advance moves the clock forward.
func (m *ManualClock) Advance(d uint64) { m.now.Add(d) }
