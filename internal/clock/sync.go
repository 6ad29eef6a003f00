// Package clock converts between logical MIDI pulses and the native time
// domain of the bound transport, and watches for timing desyncs.
package clock

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// Defaults applied when a caller passes a non-positive value.
const (
	DefaultPPQN = 192
	DefaultBPM  = 120.0
	DefaultRate = MicrosecondRate
)

// Synchronizer caches the native-units-per-pulse factor derived from the
// native rate, the tempo and the PPQN. The factor only changes through an
// explicit Recalculate or Retime call.
//
// Recalculate, Retime and the setters belong to the application side. The
// Observe methods and the conversions are safe to call from a driver thread.
type Synchronizer struct {
	mu   sync.Mutex
	rate uint32
	bpm  float64
	ppqn int

	// tb is swapped whole so a driver thread never sees a new factor with
	// an old anchor.
	tb        atomic.Pointer[timebase]
	tolerance atomic.Int64
	autoTol   bool

	count  atomic.Uint64
	reason atomic.Int32
	pulses atomic.Int64

	lastPos atomic.Uint64
	havePos atomic.Bool
}

// timebase maps native positions to pulses: native position origin is pulse
// base, and factor native units make one pulse.
type timebase struct {
	factor float64
	origin uint64
	base   int64
}

// NewSynchronizer builds a synchronizer. A tolerance of zero means ppqn/8.
func NewSynchronizer(rate uint32, ppqn int, bpm float64, tolerance int64) *Synchronizer {
	s := &Synchronizer{rate: DefaultRate, bpm: DefaultBPM, ppqn: DefaultPPQN, autoTol: tolerance <= 0}
	s.tb.Store(&timebase{})
	s.Recalculate(rate, bpm, ppqn)
	if tolerance > 0 {
		s.tolerance.Store(tolerance)
	}
	return s
}

// Recalculate updates the conversion parameters and recomputes the factor.
// Non-positive values keep the previous setting. It reports whether the
// factor changed. The anchor is left alone, so positions already elapsed are
// rescaled; use Retime while the transport is rolling.
func (s *Synchronizer) Recalculate(rate uint32, bpm float64, ppqn int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := *s.tb.Load()
	if !s.update(rate, bpm, ppqn) && tb.factor != 0 {
		return false
	}
	old := tb.factor
	tb.factor = s.factorLocked()
	s.tb.Store(&tb)
	return old != tb.factor
}

// Retime is Recalculate for a rolling transport: the pulse reached at the
// native position now stays where it is and only later positions follow the
// new factor. A PPQN change rescales that pulse to the new resolution.
func (s *Synchronizer) Retime(now uint64, rate uint32, bpm float64, ppqn int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.tb.Load()
	pos := cur.pulseAt(now)
	oldPPQN := s.ppqn
	if !s.update(rate, bpm, ppqn) && cur.factor != 0 {
		return false
	}
	if s.ppqn != oldPPQN {
		pos = int64(math.Round(float64(pos) * float64(s.ppqn) / float64(oldPPQN)))
	}
	f := s.factorLocked()
	s.tb.Store(&timebase{factor: f, origin: now, base: pos})
	return f != cur.factor
}

// update must be called with mu held.
func (s *Synchronizer) update(rate uint32, bpm float64, ppqn int) bool {
	changed := false
	if rate > 0 && rate != s.rate {
		s.rate = rate
		changed = true
	}
	if bpm > 1.0 && bpm != s.bpm {
		s.bpm = bpm
		changed = true
	}
	if ppqn > 0 && ppqn != s.ppqn {
		s.ppqn = ppqn
		changed = true
	}
	return changed
}

// factorLocked must be called with mu held.
func (s *Synchronizer) factorLocked() float64 {
	if s.autoTol {
		tol := int64(s.ppqn / 8)
		if tol < 1 {
			tol = 1
		}
		s.tolerance.Store(tol)
	}
	return float64(s.rate) * 60.0 / (float64(s.ppqn) * s.bpm)
}

// SetBPM changes the tempo.
func (s *Synchronizer) SetBPM(bpm float64) bool {
	return s.Recalculate(0, bpm, 0)
}

// SetPPQN changes the pulse resolution.
func (s *Synchronizer) SetPPQN(ppqn int) bool {
	return s.Recalculate(0, 0, ppqn)
}

// SetRate changes the native rate, e.g. after a JACK sample-rate callback.
func (s *Synchronizer) SetRate(rate uint32) bool {
	return s.Recalculate(rate, 0, 0)
}

// BPM returns the tempo in effect.
func (s *Synchronizer) BPM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpm
}

// PPQN returns the pulse resolution in effect.
func (s *Synchronizer) PPQN() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ppqn
}

// Rate returns the native rate in effect.
func (s *Synchronizer) Rate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Factor returns the cached native units per pulse.
func (s *Synchronizer) Factor() float64 {
	return s.tb.Load().factor
}

// Tolerance returns the desync tolerance in pulses.
func (s *Synchronizer) Tolerance() int64 {
	return s.tolerance.Load()
}

// PulseToNative converts a pulse to native units, rounding to nearest.
func (s *Synchronizer) PulseToNative(p int64) uint64 {
	return s.tb.Load().toNative(p)
}

// NativeToPulse converts native units to pulses, rounding to nearest.
func (s *Synchronizer) NativeToPulse(n uint64) int64 {
	return s.tb.Load().toPulse(n)
}

func (tb *timebase) toNative(p int64) uint64 {
	if p <= 0 {
		return 0
	}
	return uint64(math.Round(float64(p) * tb.factor))
}

func (tb *timebase) toPulse(n uint64) int64 {
	if tb.factor == 0 {
		return 0
	}
	return int64(math.Round(float64(n) / tb.factor))
}

func (tb *timebase) pulseAt(native uint64) int64 {
	if native < tb.origin {
		return tb.base - tb.toPulse(tb.origin-native)
	}
	return tb.base + tb.toPulse(native-tb.origin)
}

// SetOrigin anchors pulse zero at a native position, normally when the
// transport starts.
func (s *Synchronizer) SetOrigin(native uint64) {
	s.Anchor(native, 0)
}

// Anchor makes the native position native correspond to pulse. The pulse may
// lie further ahead than the native time elapsed so far, as after a
// relocate early in a session.
func (s *Synchronizer) Anchor(native uint64, pulse int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := *s.tb.Load()
	tb.origin, tb.base = native, pulse
	s.tb.Store(&tb)
}

// Origin returns the native position of the anchor.
func (s *Synchronizer) Origin() uint64 {
	return s.tb.Load().origin
}

// Base returns the pulse at the anchor.
func (s *Synchronizer) Base() int64 {
	return s.tb.Load().base
}

// PulseAt converts an absolute native position to a pulse. Positions before
// pulse zero give negative pulses.
func (s *Synchronizer) PulseAt(native uint64) int64 {
	return s.tb.Load().pulseAt(native)
}

// NativeAt converts a pulse to an absolute native position. Pulses that
// would fall before native position zero map to zero.
func (s *Synchronizer) NativeAt(p int64) uint64 {
	tb := s.tb.Load()
	if d := p - tb.base; d >= 0 {
		return tb.origin + tb.toNative(d)
	}
	back := tb.toNative(tb.base - p)
	if back > tb.origin {
		return 0
	}
	return tb.origin - back
}

// FrameOffset places pulse p inside a process cycle of nframes.
func (s *Synchronizer) FrameOffset(nframes uint32, p int64) uint32 {
	if p <= 0 {
		return 0
	}
	off := uint64(float64(p) * s.tb.Load().factor)
	if nframes > 1 {
		off %= uint64(nframes)
	}
	return uint32(off)
}

// ObserveCycle is called once per driver cycle. A cycle spanning more pulses
// than the tolerance cannot be scheduled accurately and raises a desync.
func (s *Synchronizer) ObserveCycle(nframes uint32) {
	span := s.NativeToPulse(uint64(nframes))
	if span > s.tolerance.Load() {
		s.raise(contracts.DesyncBufferTooLarge, span)
	}
}

// CheckDrift compares the engine's logical pulse with the pulse at the
// absolute native position and returns the difference. A native clock
// running backwards, or a drift beyond the tolerance, raises a desync.
func (s *Synchronizer) CheckDrift(logical int64, native uint64) int64 {
	if last := s.lastPos.Load(); s.havePos.Load() && native < last {
		s.lastPos.Store(native)
		s.raise(contracts.DesyncPositionBackwards, s.NativeToPulse(last-native))
		return 0
	}
	s.lastPos.Store(native)
	s.havePos.Store(true)

	drift := logical - s.PulseAt(native)
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	if abs > s.tolerance.Load() {
		s.raise(contracts.DesyncPositionJump, drift)
	}
	return drift
}

// ResetPosition forgets the last native position, e.g. after a relocate.
func (s *Synchronizer) ResetPosition() {
	s.havePos.Store(false)
	s.lastPos.Store(0)
}

// Raise records a desync reported by the driver itself, such as a JACK xrun.
// It only touches atomics.
func (s *Synchronizer) Raise(reason contracts.DesyncReason, pulses int64) {
	s.raise(reason, pulses)
}

func (s *Synchronizer) raise(reason contracts.DesyncReason, pulses int64) {
	s.pulses.Store(pulses)
	s.reason.Store(int32(reason))
	s.count.Add(1)
}

// Desync returns the latest desync, if any was raised since the last clear.
func (s *Synchronizer) Desync() (contracts.DesyncReport, bool) {
	n := s.count.Load()
	if n == 0 {
		return contracts.DesyncReport{}, false
	}
	return contracts.DesyncReport{
		Reason: contracts.DesyncReason(s.reason.Load()),
		Pulses: s.pulses.Load(),
		Count:  n,
	}, true
}

// ClearDesync acknowledges the desync state.
func (s *Synchronizer) ClearDesync() {
	s.count.Store(0)
	s.reason.Store(int32(contracts.DesyncNone))
	s.pulses.Store(0)
}
