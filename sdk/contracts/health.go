package contracts

import "fmt"

// BusState is the lifecycle state of a bus.
type BusState int32

const (
	BusClosed BusState = iota
	BusConnected
	BusSuspended
)

func (s BusState) String() string {
	switch s {
	case BusConnected:
		return "connected"
	case BusSuspended:
		return "suspended"
	}
	return "closed"
}

// ClockMode selects how MIDI clock is emitted on an output bus.
type ClockMode int

const (
	// ClockDisabled ignores the bus entirely, for ports that never open.
	ClockDisabled ClockMode = iota - 1
	// ClockOff sends notes but no clock.
	ClockOff
	// ClockPos sends clock plus Song Position Pointer on continue.
	ClockPos
	// ClockMod starts clocking on the next clock-mod boundary.
	ClockMod
)

func (m ClockMode) String() string {
	switch m {
	case ClockDisabled:
		return "disabled"
	case ClockPos:
		return "pos"
	case ClockMod:
		return "mod"
	}
	return "off"
}

// ParseClockMode converts a configuration name into a clock mode.
func ParseClockMode(name string) (ClockMode, error) {
	for _, m := range []ClockMode{ClockDisabled, ClockOff, ClockPos, ClockMod} {
		if m.String() == name {
			return m, nil
		}
	}
	return ClockOff, fmt.Errorf("unknown clock mode %q", name)
}

// BusStatus is a display snapshot of one bus.
type BusStatus struct {
	Index     int
	Name      string
	Direction Direction
	State     BusState
	Virtual   bool
	ClockMode ClockMode
	Port      PortInfo
}

// BusCounters are the per-bus traffic counters.
type BusCounters struct {
	Sent       uint64
	Received   uint64
	SendErrors uint64
	Dropped    uint64 // Input events lost to a full queue.
	Clamped    uint64 // Input timestamps that went backwards and were clamped.
}

// DesyncReason describes why the clock synchronizer raised a desync.
type DesyncReason int

const (
	DesyncNone DesyncReason = iota
	DesyncBufferTooLarge
	DesyncPositionJump
	DesyncPositionBackwards
	DesyncXRun
	DesyncShutdown
)

func (r DesyncReason) String() string {
	switch r {
	case DesyncBufferTooLarge:
		return "driver buffer spans too many pulses"
	case DesyncPositionJump:
		return "transport position jumped ahead"
	case DesyncPositionBackwards:
		return "transport position went backwards"
	case DesyncXRun:
		return "driver buffer overrun"
	case DesyncShutdown:
		return "transport server shut down"
	}
	return "none"
}

// DesyncReport is the latest desync observed by the synchronizer.
type DesyncReport struct {
	Reason DesyncReason
	Pulses int64  // Size of the offending span in pulses.
	Count  uint64 // Total desyncs observed since the last clear.
}

// Health aggregates the non-fatal conditions the engine should watch.
type Health struct {
	API        API
	Inputs     []BusCounters // Indexed like the master's input buses.
	Outputs    []BusCounters // Indexed like the master's output buses.
	QueueDrops uint64
	Desync     *DesyncReport
}
