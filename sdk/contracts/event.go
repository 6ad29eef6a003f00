package contracts

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// Event is a timestamped MIDI message travelling through a bus.
type Event struct {
	Timestamp uint64 // Native time of the bound transport (frames or microseconds).
	Pulse     int64  // Logical pulse time.
	Bus       int    // Source bus for input, destination bus for output.
	Data      []byte // Status and data bytes, or a complete SysEx run.
}

// NewEvent copies data into a new event for the given bus.
func NewEvent(bus int, pulse int64, data ...byte) Event {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Event{Pulse: pulse, Bus: bus, Data: buf}
}

// Status returns the status byte, or zero for an empty event.
func (e Event) Status() byte {
	if len(e.Data) == 0 {
		return 0
	}
	return e.Data[0]
}

// Command returns the status with the channel nibble cleared for channel
// messages, and the full status otherwise.
func (e Event) Command() MIDICommand {
	s := e.Status()
	if s < 0xF0 {
		return MIDICommand(s & 0xF0)
	}
	return MIDICommand(s)
}

// Channel returns the zero-based channel of a channel message.
func (e Event) Channel() (uint8, bool) {
	s := e.Status()
	if s < 0x80 || s >= 0xF0 {
		return 0, false
	}
	return s & 0x0F, true
}

// IsSysEx reports whether the event carries a SysEx run.
func (e Event) IsSysEx() bool {
	return e.Status() == byte(SysExStart)
}

// IsRealtime reports whether the event is a single-byte system realtime message.
func (e Event) IsRealtime() bool {
	return len(e.Data) == 1 && e.Data[0] >= 0xF8
}

// ShortLength returns the length in bytes of the short message starting
// with status.
func ShortLength(status byte) int {
	switch {
	case status >= 0xF8, status == 0xF6:
		return 1
	case status == 0xF1, status == 0xF3:
		return 2
	case status >= 0xF0:
		return 3
	}
	switch MIDICommand(status & 0xF0) {
	case ProgramChange, ChannelPressure:
		return 2
	}
	return 3
}

// Message exposes the payload as a gomidi message.
func (e Event) Message() midi.Message {
	return midi.Message(e.Data)
}

func (e Event) String() string {
	return fmt.Sprintf("bus %d pulse %d ts %d: %s", e.Bus, e.Pulse, e.Timestamp, e.Message().String())
}
