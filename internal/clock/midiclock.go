package clock

// ClocksPerQuarter is fixed by the MIDI specification.
const ClocksPerQuarter = 24

// DefaultClockMod is the number of sixteenth notes between ClockMod start
// points (four bars of 4/4).
const DefaultClockMod = 16 * 4

// PulsesPerClock returns how many pulses separate two 0xF8 messages.
func PulsesPerClock(ppqn int) int64 {
	n := int64(ppqn / ClocksPerQuarter)
	if n < 1 {
		return 1
	}
	return n
}

// PulsesPerSixteenth returns the length of a sixteenth note; Song Position
// Pointer counts in these units.
func PulsesPerSixteenth(ppqn int) int64 {
	n := int64(ppqn / 4)
	if n < 1 {
		return 1
	}
	return n
}

// ModStart returns the first tick at or after tick that falls on a
// clock-mod boundary.
func ModStart(tick int64, ppqn, clockMod int) int64 {
	if clockMod <= 0 {
		clockMod = DefaultClockMod
	}
	span := PulsesPerSixteenth(ppqn) * int64(clockMod)
	leftover := tick % span
	start := tick - leftover
	if leftover > 0 {
		start += span
	}
	return start
}

// ContinueStart returns the sixteenth-aligned tick clocking resumes from and
// the Song Position Pointer value for tick.
func ContinueStart(tick int64, ppqn int) (start int64, sixteenths int64) {
	pp16 := PulsesPerSixteenth(ppqn)
	leftover := tick % pp16
	sixteenths = tick / pp16
	start = tick - leftover
	if leftover > 0 {
		start += pp16
	}
	return start, sixteenths
}
