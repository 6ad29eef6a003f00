package bus

import (
	"errors"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// SetClockMode changes how MIDI clock is emitted.
func (b *Bus) SetClockMode(m contracts.ClockMode) {
	b.clockMode.Store(int32(m))
}

// ClockMode returns the clock mode.
func (b *Bus) ClockMode() contracts.ClockMode {
	return contracts.ClockMode(b.clockMode.Load())
}

func (b *Bus) clockEnabled() bool {
	m := b.ClockMode()
	return m == contracts.ClockPos || m == contracts.ClockMod
}

func (b *Bus) sendMsg(msg midi.Message, pulse int64) error {
	return b.Send(contracts.NewEvent(b.cfg.Index, pulse, msg...))
}

// Start rewinds the clock and sends Start when clocking is enabled.
func (b *Bus) Start() error {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	return b.start()
}

func (b *Bus) start() error {
	b.lastTick = -1
	if !b.clockEnabled() {
		return nil
	}
	return b.sendMsg(midi.Start(), 0)
}

// Stop rewinds the clock and sends Stop unless clock is off.
func (b *Bus) Stop() error {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	b.lastTick = -1
	if m := b.ClockMode(); m == contracts.ClockOff || m == contracts.ClockDisabled {
		return nil
	}
	return b.sendMsg(midi.Stop(), 0)
}

// ContinueFrom positions the receiver with a Song Position Pointer and sends
// Continue. Clocking resumes on the next sixteenth note.
func (b *Bus) ContinueFrom(tick int64) error {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	return b.continueFrom(tick)
}

func (b *Bus) continueFrom(tick int64) error {
	start, sixteenths := clock.ContinueStart(tick, b.sync.PPQN())
	b.lastTick = start - 1
	if !b.clockEnabled() {
		return nil
	}
	return multierr.Append(
		b.sendMsg(midi.SPP(uint16(sixteenths)), 0),
		b.sendMsg(midi.Continue(), 0),
	)
}

// InitClock prepares clocking from tick. A Pos bus continues from the
// position; a Mod bus, or any bus at tick zero, starts and waits for the next
// clock-mod boundary.
func (b *Bus) InitClock(tick int64) error {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()

	mode := b.ClockMode()
	if mode == contracts.ClockPos && tick != 0 {
		return b.continueFrom(tick)
	}
	if mode == contracts.ClockMod || tick == 0 {
		err := b.start()
		b.lastTick = clock.ModStart(tick, b.sync.PPQN(), b.cfg.ClockMod) - 1
		return err
	}
	return nil
}

// Clock emits every timing clock due up to and including tick, one per
// ppqn/24 pulses, and returns how many were sent. A bus that is not
// connected sends nothing but keeps its position, so it resumes in time.
func (b *Bus) Clock(tick int64) (int, error) {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	if !b.clockEnabled() {
		return 0, nil
	}
	if b.State() != contracts.BusConnected {
		if tick > b.lastTick {
			b.lastTick = tick
		}
		return 0, nil
	}

	per := clock.PulsesPerClock(b.sync.PPQN())
	n := 0
	var err error
	for b.lastTick < tick {
		b.lastTick++
		if b.lastTick%per == 0 {
			if e := b.sendMsg(midi.TimingClock(), b.lastTick); e != nil {
				err = multierr.Append(err, e)
				continue
			}
			n++
		}
	}
	return n, multierr.Append(err, b.Flush())
}

// Panic silences every channel. All Sound Off and All Notes Off go out on
// all sixteen channels first; the per-key Note Off sweep that follows is
// best effort and stops early when the output queue fills up.
func (b *Bus) Panic() error {
	if b.State() != contracts.BusConnected {
		return contracts.ErrBusClosed
	}
	var err error
	for ch := uint8(0); ch < 16; ch++ {
		err = multierr.Append(err, b.sendMsg(midi.ControlChange(ch, midi.AllSoundOff, midi.Off), 0))
		err = multierr.Append(err, b.sendMsg(midi.ControlChange(ch, midi.AllNotesOff, midi.Off), 0))
	}
	if err != nil {
		return multierr.Append(err, b.Flush())
	}

sweep:
	for ch := uint8(0); ch < 16; ch++ {
		for key := uint8(0); key < 128; key++ {
			if e := b.sendMsg(midi.NoteOff(ch, key), 0); e != nil {
				if !errors.Is(e, contracts.ErrQueueFull) {
					err = e
				}
				b.log.Debug("panic note-off sweep cut short",
					b.log.Field().Int("bus", b.cfg.Index),
					b.log.Field().Error("error", e))
				break sweep
			}
		}
	}
	return multierr.Append(err, b.Flush())
}

// SendSysEx sends a system exclusive message, adding the framing bytes when
// they are missing.
func (b *Bus) SendSysEx(data []byte) error {
	msg := make([]byte, 0, len(data)+2)
	if len(data) == 0 || data[0] != byte(contracts.SysExStart) {
		msg = append(msg, byte(contracts.SysExStart))
	}
	msg = append(msg, data...)
	if msg[len(msg)-1] != byte(contracts.SysExEnd) || len(msg) == 1 {
		msg = append(msg, byte(contracts.SysExEnd))
	}
	return b.Send(contracts.Event{Bus: b.cfg.Index, Data: msg})
}
