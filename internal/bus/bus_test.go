package bus

import (
	"testing"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/internal/logger"
	"github.com/leandrodaf/midibus/internal/midi/midiloop"
	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	loop  *midiloop.Client
	clk   *clock.ManualClock
	sync  *clock.Synchronizer
	input contracts.PortInfo
}

func newFixture() *fixture {
	clk := clock.NewManualClock(48000)
	input := contracts.PortInfo{ClientID: 20, ClientName: "Keys", PortName: "out", Direction: contracts.Input, API: contracts.APILoopback}
	return &fixture{
		loop:  midiloop.New("test", midiloop.WithClock(clk), midiloop.WithPorts(input)),
		clk:   clk,
		sync:  clock.NewSynchronizer(48000, 192, 120, 0),
		input: input,
	}
}

func (f *fixture) bus(cfg Config) *Bus {
	return New(cfg, f.loop, f.sync, logger.NewNopLogger())
}

func (f *fixture) virtualOut(t *testing.T, mode contracts.ClockMode) (*Bus, string) {
	t.Helper()
	b := f.bus(Config{Index: 0, Direction: contracts.Output, ClockMode: mode})
	vp := contracts.VirtualPort(contracts.APILoopback, contracts.Output, "test", 0)
	require.NoError(t, b.Open(vp))
	return b, vp.Key()
}

func statuses(events []contracts.Event) []byte {
	out := make([]byte, len(events))
	for i, ev := range events {
		out[i] = ev.Status()
	}
	return out
}

func TestOpenNonexistentPortLeavesBusClosed(t *testing.T) {
	f := newFixture()
	b := f.bus(Config{Index: 3, Direction: contracts.Output})

	ghost := contracts.PortInfo{ClientName: "Ghost", PortName: "in", Direction: contracts.Output}
	err := b.Open(ghost)

	var connErr *contracts.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Bus)
	assert.ErrorIs(t, err, contracts.ErrPortNotFound)
	assert.Equal(t, contracts.BusClosed, b.State())
	assert.Equal(t, 0, f.loop.OpenCount())
	assert.ErrorIs(t, b.Send(contracts.NewEvent(3, 0, 0x90, 60, 1)), contracts.ErrBusClosed)
}

func TestOpenWrongDirection(t *testing.T) {
	f := newFixture()
	b := f.bus(Config{Direction: contracts.Output})
	err := b.Open(f.input)
	assert.ErrorIs(t, err, contracts.ErrWrongDirection)
	assert.Equal(t, contracts.BusClosed, b.State())
}

func TestDoubleCloseIsNoop(t *testing.T) {
	f := newFixture()
	b := f.bus(Config{Direction: contracts.Input})
	require.NoError(t, b.Close(), "never opened")

	require.NoError(t, b.Open(f.input))
	assert.Equal(t, contracts.BusConnected, b.State())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, contracts.BusClosed, b.State())
	assert.Equal(t, 0, f.loop.OpenCount())
}

func TestReceiveStampsPulses(t *testing.T) {
	f := newFixture()
	b := f.bus(Config{Index: 1, Direction: contracts.Input})
	require.NoError(t, b.Open(f.input))

	f.clk.Set(1250)
	f.loop.Inject(f.input.Key(), 0x90, 60, 100)

	assert.True(t, b.Poll())
	ev, ok := b.Receive()
	require.True(t, ok)
	assert.Equal(t, 1, ev.Bus)
	assert.EqualValues(t, 10, ev.Pulse)
	assert.EqualValues(t, 1, b.Counters().Received)

	_, ok = b.Receive()
	assert.False(t, ok)
	assert.False(t, b.Poll())
}

func TestBackwardsTimestampsAreClamped(t *testing.T) {
	f := newFixture()
	b := f.bus(Config{Direction: contracts.Input})
	require.NoError(t, b.Open(f.input))

	f.clk.Set(1000)
	f.loop.Inject(f.input.Key(), 0x90, 60, 100)
	f.clk.Set(500)
	f.loop.Inject(f.input.Key(), 0x80, 60, 0)

	first, _ := b.Receive()
	second, _ := b.Receive()
	assert.EqualValues(t, 1000, first.Timestamp)
	assert.EqualValues(t, 1000, second.Timestamp)
	assert.EqualValues(t, 1, b.Counters().Clamped)
}

func TestReconnectForgetsOldTimestamps(t *testing.T) {
	f := newFixture()
	b := f.bus(Config{Direction: contracts.Input})
	require.NoError(t, b.Open(f.input))

	f.clk.Set(90000)
	f.loop.Inject(f.input.Key(), 0x90, 60, 100)
	require.True(t, b.Suspend())

	f.clk.Set(200) // the transport clock restarted
	require.NoError(t, b.Reconnect(f.input))
	f.loop.Inject(f.input.Key(), 0x90, 62, 100)

	first, _ := b.Receive()
	second, _ := b.Receive()
	assert.EqualValues(t, 90000, first.Timestamp)
	assert.EqualValues(t, 200, second.Timestamp)
	assert.EqualValues(t, 0, b.Counters().Clamped)
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	f := newFixture()
	b := f.bus(Config{Direction: contracts.Input, QueueSize: 2})
	require.NoError(t, b.Open(f.input))

	for i := 0; i < 5; i++ {
		f.loop.Inject(f.input.Key(), 0x90, byte(60+i), 100)
	}
	assert.EqualValues(t, 3, b.Counters().Dropped)

	ev, ok := b.Receive()
	require.True(t, ok)
	assert.EqualValues(t, 60, ev.Data[1], "the oldest events survive")
}

func TestFilter(t *testing.T) {
	f := newFixture()
	filter := &contracts.MIDIEventFilter{Commands: []contracts.MIDICommand{contracts.NoteOn}}
	b := f.bus(Config{Direction: contracts.Input, Filter: filter})
	require.NoError(t, b.Open(f.input))

	f.loop.Inject(f.input.Key(), 0xB3, 7, 100)
	f.loop.Inject(f.input.Key(), 0x93, 64, 90)

	ev, ok := b.Receive()
	require.True(t, ok)
	assert.Equal(t, contracts.NoteOn, ev.Command())
	_, ok = b.Receive()
	assert.False(t, ok)
}

func TestSuspendAndReconnect(t *testing.T) {
	f := newFixture()
	in := f.bus(Config{Direction: contracts.Input})
	require.NoError(t, in.Open(f.input))

	assert.True(t, in.Suspend())
	assert.False(t, in.Suspend(), "already suspended")
	assert.Equal(t, 0, f.loop.Inject(f.input.Key(), 0x90, 60, 100))

	require.NoError(t, in.Reconnect(f.input))
	assert.Equal(t, contracts.BusConnected, in.State())
	assert.Equal(t, 1, f.loop.Inject(f.input.Key(), 0x90, 60, 100))
	assert.Equal(t, 1, f.loop.OpenCount(), "the old handle was released")

	out, _ := f.virtualOut(t, contracts.ClockOff)
	out.Suspend()
	assert.ErrorIs(t, out.Send(contracts.NewEvent(0, 0, 0x90, 60, 1)), contracts.ErrBusSuspended)
}

func TestSendCountsErrors(t *testing.T) {
	f := newFixture()
	target := f.loop.AddPort(contracts.PortInfo{ClientName: "Synth", PortName: "in", Direction: contracts.Output})
	b := f.bus(Config{Direction: contracts.Output})
	require.NoError(t, b.Open(target))

	require.NoError(t, b.Send(contracts.NewEvent(0, 0, 0x90, 60, 100)))
	f.loop.RemovePort(target.Key())
	assert.ErrorIs(t, b.Send(contracts.NewEvent(0, 0, 0x80, 60, 0)), contracts.ErrPortNotFound)

	c := b.Counters()
	assert.EqualValues(t, 1, c.Sent)
	assert.EqualValues(t, 1, c.SendErrors)
}

func TestClockPacing(t *testing.T) {
	f := newFixture()
	b, key := f.virtualOut(t, contracts.ClockPos)

	require.NoError(t, b.Start())
	n, err := b.Clock(16)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "ticks 0, 8 and 16 at 192 ppqn")

	n, err = b.Clock(16)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = b.Clock(24)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, b.Stop())
	assert.Equal(t, []byte{0xFA, 0xF8, 0xF8, 0xF8, 0xF8, 0xFC}, statuses(f.loop.Sent(key)))
}

func TestClockOnSuspendedBusKeepsPosition(t *testing.T) {
	f := newFixture()
	b, key := f.virtualOut(t, contracts.ClockPos)

	require.NoError(t, b.Start())
	require.True(t, b.Suspend())
	n, err := b.Clock(40)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, b.Reconnect(b.Port()))
	n, err = b.Clock(48)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the clock at 48 is due")
	assert.Equal(t, []byte{0xFA, 0xF8}, statuses(f.loop.Sent(key)))
}

func TestClockOffSendsNothing(t *testing.T) {
	f := newFixture()
	b, key := f.virtualOut(t, contracts.ClockOff)

	require.NoError(t, b.Start())
	n, err := b.Clock(192)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, b.Stop())
	assert.Empty(t, f.loop.Sent(key))
}

func TestContinueFromSendsSongPosition(t *testing.T) {
	f := newFixture()
	b, key := f.virtualOut(t, contracts.ClockPos)

	require.NoError(t, b.ContinueFrom(100))
	sent := f.loop.Sent(key)
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0xF2, 2, 0}, sent[0].Data)
	assert.Equal(t, []byte{0xFB}, sent[1].Data)

	n, err := b.Clock(143)
	require.NoError(t, err)
	assert.Zero(t, n, "clocking waits for the next sixteenth")
	n, err = b.Clock(144)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitClockModWaitsForBoundary(t *testing.T) {
	f := newFixture()
	b, key := f.virtualOut(t, contracts.ClockMod)

	require.NoError(t, b.InitClock(1))
	assert.Equal(t, []byte{0xFA}, statuses(f.loop.Sent(key)))

	boundary := clock.PulsesPerSixteenth(192) * clock.DefaultClockMod
	n, err := b.Clock(boundary - 1)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = b.Clock(boundary)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPanic(t *testing.T) {
	f := newFixture()
	b, key := f.virtualOut(t, contracts.ClockOff)
	require.NoError(t, b.Panic())

	sent := f.loop.Sent(key)
	require.Len(t, sent, 16*2+16*128)
	assert.Equal(t, []byte{0xB0, 120, 0}, sent[0].Data)
	assert.Equal(t, []byte{0xB0, 123, 0}, sent[1].Data)
	assert.Equal(t, []byte{0xBF, 123, 0}, sent[31].Data)
	assert.Equal(t, []byte{0x80, 0, 0}, sent[32].Data)
	assert.Equal(t, []byte{0x8F, 127, 0}, sent[len(sent)-1].Data)

	closed := f.bus(Config{Direction: contracts.Output})
	assert.ErrorIs(t, closed.Panic(), contracts.ErrBusClosed)
}

func TestPanicWithSmallOutputQueue(t *testing.T) {
	clk := clock.NewManualClock(48000)
	loop := midiloop.New("test", midiloop.WithClock(clk), midiloop.WithSendLimit(40))
	b := New(Config{Direction: contracts.Output, ClockMode: contracts.ClockOff}, loop,
		clock.NewSynchronizer(48000, 192, 120, 0), logger.NewNopLogger())
	vp := contracts.VirtualPort(contracts.APILoopback, contracts.Output, "test", 0)
	require.NoError(t, b.Open(vp))

	require.NoError(t, b.Panic(), "a full queue only cuts the note-off sweep short")

	sent := loop.Sent(vp.Key())
	require.Len(t, sent, 40)
	for ch := 0; ch < 16; ch++ {
		assert.Equal(t, []byte{0xB0 | byte(ch), 120, 0}, sent[2*ch].Data, "all sound off, channel %d", ch)
		assert.Equal(t, []byte{0xB0 | byte(ch), 123, 0}, sent[2*ch+1].Data, "all notes off, channel %d", ch)
	}
	assert.EqualValues(t, 1, b.Counters().SendErrors)
}

func TestSendSysExAddsFraming(t *testing.T) {
	f := newFixture()
	b, key := f.virtualOut(t, contracts.ClockOff)

	require.NoError(t, b.SendSysEx([]byte{0x7E, 0x7F, 0x06, 0x01}))
	require.NoError(t, b.SendSysEx([]byte{0xF0, 0x41, 0xF7}))

	sent := f.loop.Sent(key)
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0xF0, 0x7E, 0x7F, 0x06, 0x01, 0xF7}, sent[0].Data)
	assert.Equal(t, []byte{0xF0, 0x41, 0xF7}, sent[1].Data)
	assert.True(t, sent[0].IsSysEx())
}

func TestMergeOrdersByPulseThenBus(t *testing.T) {
	f := newFixture()
	second := f.loop.AddPort(contracts.PortInfo{ClientName: "Pads", PortName: "out", Direction: contracts.Input})

	a := f.bus(Config{Index: 0, Direction: contracts.Input})
	b := f.bus(Config{Index: 1, Direction: contracts.Input})
	require.NoError(t, a.Open(f.input))
	require.NoError(t, b.Open(second))

	at := func(pulse int64, key string, note byte) {
		f.clk.Set(f.sync.PulseToNative(pulse))
		f.loop.Inject(key, 0x90, note, 100)
	}
	// Inject out of global order; each stream stays ordered on its own.
	at(10, second.Key(), 1)
	at(30, second.Key(), 2)
	at(5, f.input.Key(), 3)
	at(10, f.input.Key(), 4)
	at(40, f.input.Key(), 5)

	merged := NewMerger([]*Bus{a, b}).Drain()
	require.Len(t, merged, 5)

	var notes []byte
	for i, ev := range merged {
		notes = append(notes, ev.Data[1])
		if i > 0 {
			assert.LessOrEqual(t, merged[i-1].Pulse, ev.Pulse)
		}
	}
	assert.Equal(t, []byte{3, 4, 1, 2, 5}, notes, "the tie at pulse 10 goes to bus 0")
}
