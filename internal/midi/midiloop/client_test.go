package midiloop

import (
	"testing"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/internal/ringbuf"
	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyboard() contracts.PortInfo {
	return contracts.PortInfo{ClientID: 20, PortID: 0, ClientName: "Keys", PortName: "out", Direction: contracts.Input, Caps: contracts.CapInput}
}

func synth() contracts.PortInfo {
	return contracts.PortInfo{ClientID: 24, PortID: 0, ClientName: "Synth", PortName: "in", Direction: contracts.Output, Caps: contracts.CapOutput}
}

type cycleCounter struct {
	frames []uint32
	raised []contracts.DesyncReason
}

func (c *cycleCounter) ObserveCycle(n uint32) { c.frames = append(c.frames, n) }

func (c *cycleCounter) Raise(reason contracts.DesyncReason, _ int64) {
	c.raised = append(c.raised, reason)
}

func TestEnumerateSplitsDirections(t *testing.T) {
	l := New("test", WithPorts(keyboard(), synth()))
	in, out, err := l.Enumerate()
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Len(t, out, 1)
	assert.Equal(t, contracts.APILoopback, in[0].API)
	assert.Equal(t, "Synth:in", out[0].ConnectName())

	l.FailEnumerate(contracts.ErrTransportUnavailable)
	_, _, err = l.Enumerate()
	assert.ErrorIs(t, err, contracts.ErrTransportUnavailable)
}

func TestInjectReachesOpenInputs(t *testing.T) {
	mc := clock.NewManualClock(48000)
	l := New("test", WithClock(mc), WithPorts(keyboard()))
	ring := ringbuf.New[contracts.Event](8)

	kb := keyboard()
	kb.API = contracts.APILoopback
	port, err := l.OpenInput(kb, ring)
	require.NoError(t, err)
	assert.Equal(t, 1, l.OpenCount())

	mc.Set(300)
	assert.Equal(t, 1, l.Inject(kb.Key(), 0x90, 60, 100))

	ev, ok := ring.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 300, ev.Timestamp)
	assert.Equal(t, []byte{0x90, 60, 100}, ev.Data)

	require.NoError(t, port.Close())
	require.NoError(t, port.Close())
	assert.Equal(t, 0, l.OpenCount())
	assert.Equal(t, 0, l.Inject(kb.Key(), 0x80, 60, 0))
}

func TestOpenFailures(t *testing.T) {
	l := New("test", WithPorts(keyboard(), synth()))
	ring := ringbuf.New[contracts.Event](8)

	missing := contracts.PortInfo{ClientName: "Ghost", PortName: "in", Direction: contracts.Output}
	_, err := l.OpenOutput(missing)
	assert.ErrorIs(t, err, contracts.ErrPortNotFound)

	_, err = l.OpenOutput(keyboard())
	assert.ErrorIs(t, err, contracts.ErrWrongDirection)

	s := synth()
	s.API = contracts.APILoopback
	l.Deny(s.Key())
	_, err = l.OpenOutput(s)
	assert.ErrorIs(t, err, contracts.ErrPermission)

	novirt := New("test", WithoutVirtual())
	_, err = novirt.OpenInput(contracts.VirtualPort(contracts.APILoopback, contracts.Input, "test", 0), ring)
	assert.ErrorIs(t, err, contracts.ErrVirtualUnsupported)
	assert.Equal(t, 0, l.OpenCount())
}

func TestVirtualOutputRecordsSends(t *testing.T) {
	l := New("test")
	vp := contracts.VirtualPort(contracts.APILoopback, contracts.Output, "test", 0)
	out, err := l.OpenOutput(vp)
	require.NoError(t, err)

	data := []byte{0xB0, 7, 90}
	require.NoError(t, out.Send(contracts.Event{Timestamp: 10, Data: data}))
	data[2] = 0

	sent := l.Sent(vp.Key())
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0xB0, 7, 90}, sent[0].Data, "the port keeps its own copy")

	require.NoError(t, out.Close())
	assert.ErrorIs(t, out.Send(contracts.Event{Data: data}), contracts.ErrBusClosed)
}

func TestRemovePortNotifiesAndBreaksConnections(t *testing.T) {
	l := New("test")
	added := l.AddPort(synth())
	ev := <-l.Hotplug()
	assert.Equal(t, contracts.PortAdded, ev.Kind)

	out, err := l.OpenOutput(added)
	require.NoError(t, err)

	assert.True(t, l.RemovePort(added.Key()))
	assert.False(t, l.RemovePort(added.Key()))
	ev = <-l.Hotplug()
	assert.Equal(t, contracts.PortRemoved, ev.Kind)
	assert.Equal(t, added.Key(), ev.Port.Key())

	assert.ErrorIs(t, out.Send(contracts.NewEvent(0, 0, 0xF8)), contracts.ErrPortNotFound)
}

func TestRunCycleFeedsObserver(t *testing.T) {
	mc := clock.NewManualClock(48000)
	l := New("test", WithClock(mc))
	obs := &cycleCounter{}
	l.SetCycleObserver(obs)

	l.RunCycle(256)
	l.RunCycle(256)
	assert.Equal(t, []uint32{256, 256}, obs.frames)
	assert.EqualValues(t, 512, mc.Now())

	l.XRun()
	assert.Equal(t, []contracts.DesyncReason{contracts.DesyncXRun}, obs.raised)
}

func TestLoseClosesLostChannelOnce(t *testing.T) {
	l := New("test")
	select {
	case <-l.Lost():
		t.Fatal("lost before Lose")
	default:
	}
	l.Lose()
	l.Lose()
	_, open := <-l.Lost()
	assert.False(t, open)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New("test")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, open := <-l.Hotplug()
	assert.False(t, open)
	l.AddPort(synth())

	_, _, err := l.Enumerate()
	assert.ErrorIs(t, err, contracts.ErrTransportUnavailable)
}
