package midi

import (
	"errors"
	"testing"

	"github.com/leandrodaf/midibus/internal/midi/midiloop"
	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeALSA is a loopback transport that reports itself as ALSA, so the
// empty-enumeration rule applies to it.
type fakeALSA struct{ *midiloop.Client }

func (fakeALSA) API() contracts.API { return contracts.APIALSA }

type attemptLog struct{ calls []contracts.API }

func (p *attemptLog) unavailable(api contracts.API) Initializer {
	return func(*contracts.ClientOptions) (contracts.Transport, error) {
		p.calls = append(p.calls, api)
		return nil, contracts.ErrTransportUnavailable
	}
}

func (p *attemptLog) alsa(ports ...contracts.PortInfo) Initializer {
	return func(*contracts.ClientOptions) (contracts.Transport, error) {
		p.calls = append(p.calls, contracts.APIALSA)
		return fakeALSA{midiloop.New("test", midiloop.WithPorts(ports...))}, nil
	}
}

func testSelector(inits map[contracts.API]Initializer) *Selector {
	return &Selector{initializers: inits, order: []contracts.API{contracts.APIJack, contracts.APIALSA}}
}

func TestSelectorFallsThroughToALSA(t *testing.T) {
	log := &attemptLog{}
	sel := testSelector(map[contracts.API]Initializer{
		contracts.APIJack: log.unavailable(contracts.APIJack),
		contracts.APIALSA: log.alsa(synthPort()),
	})
	assert.Equal(t, StateUnspecified, sel.State())

	m, err := newMaster(sel, quiet())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, StateBound, sel.State())
	assert.Equal(t, StateBound, m.State())
	assert.Equal(t, contracts.APIALSA, sel.API())
	assert.Equal(t, contracts.APIALSA, m.API())
	assert.Equal(t, []contracts.API{contracts.APIJack, contracts.APIALSA}, log.calls)
	assert.Len(t, m.Outputs(), 1)
}

func TestSelectorExplicitAPITriesOnlyThatOne(t *testing.T) {
	log := &attemptLog{}
	sel := testSelector(map[contracts.API]Initializer{
		contracts.APIJack: log.unavailable(contracts.APIJack),
		contracts.APIALSA: log.alsa(synthPort()),
	})

	m, err := newMaster(sel, quiet(), contracts.WithAPI(contracts.APIALSA))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, []contracts.API{contracts.APIALSA}, log.calls)

	_, err = newMaster(sel, quiet(), contracts.WithAPI(contracts.APIJack))
	assert.ErrorIs(t, err, contracts.ErrNoUsableTransport)
	assert.Equal(t, StateFailed, sel.State())
}

func TestSelectorRejectsUnknownAPI(t *testing.T) {
	sel := testSelector(map[contracts.API]Initializer{})
	_, err := newMaster(sel, quiet(), contracts.WithAPI(contracts.APIWinMM))
	assert.ErrorIs(t, err, contracts.ErrUnsupportedAPI)
	assert.Equal(t, StateFailed, sel.State())
	assert.ErrorIs(t, sel.Err(), contracts.ErrUnsupportedAPI)
}

func TestSelectorFailsWithEveryAttemptError(t *testing.T) {
	log := &attemptLog{}
	sel := testSelector(map[contracts.API]Initializer{
		contracts.APIJack: log.unavailable(contracts.APIJack),
		contracts.APIALSA: log.alsa(),
	})

	_, err := newMaster(sel, quiet())
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrNoUsableTransport)
	assert.ErrorIs(t, err, contracts.ErrTransportUnavailable)
	assert.ErrorIs(t, err, contracts.ErrNoPorts)

	var enumErr *contracts.EnumerationError
	require.True(t, errors.As(err, &enumErr))
	assert.Equal(t, contracts.APIALSA, enumErr.API)
	assert.Equal(t, StateFailed, sel.State())
}

func TestSelectorVirtualOnlyOnEmptyALSA(t *testing.T) {
	log := &attemptLog{}
	sel := testSelector(map[contracts.API]Initializer{
		contracts.APIJack: log.unavailable(contracts.APIJack),
		contracts.APIALSA: log.alsa(),
	})

	m, err := newMaster(sel, quiet(), contracts.WithVirtualPorts(1, 0))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, contracts.APIALSA, m.API())
	require.Len(t, m.Inputs(), 1)
	assert.True(t, m.Inputs()[0].Virtual)
}

func TestSelectorRejectsMissingVirtualSupport(t *testing.T) {
	sel := testSelector(nil)
	_, err := newMaster(sel, quiet(),
		contracts.WithTransport(midiloop.New("test", midiloop.WithoutVirtual())),
		contracts.WithVirtualPorts(0, 1))
	assert.ErrorIs(t, err, contracts.ErrNoUsableTransport)
	assert.ErrorIs(t, err, contracts.ErrVirtualUnsupported)
}

func TestSwitchAPIRebuildsBuses(t *testing.T) {
	first := midiloop.New("test")
	var second *midiloop.Client
	sel := testSelector(map[contracts.API]Initializer{
		contracts.APILoopback: func(*contracts.ClientOptions) (contracts.Transport, error) {
			second = midiloop.New("test")
			return second, nil
		},
	})

	m, err := newMaster(sel, quiet(), contracts.WithTransport(first), contracts.WithVirtualPorts(0, 2))
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, 2, first.OpenCount())

	require.NoError(t, m.SwitchAPI(contracts.APILoopback))
	require.NotNil(t, second)
	assert.Equal(t, 0, first.OpenCount(), "every bus of the old transport is closed")
	assert.Equal(t, 2, second.OpenCount())
	assert.Len(t, m.Outputs(), 2)
	assert.Equal(t, StateBound, m.State())

	require.NoError(t, m.SendTo(1, contracts.NewEvent(1, 0, 0xFA)))
	assert.Len(t, second.Sent(contracts.VirtualPort(contracts.APILoopback, contracts.Output, "midibus", 1).Key()), 1)
}

func TestSwitchAPIFailureLeavesMasterClosed(t *testing.T) {
	sel := testSelector(map[contracts.API]Initializer{})
	m, err := newMaster(sel, quiet(), contracts.WithTransport(midiloop.New("test")), contracts.WithVirtualPorts(0, 1))
	require.NoError(t, err)

	err = m.SwitchAPI(contracts.APIJack)
	assert.ErrorIs(t, err, contracts.ErrUnsupportedAPI)
	assert.ErrorIs(t, m.SwitchAPI(contracts.APILoopback), contracts.ErrBusClosed)
	assert.NoError(t, m.Close())
}
