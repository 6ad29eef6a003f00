package midialsa

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/stretchr/testify/assert"
)

func TestParsePortName(t *testing.T) {
	p := parsePortName("Midi Through:Midi Through Port-0 14:0", 2, contracts.Input)
	assert.Equal(t, "Midi Through", p.ClientName)
	assert.Equal(t, "Midi Through Port-0", p.PortName)
	assert.Equal(t, 14, p.ClientID)
	assert.Equal(t, 0, p.PortID)
	assert.Equal(t, contracts.CapInput, p.Caps)
	assert.Equal(t, contracts.APIALSA, p.API)

	p = parsePortName("Launchpad Mini:Launchpad Mini MIDI 1 24:0", 0, contracts.Output)
	assert.Equal(t, "Launchpad Mini:Launchpad Mini MIDI 1", p.ConnectName())
	assert.Equal(t, 24, p.ClientID)
	assert.Equal(t, contracts.CapOutput, p.Caps)
}

func TestParsePortNameWithoutAddress(t *testing.T) {
	p := parsePortName("FLUID Synth", 5, contracts.Output)
	assert.Empty(t, p.ClientName)
	assert.Equal(t, "FLUID Synth", p.PortName)
	assert.Equal(t, -1, p.ClientID)
	assert.Equal(t, 5, p.PortID)

	p = parsePortName("synth:in x:y", 1, contracts.Output)
	assert.Equal(t, "synth", p.ClientName)
	assert.Equal(t, "in x:y", p.PortName)
}

func TestIndexOfPrefersExactAddress(t *testing.T) {
	names := []string{
		"Midi Through:Midi Through Port-0 14:0",
		"Keys:Keys MIDI 1 20:0",
		"Keys:Keys MIDI 1 28:0",
	}
	want := parsePortName("Keys:Keys MIDI 1 28:0", 0, contracts.Input)
	assert.Equal(t, 2, indexOf(names, want))

	replugged := parsePortName("Keys:Keys MIDI 1 32:0", 0, contracts.Input)
	assert.Equal(t, 1, indexOf(names, replugged))

	gone := parsePortName("Pads:Pads MIDI 1 40:0", 0, contracts.Input)
	assert.Equal(t, -1, indexOf(names, gone))
}

func TestAnnouncePortIsSystem(t *testing.T) {
	p := announcePort()
	assert.True(t, p.System)
	assert.Equal(t, "System:Announce", p.ConnectName())
	assert.Equal(t, 0, p.ClientID)
	assert.Equal(t, 1, p.PortID)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(fs.ErrPermission), contracts.ErrPermission)
	assert.ErrorIs(t, classify(errors.New("MidiInAlsa::openPort: ALSA error making port connection: Permission denied")), contracts.ErrPermission)

	other := errors.New("no such port")
	assert.Equal(t, other, classify(other))
}
