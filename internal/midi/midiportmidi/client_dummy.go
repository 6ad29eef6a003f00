//go:build !portmidi
// +build !portmidi

package midiportmidi

import (
	"fmt"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// NewMIDIClient reports PortMidi as unavailable in builds without the
// portmidi tag.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	options.Logger.Debug("PortMidi transport not built, use -tags portmidi")
	return nil, fmt.Errorf("%w: built without the portmidi tag", contracts.ErrTransportUnavailable)
}
