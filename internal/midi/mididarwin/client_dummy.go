//go:build !darwin
// +build !darwin

package mididarwin

import (
	"fmt"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// NewMIDIClient reports CoreMIDI as unavailable outside macOS.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	options.Logger.Debug("Using dummy CoreMIDI transport for non-macOS system")
	return nil, fmt.Errorf("%w: CoreMIDI is only available on macOS", contracts.ErrTransportUnavailable)
}
