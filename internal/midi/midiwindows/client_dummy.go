//go:build !windows
// +build !windows

package midiwindows

import (
	"fmt"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// NewMIDIClient reports WinMM as unavailable on non-Windows systems.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	options.Logger.Debug("Using dummy WinMM transport for non-Windows system")
	return nil, fmt.Errorf("%w: WinMM is only available on Windows", contracts.ErrTransportUnavailable)
}
