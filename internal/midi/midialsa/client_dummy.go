//go:build !linux
// +build !linux

package midialsa

import (
	"fmt"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// NewMIDIClient reports ALSA as unavailable outside Linux.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	options.Logger.Debug("ALSA transport not built for this platform")
	return nil, fmt.Errorf("%w: ALSA is only available on Linux", contracts.ErrTransportUnavailable)
}
