//go:build !linux
// +build !linux

package midijack

import (
	"fmt"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// NewMIDIClient reports JACK as unavailable on platforms it is not built for.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	options.Logger.Debug("JACK transport not built for this platform")
	return nil, fmt.Errorf("%w: JACK is not built for this platform", contracts.ErrTransportUnavailable)
}
