package midi

import (
	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// NewMaster selects a transport and builds the master bus.
//
// opts ...contracts.Option: option functions applied over the defaults and the
// settings file named with contracts.WithConfigFile.
//
// Returns:
//   - *Master: the bound master, with virtual and auto-connected buses open.
//   - error: contracts.ErrNoUsableTransport when selection failed, or the error
//     of a virtual port that could not be created.
func NewMaster(opts ...contracts.Option) (*Master, error) {
	return newMaster(NewSelector(), opts...)
}

func newMaster(sel *Selector, opts ...contracts.Option) (*Master, error) {
	binding, err := sel.Select(opts...)
	if err != nil {
		return nil, err
	}

	m := &Master{opts: opts, selector: sel}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.build(binding); err != nil {
		m.closed = true
		return nil, multierr.Append(err, m.teardown())
	}
	return m, nil
}
