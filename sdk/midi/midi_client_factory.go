package midi

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/internal/midi/midialsa"
	"github.com/leandrodaf/midibus/internal/midi/mididarwin"
	"github.com/leandrodaf/midibus/internal/midi/midijack"
	"github.com/leandrodaf/midibus/internal/midi/midiloop"
	"github.com/leandrodaf/midibus/internal/midi/midiportmidi"
	"github.com/leandrodaf/midibus/internal/midi/midiwindows"
	"github.com/leandrodaf/midibus/internal/registry"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// Initializer opens a transport. Backends not compiled for the running
// platform return contracts.ErrTransportUnavailable.
type Initializer func(*contracts.ClientOptions) (contracts.Transport, error)

// transportInitializers maps each API to its transport initializer.
var transportInitializers = map[contracts.API]Initializer{
	contracts.APIJack:     midijack.NewMIDIClient,     // JACK MIDI ports.
	contracts.APIALSA:     midialsa.NewMIDIClient,     // ALSA sequencer through rtmidi.
	contracts.APIPortMidi: midiportmidi.NewMIDIClient, // PortMidi, built with the portmidi tag.
	contracts.APICoreMIDI: mididarwin.NewMIDIClient,   // macOS CoreMIDI.
	contracts.APIWinMM:    midiwindows.NewMIDIClient,  // Windows multimedia MIDI.
	contracts.APILoopback: midiloop.NewMIDIClient,     // In-process ports.
}

// selectionOrder is the order in which an unspecified API is resolved. The
// loopback transport is never tried.
var selectionOrder = []contracts.API{
	contracts.APIJack,
	contracts.APIALSA,
	contracts.APIPortMidi,
	contracts.APICoreMIDI,
	contracts.APIWinMM,
}

// SelectorState is the state of the transport selector.
type SelectorState int

const (
	StateUnspecified SelectorState = iota
	StateSelecting
	StateBound
	StateFailed
)

func (s SelectorState) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	}
	return "unspecified"
}

// Binding is the outcome of a successful selection.
type Binding struct {
	Options   contracts.ClientOptions
	Transport contracts.Transport
	Registry  *registry.Registry
}

// Selector decides which transport the master binds to.
type Selector struct {
	initializers map[contracts.API]Initializer
	order        []contracts.API

	mu    sync.Mutex
	state SelectorState
	api   contracts.API
	err   error
}

// NewSelector returns a selector over every compiled-in transport.
func NewSelector() *Selector {
	return &Selector{initializers: transportInitializers, order: selectionOrder}
}

// State returns the current state.
func (s *Selector) State() SelectorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// API returns the bound API, or APIUnspecified.
func (s *Selector) API() contracts.API {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

// Err returns the error of the last failed selection.
func (s *Selector) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Selector) transition(log contracts.Logger, state SelectorState, api contracts.API) {
	s.mu.Lock()
	from := s.state
	s.state = state
	s.api = api
	s.mu.Unlock()
	if log != nil {
		log.Info("transport selector",
			log.Field().String("from", from.String()),
			log.Field().String("to", state.String()),
			log.Field().String("api", api.String()))
	}
}

func (s *Selector) fail(log contracts.Logger, err error) error {
	s.transition(log, StateFailed, contracts.APIUnspecified)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

// Select resolves the options, reading the settings file once, and binds
// the first usable transport. An explicit API is the only one tried; an
// unspecified one tries JACK first, then ALSA, then the other compiled-in
// backends. There is no silent fallback: when nothing is usable the
// selector fails with every attempt error attached.
func (s *Selector) Select(opts ...contracts.Option) (*Binding, error) {
	s.transition(nil, StateSelecting, contracts.APIUnspecified)

	options, err := applyDefaultOptions(opts...)
	if err != nil {
		return nil, s.fail(nil, err)
	}
	log := options.Logger
	log.Debug("selecting transport", log.Field().String("requested", options.API.String()))

	if options.Transport != nil {
		reg, err := s.usable(&options, options.Transport)
		if err != nil {
			return nil, s.fail(log, fmt.Errorf("%w: %w", contracts.ErrNoUsableTransport, err))
		}
		s.transition(log, StateBound, options.Transport.API())
		return &Binding{Options: options, Transport: options.Transport, Registry: reg}, nil
	}

	candidates := s.order
	if options.API != contracts.APIUnspecified {
		if _, ok := s.initializers[options.API]; !ok {
			return nil, s.fail(log, fmt.Errorf("%w: %s", contracts.ErrUnsupportedAPI, options.API))
		}
		candidates = []contracts.API{options.API}
	}

	var attemptErrs error
	for _, api := range candidates {
		open, ok := s.initializers[api]
		if !ok {
			continue
		}
		t, err := open(&options)
		if err != nil {
			log.Debug("transport unavailable",
				log.Field().String("api", api.String()),
				log.Field().Error("error", err))
			attemptErrs = multierr.Append(attemptErrs, fmt.Errorf("%s: %w", api, err))
			continue
		}
		reg, err := s.usable(&options, t)
		if err != nil {
			attemptErrs = multierr.Append(attemptErrs, fmt.Errorf("%s: %w", api, err))
			if cerr := t.Close(); cerr != nil {
				log.Warn("closing rejected transport", log.Field().Error("error", cerr))
			}
			continue
		}
		options.API = api
		s.transition(log, StateBound, api)
		return &Binding{Options: options, Transport: t, Registry: reg}, nil
	}

	if attemptErrs == nil {
		attemptErrs = contracts.ErrTransportUnavailable
	}
	return nil, s.fail(log, fmt.Errorf("%w: %w", contracts.ErrNoUsableTransport, attemptErrs))
}

// usable enumerates t and decides whether it can serve the options. Zero
// system ports is acceptable when virtual ports are requested and t can
// create them.
func (s *Selector) usable(options *contracts.ClientOptions, t contracts.Transport) (*registry.Registry, error) {
	reg := registry.New(t, options.Logger)
	wantVirtual := options.VirtualInputs > 0 || options.VirtualOutputs > 0
	if wantVirtual && !t.SupportsVirtual() {
		return nil, contracts.ErrVirtualUnsupported
	}

	in, out, err := reg.Enumerate()
	if err != nil {
		if wantVirtual && errors.Is(err, contracts.ErrNoPorts) {
			options.Logger.Warn("no system ports, running with virtual ports only",
				options.Logger.Field().String("api", t.API().String()))
			return reg, nil
		}
		return nil, err
	}
	if len(in)+len(out) == 0 && !wantVirtual {
		return nil, &contracts.EnumerationError{API: t.API(), Err: contracts.ErrNoPorts}
	}
	return reg, nil
}
