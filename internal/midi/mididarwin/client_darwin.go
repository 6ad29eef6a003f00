//go:build darwin
// +build darwin

// Package mididarwin binds CoreMIDI sources and destinations on macOS.
// Native time is the wall clock in microseconds.
package mididarwin

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/youpy/go-coremidi"
	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// internalPortConnection is an interface for handling disconnection from a MIDI port.
type internalPortConnection interface {
	Disconnect()
}

type closer interface {
	Close() error
}

// Client is the CoreMIDI transport.
type Client struct {
	log    contracts.Logger
	client coremidi.Client
	clock  *clock.WallClock

	mu     sync.Mutex
	open   map[closer]struct{}
	closed bool
}

// NewMIDIClient creates the CoreMIDI client.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	client, err := coremidi.NewClient(options.ClientName)
	if err != nil {
		return nil, fmt.Errorf("%w: creating CoreMIDI client: %w", contracts.ErrTransportUnavailable, err)
	}
	options.Logger.Info("CoreMIDI client created", options.Logger.Field().String("name", options.ClientName))
	return &Client{
		log:    options.Logger,
		client: client,
		clock:  clock.NewWallClock(),
		open:   make(map[closer]struct{}),
	}, nil
}

func (c *Client) API() contracts.API { return contracts.APICoreMIDI }

func (c *Client) SupportsVirtual() bool { return true }

func (c *Client) Clock() contracts.NativeClock { return c.clock }

func endpointInfo(index int, name string, entity coremidi.Entity, dir contracts.Direction) contracts.PortInfo {
	caps := contracts.CapInput
	if dir == contracts.Output {
		caps = contracts.CapOutput
	}
	return contracts.PortInfo{
		API:        contracts.APICoreMIDI,
		ClientID:   -1,
		PortID:     index,
		ClientName: entity.Name(),
		PortName:   name,
		Nickname:   entity.Manufacturer(),
		Direction:  dir,
		Caps:       caps,
	}
}

// Enumerate lists sources as inputs and destinations as outputs.
func (c *Client) Enumerate() (inputs, outputs []contracts.PortInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, contracts.ErrTransportUnavailable
	}
	sources, err := coremidi.AllSources()
	if err != nil {
		return nil, nil, fmt.Errorf("listing CoreMIDI sources: %w", err)
	}
	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return nil, nil, fmt.Errorf("listing CoreMIDI destinations: %w", err)
	}
	for i, s := range sources {
		inputs = append(inputs, endpointInfo(i, s.Name(), s.Entity(), contracts.Input))
	}
	for i, d := range destinations {
		outputs = append(outputs, endpointInfo(i, d.Name(), d.Entity(), contracts.Output))
	}
	return inputs, outputs, nil
}

func (c *Client) check(port contracts.PortInfo, dir contracts.Direction) error {
	if c.closed {
		return contracts.ErrTransportUnavailable
	}
	if port.Direction != dir {
		return contracts.ErrWrongDirection
	}
	return nil
}

func (c *Client) findSource(port contracts.PortInfo) (coremidi.Source, error) {
	sources, err := coremidi.AllSources()
	if err != nil {
		return coremidi.Source{}, fmt.Errorf("listing CoreMIDI sources: %w", err)
	}
	for i, s := range sources {
		if endpointInfo(i, s.Name(), s.Entity(), contracts.Input).ConnectName() == port.ConnectName() {
			return s, nil
		}
	}
	return coremidi.Source{}, fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
}

func (c *Client) findDestination(port contracts.PortInfo) (coremidi.Destination, error) {
	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return coremidi.Destination{}, fmt.Errorf("listing CoreMIDI destinations: %w", err)
	}
	for i, d := range destinations {
		if endpointInfo(i, d.Name(), d.Entity(), contracts.Output).ConnectName() == port.ConnectName() {
			return d, nil
		}
	}
	return coremidi.Destination{}, fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
}

// OpenInput connects an input port to a source. A virtual input is a
// destination other applications can send to.
func (c *Client) OpenInput(port contracts.PortInfo, sink contracts.EventSink) (contracts.InputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(port, contracts.Input); err != nil {
		return nil, err
	}
	p := &inPort{client: c, info: port, sink: sink}

	if port.Virtual {
		if _, err := coremidi.NewDestination(c.client, port.PortName, p.receivePacket); err != nil {
			return nil, fmt.Errorf("creating virtual destination %q: %w", port.PortName, err)
		}
	} else {
		source, err := c.findSource(port)
		if err != nil {
			return nil, err
		}
		inputPort, err := coremidi.NewInputPort(c.client, port.PortName, p.receive)
		if err != nil {
			return nil, fmt.Errorf("creating input port: %w", err)
		}
		conn, err := inputPort.Connect(source)
		if err != nil {
			return nil, fmt.Errorf("connecting %s: %w", port.ConnectName(), err)
		}
		p.conn = conn
	}
	c.open[p] = struct{}{}
	return p, nil
}

// OpenOutput creates an output port towards a destination. A virtual
// output is a source other applications can read from.
func (c *Client) OpenOutput(port contracts.PortInfo) (contracts.OutputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(port, contracts.Output); err != nil {
		return nil, err
	}
	p := &outPort{client: c, info: port}

	if port.Virtual {
		source, err := coremidi.NewSource(c.client, port.PortName)
		if err != nil {
			return nil, fmt.Errorf("creating virtual source %q: %w", port.PortName, err)
		}
		p.source = &source
	} else {
		dest, err := c.findDestination(port)
		if err != nil {
			return nil, err
		}
		outputPort, err := coremidi.NewOutputPort(c.client, port.PortName)
		if err != nil {
			return nil, fmt.Errorf("creating output port: %w", err)
		}
		p.port, p.dest = &outputPort, &dest
	}
	c.open[p] = struct{}{}
	return p, nil
}

func (c *Client) forget(p closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, p)
}

// Close disconnects every open port.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ports := make([]closer, 0, len(c.open))
	for p := range c.open {
		ports = append(ports, p)
	}
	c.mu.Unlock()

	var err error
	for _, p := range ports {
		err = multierr.Append(err, p.Close())
	}
	c.log.Info("CoreMIDI client closed")
	return err
}

type inPort struct {
	client *Client
	info   contracts.PortInfo
	sink   contracts.EventSink
	conn   internalPortConnection
	closed atomic.Bool
}

func (p *inPort) Info() contracts.PortInfo { return p.info }

// receive runs on the CoreMIDI thread.
func (p *inPort) receive(_ coremidi.Source, packet coremidi.Packet) {
	p.receivePacket(packet)
}

func (p *inPort) receivePacket(packet coremidi.Packet) {
	if p.closed.Load() || len(packet.Data) == 0 {
		return
	}
	data := make([]byte, len(packet.Data))
	copy(data, packet.Data)
	p.sink.Push(contracts.Event{Timestamp: p.client.clock.Now(), Data: data})
}

// Close disconnects from the source. A virtual destination stops
// delivering but lives until the process exits.
func (p *inPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.conn != nil {
		p.conn.Disconnect()
	}
	p.client.forget(p)
	return nil
}

type outPort struct {
	client *Client
	info   contracts.PortInfo

	port   *coremidi.OutputPort
	dest   *coremidi.Destination
	source *coremidi.Source

	mu     sync.Mutex
	closed bool
}

func (p *outPort) Info() contracts.PortInfo { return p.info }

// Send writes the event immediately.
func (p *outPort) Send(ev contracts.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return contracts.ErrBusClosed
	}
	packet := coremidi.NewPacket(ev.Data, 0)
	var err error
	if p.source != nil {
		err = packet.Received(p.source)
	} else {
		err = packet.Send(p.port, p.dest)
	}
	if err != nil {
		return fmt.Errorf("writing to %s: %w", p.info.ConnectName(), err)
	}
	return nil
}

func (p *outPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.client.forget(p)
	return nil
}
