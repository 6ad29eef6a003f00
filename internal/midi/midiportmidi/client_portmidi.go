//go:build portmidi
// +build portmidi

// Package midiportmidi binds PortMidi devices. PortMidi has no input
// callback: input ports implement contracts.Poller and are drained by
// Master.Poll. Native time is the wall clock in microseconds.
package midiportmidi

import (
	"fmt"
	"sync"

	"github.com/rakyll/portmidi"
	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

const (
	streamBuffer  = 1024
	outputLatency = 0
)

type closer interface {
	Close() error
}

// Client is the PortMidi transport.
type Client struct {
	log   contracts.Logger
	clock *clock.WallClock

	mu     sync.Mutex
	open   map[closer]struct{}
	closed bool
}

// NewMIDIClient initialises PortMidi.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	if err := portmidi.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialising PortMidi: %w", contracts.ErrTransportUnavailable, err)
	}
	options.Logger.Info("PortMidi initialised", options.Logger.Field().Int("devices", portmidi.CountDevices()))
	return &Client{
		log:   options.Logger,
		clock: clock.NewWallClock(),
		open:  make(map[closer]struct{}),
	}, nil
}

func (c *Client) API() contracts.API { return contracts.APIPortMidi }

func (c *Client) SupportsVirtual() bool { return false }

func (c *Client) Clock() contracts.NativeClock { return c.clock }

func deviceInfo(id portmidi.DeviceID, info *portmidi.DeviceInfo, dir contracts.Direction) contracts.PortInfo {
	caps := contracts.CapInput
	if dir == contracts.Output {
		caps = contracts.CapOutput
	}
	return contracts.PortInfo{
		API:        contracts.APIPortMidi,
		ClientID:   -1,
		PortID:     int(id),
		ClientName: info.Interface,
		PortName:   info.Name,
		Direction:  dir,
		Caps:       caps,
	}
}

// Enumerate lists the devices PortMidi found when it was initialised.
func (c *Client) Enumerate() (inputs, outputs []contracts.PortInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, contracts.ErrTransportUnavailable
	}
	for i := 0; i < portmidi.CountDevices(); i++ {
		id := portmidi.DeviceID(i)
		info := portmidi.Info(id)
		if info == nil {
			continue
		}
		if info.IsInputAvailable {
			inputs = append(inputs, deviceInfo(id, info, contracts.Input))
		}
		if info.IsOutputAvailable {
			outputs = append(outputs, deviceInfo(id, info, contracts.Output))
		}
	}
	return inputs, outputs, nil
}

// find must be called with mu held.
func (c *Client) find(port contracts.PortInfo, dir contracts.Direction) (portmidi.DeviceID, error) {
	if c.closed {
		return -1, contracts.ErrTransportUnavailable
	}
	if port.Direction != dir {
		return -1, contracts.ErrWrongDirection
	}
	if port.Virtual {
		return -1, contracts.ErrVirtualUnsupported
	}
	for i := 0; i < portmidi.CountDevices(); i++ {
		id := portmidi.DeviceID(i)
		info := portmidi.Info(id)
		if info == nil || deviceInfo(id, info, dir).ConnectName() != port.ConnectName() {
			continue
		}
		if (dir == contracts.Input && info.IsInputAvailable) || (dir == contracts.Output && info.IsOutputAvailable) {
			return id, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
}

// OpenInput opens an input stream. The sink is fed by Poll.
func (c *Client) OpenInput(port contracts.PortInfo, _ contracts.EventSink) (contracts.InputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.find(port, contracts.Input)
	if err != nil {
		return nil, err
	}
	stream, err := portmidi.NewInputStream(id, streamBuffer)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", port.ConnectName(), err)
	}
	p := &inPort{client: c, stream: stream, info: port}
	c.open[p] = struct{}{}
	return p, nil
}

// OpenOutput opens an output stream.
func (c *Client) OpenOutput(port contracts.PortInfo) (contracts.OutputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.find(port, contracts.Output)
	if err != nil {
		return nil, err
	}
	stream, err := portmidi.NewOutputStream(id, streamBuffer, outputLatency)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", port.ConnectName(), err)
	}
	p := &outPort{client: c, stream: stream, info: port}
	c.open[p] = struct{}{}
	return p, nil
}

func (c *Client) forget(p closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, p)
}

// Close closes every open stream and terminates PortMidi.
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
	err = multierr.Append(err, portmidi.Terminate())
	c.log.Info("PortMidi terminated")
	return err
}

type inPort struct {
	client *Client
	stream *portmidi.Stream
	info   contracts.PortInfo

	mu     sync.Mutex
	closed bool
}

func (p *inPort) Info() contracts.PortInfo { return p.info }

// Poll implements contracts.Poller.
func (p *inPort) Poll(sink contracts.EventSink) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, contracts.ErrBusClosed
	}
	ready, err := p.stream.Poll()
	if err != nil {
		return 0, fmt.Errorf("polling %s: %w", p.info.ConnectName(), err)
	}
	if !ready {
		return 0, nil
	}
	events, err := p.stream.Read(readBatch)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", p.info.ConnectName(), err)
	}
	now := p.client.clock.Now()
	n := 0
	for _, ev := range events {
		if sink.Push(contracts.Event{Timestamp: now, Data: unpack(ev.Status, ev.Data1, ev.Data2)}) {
			n++
		}
	}
	return n, nil
}

func (p *inPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.client.forget(p)
	return p.stream.Close()
}

type outPort struct {
	client *Client
	stream *portmidi.Stream
	info   contracts.PortInfo

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
	var err error
	if ev.IsSysEx() {
		err = p.stream.WriteSysExBytes(portmidi.Time(), ev.Data)
	} else {
		err = p.stream.WriteShort(pack(ev.Data))
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
	return p.stream.Close()
}
