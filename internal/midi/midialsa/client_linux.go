//go:build linux
// +build linux

// Package midialsa binds the ALSA sequencer through rtmidi. Native time is
// the wall clock in microseconds. Input events are stamped when rtmidi hands
// them over, and output events are written as soon as they are sent.
package midialsa

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

type closer interface {
	Close() error
}

// Client is the ALSA transport.
type Client struct {
	log   contracts.Logger
	drv   *rtmididrv.Driver
	clock *clock.WallClock

	mu      sync.Mutex
	open    map[closer]struct{}
	virtual map[string]bool
	closed  bool
}

// NewMIDIClient opens the ALSA sequencer.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("%w: opening ALSA sequencer: %w", contracts.ErrTransportUnavailable, err)
	}
	options.Logger.Info("ALSA sequencer opened", options.Logger.Field().String("driver", drv.String()))
	return &Client{
		log:     options.Logger,
		drv:     drv,
		clock:   clock.NewWallClock(),
		open:    make(map[closer]struct{}),
		virtual: make(map[string]bool),
	}, nil
}

func (c *Client) API() contracts.API { return contracts.APIALSA }

func (c *Client) SupportsVirtual() bool { return true }

func (c *Client) Clock() contracts.NativeClock { return c.clock }

// Enumerate lists the sequencer ports, the announce port first. Virtual
// ports of this client are left out.
func (c *Client) Enumerate() (inputs, outputs []contracts.PortInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, contracts.ErrTransportUnavailable
	}

	inNames, outNames, err := c.names()
	if err != nil {
		return nil, nil, err
	}
	inputs = append(inputs, announcePort())
	for i, n := range inNames {
		if p := parsePortName(n, i, contracts.Input); !c.virtual[p.PortName] {
			inputs = append(inputs, p)
		}
	}
	for i, n := range outNames {
		if p := parsePortName(n, i, contracts.Output); !c.virtual[p.PortName] {
			outputs = append(outputs, p)
		}
	}
	return inputs, outputs, nil
}

func (c *Client) names() (ins, outs []string, err error) {
	in, err := c.drv.Ins()
	if err != nil {
		return nil, nil, fmt.Errorf("listing ALSA inputs: %w", err)
	}
	out, err := c.drv.Outs()
	if err != nil {
		return nil, nil, fmt.Errorf("listing ALSA outputs: %w", err)
	}
	for _, p := range in {
		ins = append(ins, p.String())
	}
	for _, p := range out {
		outs = append(outs, p.String())
	}
	return ins, outs, nil
}

func (c *Client) check(port contracts.PortInfo, dir contracts.Direction) error {
	if c.closed {
		return contracts.ErrTransportUnavailable
	}
	if port.Direction != dir {
		return contracts.ErrWrongDirection
	}
	if port.System {
		return fmt.Errorf("%w: %s cannot be opened through rtmidi", contracts.ErrPortNotFound, port.ConnectName())
	}
	return nil
}

func (c *Client) findIn(port contracts.PortInfo) (drivers.In, error) {
	ins, err := c.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("listing ALSA inputs: %w", err)
	}
	names := make([]string, len(ins))
	for i, in := range ins {
		names[i] = in.String()
	}
	i := indexOf(names, port)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
	}
	return ins[i], nil
}

func (c *Client) findOut(port contracts.PortInfo) (drivers.Out, error) {
	outs, err := c.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("listing ALSA outputs: %w", err)
	}
	names := make([]string, len(outs))
	for i, out := range outs {
		names[i] = out.String()
	}
	i := indexOf(names, port)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
	}
	return outs[i], nil
}

// OpenInput subscribes to a sequencer port, or creates a virtual input
// other clients can write to.
func (c *Client) OpenInput(port contracts.PortInfo, sink contracts.EventSink) (contracts.InputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(port, contracts.Input); err != nil {
		return nil, err
	}

	var (
		in  drivers.In
		err error
	)
	if port.Virtual {
		in, err = c.drv.OpenVirtualIn(port.PortName)
		if err != nil {
			return nil, fmt.Errorf("creating virtual input %q: %w", port.PortName, err)
		}
		if !in.IsOpen() {
			if err = in.Open(); err != nil {
				return nil, fmt.Errorf("opening virtual input %q: %w", port.PortName, err)
			}
		}
	} else {
		if in, err = c.findIn(port); err != nil {
			return nil, err
		}
		if err = in.Open(); err != nil {
			return nil, classify(err)
		}
	}

	p := &inPort{client: c, in: in, info: port, sink: sink}
	stop, err := in.Listen(p.receive, drivers.ListenConfig{
		SysEx:    true,
		TimeCode: true,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("listening on %s: %w", port.ConnectName(), err), in.Close())
	}
	p.stop = stop
	if port.Virtual {
		c.virtual[port.PortName] = true
	}
	c.open[p] = struct{}{}
	return p, nil
}

// OpenOutput connects to a sequencer port, or creates a virtual output
// other clients can read from.
func (c *Client) OpenOutput(port contracts.PortInfo) (contracts.OutputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(port, contracts.Output); err != nil {
		return nil, err
	}

	var (
		out drivers.Out
		err error
	)
	if port.Virtual {
		out, err = c.drv.OpenVirtualOut(port.PortName)
		if err != nil {
			return nil, fmt.Errorf("creating virtual output %q: %w", port.PortName, err)
		}
		if !out.IsOpen() {
			if err = out.Open(); err != nil {
				return nil, fmt.Errorf("opening virtual output %q: %w", port.PortName, err)
			}
		}
		c.virtual[port.PortName] = true
	} else {
		if out, err = c.findOut(port); err != nil {
			return nil, err
		}
		if err = out.Open(); err != nil {
			return nil, classify(err)
		}
	}

	p := &outPort{client: c, out: out, info: port}
	c.open[p] = struct{}{}
	return p, nil
}

func (c *Client) forget(p closer, info contracts.PortInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, p)
	if info.Virtual {
		delete(c.virtual, info.PortName)
	}
}

// Close closes every open port, then the sequencer handle.
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
	err = multierr.Append(err, c.drv.Close())
	c.log.Info("ALSA sequencer closed")
	return err
}

type inPort struct {
	client *Client
	in     drivers.In
	info   contracts.PortInfo
	sink   contracts.EventSink
	stop   func()
	closed atomic.Bool
}

func (p *inPort) Info() contracts.PortInfo { return p.info }

// receive runs on the rtmidi thread.
func (p *inPort) receive(msg []byte, _ int32) {
	if p.closed.Load() || len(msg) == 0 {
		return
	}
	data := make([]byte, len(msg))
	copy(data, msg)
	p.sink.Push(contracts.Event{Timestamp: p.client.clock.Now(), Data: data})
}

func (p *inPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.stop != nil {
		p.stop()
	}
	p.client.forget(p, p.info)
	return p.in.Close()
}

type outPort struct {
	client *Client
	out    drivers.Out
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
	if err := p.out.Send(ev.Data); err != nil {
		return fmt.Errorf("writing to %s: %w", p.info.ConnectName(), err)
	}
	return nil
}

func (p *outPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.client.forget(p, p.info)
	return p.out.Close()
}
