//go:build linux
// +build linux

// Package midijack binds JACK MIDI ports. Native time is the frame count
// since the client was activated. The process callback moves input events
// into bus queues and writes due output events into the cycle buffers.
package midijack

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xthexder/go-jack"
	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/internal/ringbuf"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

const (
	hotplugBacklog = 64
	cycleWait      = 100 * time.Millisecond
)

type observerBox struct{ obs contracts.CycleObserver }

// portSet is the snapshot read by the process callback. It is replaced,
// never mutated.
type portSet struct {
	inputs  []*inPort
	outputs []*outPort
}

type registration struct {
	name  string
	added bool
}

// Client is the JACK transport.
type Client struct {
	log        contracts.Logger
	jc         *jack.Client
	fullName   string
	queueSize  int
	lockMemory bool

	rate   atomic.Uint32
	frames atomic.Uint64
	cycles atomic.Uint64
	xruns  atomic.Uint64

	lost     chan struct{}
	loseOnce sync.Once

	ports    atomic.Pointer[portSet]
	observer atomic.Pointer[observerBox]

	mu     sync.Mutex
	seq    int
	known  map[string]contracts.PortInfo
	closed bool

	registrations chan registration
	hotplug       chan contracts.HotplugEvent
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewMIDIClient opens a JACK client without starting a server.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	jc, code := jack.ClientOpen(options.ClientName, jack.NoStartServer)
	if jc == nil || code != 0 {
		err := wrapCode(code, "opening JACK client")
		if err == nil {
			err = errors.New("opening JACK client")
		}
		return nil, fmt.Errorf("%w: %w", contracts.ErrTransportUnavailable, err)
	}

	c := &Client{
		log:           options.Logger,
		jc:            jc,
		fullName:      jc.GetName(),
		queueSize:     options.OutputQueueSize,
		lockMemory:    options.LockMemory,
		known:         make(map[string]contracts.PortInfo),
		registrations: make(chan registration, hotplugBacklog),
		hotplug:       make(chan contracts.HotplugEvent, hotplugBacklog),
		done:          make(chan struct{}),
		lost:          make(chan struct{}),
	}
	c.rate.Store(jc.GetSampleRate())
	c.ports.Store(&portSet{})

	fail := func(err error) (contracts.Transport, error) {
		jc.Close()
		return nil, fmt.Errorf("%w: %w", contracts.ErrTransportUnavailable, err)
	}
	if err := wrapCode(jc.SetSampleRateCallback(c.sampleRate), "setting sample rate callback"); err != nil {
		return fail(err)
	}
	if err := wrapCode(jc.SetProcessCallback(c.process), "setting process callback"); err != nil {
		return fail(err)
	}
	if err := wrapCode(jc.SetPortRegistrationCallback(c.portRegistered), "setting port registration callback"); err != nil {
		return fail(err)
	}
	if err := wrapCode(jc.SetXRunCallback(c.xrun), "setting xrun callback"); err != nil {
		return fail(err)
	}
	jc.OnShutdown(c.shutdown)
	if err := wrapCode(jc.Activate(), "activating JACK client"); err != nil {
		return fail(err)
	}

	c.wg.Add(1)
	go c.resolve()

	c.log.Info("JACK client active",
		c.log.Field().String("name", c.fullName),
		c.log.Field().Uint64("sampleRate", uint64(c.rate.Load())),
		c.log.Field().Uint64("bufferSize", uint64(jc.GetBufferSize())))
	return c, nil
}

func (c *Client) API() contracts.API { return contracts.APIJack }

func (c *Client) SupportsVirtual() bool { return true }

// Clock returns the frame clock.
func (c *Client) Clock() contracts.NativeClock { return c }

// Rate returns the sample rate.
func (c *Client) Rate() uint32 { return c.rate.Load() }

// Now returns the first frame of the next process cycle.
func (c *Client) Now() uint64 { return c.frames.Load() }

// Hotplug implements contracts.HotplugNotifier.
func (c *Client) Hotplug() <-chan contracts.HotplugEvent { return c.hotplug }

// Lost implements contracts.LossNotifier. It is closed when the JACK server
// shuts down or kicks the client out.
func (c *Client) Lost() <-chan struct{} { return c.lost }

// XRuns returns the number of xruns JACK reported.
func (c *Client) XRuns() uint64 { return c.xruns.Load() }

// SetCycleObserver implements contracts.CycleReporter.
func (c *Client) SetCycleObserver(obs contracts.CycleObserver) {
	c.observer.Store(&observerBox{obs: obs})
}

func (c *Client) sampleRate(rate uint32) int {
	c.rate.Store(rate)
	return 0
}

// xrun runs on a JACK thread and only touches atomics.
func (c *Client) xrun() int {
	c.xruns.Add(1)
	if box := c.observer.Load(); box != nil && box.obs != nil {
		box.obs.Raise(contracts.DesyncXRun, 0)
	}
	return 0
}

// shutdown runs on a JACK thread once the server is gone. The client handle
// must not be used for anything but Close after this.
func (c *Client) shutdown() {
	c.loseOnce.Do(func() { close(c.lost) })
}

func (c *Client) gone() bool {
	select {
	case <-c.lost:
		return true
	default:
		return false
	}
}

// process runs on the JACK thread. It must not block, lock or log.
func (c *Client) process(nframes uint32) int {
	start := c.frames.Load()
	set := c.ports.Load()

	for _, in := range set.inputs {
		if in.closed.Load() {
			continue
		}
		for _, ev := range in.port.GetMidiEvents(nframes) {
			in.sink.Push(contracts.Event{Timestamp: start + uint64(ev.Time), Data: ev.Buffer})
		}
	}
	for _, out := range set.outputs {
		out.buf = out.port.MidiClearBuffer(nframes)
		if !out.closed.Load() {
			drainDue(out.queue, start, nframes, out)
		}
	}

	c.frames.Add(uint64(nframes))
	c.cycles.Add(1)
	if box := c.observer.Load(); box != nil && box.obs != nil {
		box.obs.ObserveCycle(nframes)
	}
	return 0
}

// portRegistered runs on the JACK notification thread and only hands the
// name over to resolve.
func (c *Client) portRegistered(id jack.PortId, registered bool) {
	p := c.jc.GetPortById(id)
	if p == nil {
		return
	}
	select {
	case c.registrations <- registration{name: p.GetName(), added: registered}:
	default:
	}
}

func (c *Client) resolve() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case r := <-c.registrations:
			c.mu.Lock()
			if ev, ok := c.hotplugEvent(r); ok && !c.closed {
				select {
				case c.hotplug <- ev:
				default:
					c.log.Warn("hotplug backlog full, dropping notification",
						c.log.Field().String("port", r.name))
				}
			}
			c.mu.Unlock()
		}
	}
}

// hotplugEvent must be called with mu held.
func (c *Client) hotplugEvent(r registration) (contracts.HotplugEvent, bool) {
	if c.closed || c.own(r.name) {
		return contracts.HotplugEvent{}, false
	}
	if !r.added {
		p, ok := c.known[r.name]
		if ok {
			delete(c.known, r.name)
		}
		return contracts.HotplugEvent{Kind: contracts.PortRemoved, Port: p}, ok
	}
	c.list()
	p, ok := c.known[r.name]
	return contracts.HotplugEvent{Kind: contracts.PortAdded, Port: p}, ok
}

func (c *Client) own(name string) bool {
	return strings.HasPrefix(name, c.fullName+":")
}

// Enumerate lists the MIDI ports of every other JACK client.
func (c *Client) Enumerate() (inputs, outputs []contracts.PortInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gone() {
		return nil, nil, contracts.ErrTransportUnavailable
	}
	inputs, outputs = c.list()
	return inputs, outputs, nil
}

// list must be called with mu held.
func (c *Client) list() (inputs, outputs []contracts.PortInfo) {
	physical := make(map[string]bool)
	for _, name := range c.jc.GetPorts("", jack.DEFAULT_MIDI_TYPE, jack.PortIsPhysical) {
		physical[name] = true
	}
	known := make(map[string]contracts.PortInfo)
	for i, name := range c.jc.GetPorts("", jack.DEFAULT_MIDI_TYPE, jack.PortIsOutput) {
		if c.own(name) {
			continue
		}
		p := portInfo(name, i, contracts.Input, physical[name])
		inputs = append(inputs, p)
		known[name] = p
	}
	for i, name := range c.jc.GetPorts("", jack.DEFAULT_MIDI_TYPE, jack.PortIsInput) {
		if c.own(name) {
			continue
		}
		p := portInfo(name, i, contracts.Output, physical[name])
		outputs = append(outputs, p)
		known[name] = p
	}
	c.known = known
	return inputs, outputs
}

func (c *Client) check(port contracts.PortInfo, dir contracts.Direction) (*jack.Port, error) {
	if c.closed || c.gone() {
		return nil, contracts.ErrTransportUnavailable
	}
	if port.Direction != dir {
		return nil, contracts.ErrWrongDirection
	}
	if port.Virtual {
		return nil, nil
	}
	remote := c.jc.GetPortByName(port.ConnectName())
	if remote == nil {
		return nil, fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
	}
	return remote, nil
}

// register must be called with mu held.
func (c *Client) register(port contracts.PortInfo, flags uint64, prefix string) (*jack.Port, error) {
	c.seq++
	name := port.PortName
	if !port.Virtual {
		name = fmt.Sprintf("%s_%d", prefix, c.seq)
	}
	jp := c.jc.PortRegister(name, jack.DEFAULT_MIDI_TYPE, flags, 0)
	if jp == nil {
		return nil, errors.Errorf("registering JACK port %q", name)
	}
	c.log.Debug("JACK port registered", c.log.Field().String("port", jp.GetName()))
	return jp, nil
}

func (c *Client) connect(src, dst *jack.Port) error {
	if code := c.jc.ConnectPorts(src, dst); code != 0 {
		return errors.Errorf("connecting %s to %s: JACK error %d", src.GetName(), dst.GetName(), code)
	}
	return nil
}

// publish replaces the process snapshot. It must be called with mu held.
func (c *Client) publish(fn func(*portSet)) {
	old := c.ports.Load()
	next := &portSet{
		inputs:  append([]*inPort(nil), old.inputs...),
		outputs: append([]*outPort(nil), old.outputs...),
	}
	fn(next)
	c.ports.Store(next)
}

// waitCycle returns once a full process cycle has started after the call,
// so no callback still holds a snapshot taken before it. It gives up after
// cycleWait when JACK is not running cycles.
func (c *Client) waitCycle() {
	seen := c.cycles.Load()
	deadline := time.Now().Add(cycleWait)
	for c.cycles.Load() < seen+2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// OpenInput registers a JACK input port and connects the remote output to
// it. Virtual inputs stay unconnected.
func (c *Client) OpenInput(port contracts.PortInfo, sink contracts.EventSink) (contracts.InputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remote, err := c.check(port, contracts.Input)
	if err != nil {
		return nil, err
	}
	jp, err := c.register(port, jack.PortIsInput, "in")
	if err != nil {
		return nil, err
	}
	if remote != nil {
		if err := c.connect(remote, jp); err != nil {
			return nil, multierr.Append(err, wrapCode(c.jc.PortUnregister(jp), "unregistering JACK port"))
		}
	}
	in := &inPort{client: c, port: jp, info: port, sink: sink}
	c.publish(func(s *portSet) { s.inputs = append(s.inputs, in) })
	return in, nil
}

// OpenOutput registers a JACK output port with its own send queue and
// connects it to the remote input.
func (c *Client) OpenOutput(port contracts.PortInfo) (contracts.OutputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remote, err := c.check(port, contracts.Output)
	if err != nil {
		return nil, err
	}
	jp, err := c.register(port, jack.PortIsOutput, "out")
	if err != nil {
		return nil, err
	}
	if remote != nil {
		if err := c.connect(jp, remote); err != nil {
			return nil, multierr.Append(err, wrapCode(c.jc.PortUnregister(jp), "unregistering JACK port"))
		}
	}
	out := &outPort{client: c, port: jp, info: port, queue: ringbuf.New[contracts.Event](c.queueSize)}
	if c.lockMemory {
		if err := out.queue.Lock(); err != nil {
			c.log.Warn("output queue not locked", c.log.Field().Error("error", err))
		}
	}
	c.publish(func(s *portSet) { s.outputs = append(s.outputs, out) })
	return out, nil
}

// Close deactivates the client. Ports still open are dropped with it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	close(c.hotplug)
	c.mu.Unlock()

	c.wg.Wait()
	// jack_client_close deactivates the client first.
	err := wrapCode(c.jc.Close(), "closing JACK client")
	c.ports.Store(&portSet{})
	c.log.Info("JACK client closed", c.log.Field().String("name", c.fullName))
	return err
}

type inPort struct {
	client *Client
	port   *jack.Port
	info   contracts.PortInfo
	sink   contracts.EventSink
	closed atomic.Bool
}

func (p *inPort) Info() contracts.PortInfo { return p.info }

func (p *inPort) Close() error {
	c := p.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	c.publish(func(s *portSet) {
		kept := s.inputs[:0]
		for _, in := range s.inputs {
			if in != p {
				kept = append(kept, in)
			}
		}
		s.inputs = kept
	})
	if c.closed || c.gone() {
		return nil
	}
	c.waitCycle()
	return wrapCode(c.jc.PortUnregister(p.port), "unregistering JACK port")
}

type outPort struct {
	client *Client
	port   *jack.Port
	info   contracts.PortInfo
	closed atomic.Bool

	// mu serialises producers; the process callback is the only consumer.
	mu    sync.Mutex
	queue *ringbuf.Ring[contracts.Event]

	// Owned by the process callback.
	buf     jack.MidiBuffer
	scratch jack.MidiData
}

func (p *outPort) Info() contracts.PortInfo { return p.info }

// Send queues ev for the process cycle its timestamp falls in. A zero
// timestamp goes out in the next cycle.
func (p *outPort) Send(ev contracts.Event) error {
	if p.closed.Load() {
		return contracts.ErrBusClosed
	}
	data := make([]byte, len(ev.Data))
	copy(data, ev.Data)
	ev.Data = data

	p.mu.Lock()
	ok := p.queue.Push(ev)
	p.mu.Unlock()
	if !ok {
		return contracts.ErrQueueFull
	}
	return nil
}

func (p *outPort) writeAt(offset uint32, data []byte) bool {
	p.scratch.Time = offset
	p.scratch.Buffer = data
	return p.port.MidiEventWrite(&p.scratch, p.buf) == 0
}

func (p *outPort) Close() error {
	c := p.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	c.publish(func(s *portSet) {
		kept := s.outputs[:0]
		for _, out := range s.outputs {
			if out != p {
				kept = append(kept, out)
			}
		}
		s.outputs = kept
	})
	if c.closed || c.gone() {
		p.unlockQueue()
		return nil
	}
	c.waitCycle()
	p.unlockQueue()
	return wrapCode(c.jc.PortUnregister(p.port), "unregistering JACK port")
}

func (p *outPort) unlockQueue() {
	if err := p.queue.Unlock(); err != nil {
		p.client.log.Warn("output queue not unlocked", p.client.log.Field().Error("error", err))
	}
}

func wrapCode(code int, msg string) error {
	return errors.Wrap(jack.StrError(code), msg)
}
