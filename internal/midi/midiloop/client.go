// Package midiloop is an in-process transport. Its ports are plain Go
// values: outputs record what they were sent and inputs are fed with Inject.
// It supports virtual ports, simulated hotplug and a settable clock, and is
// what the module's tests bind instead of a native SDK.
package midiloop

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

const hotplugBacklog = 64

// Option configures a loopback client.
type Option func(*Client)

// WithClock replaces the default wall clock.
func WithClock(c contracts.NativeClock) Option {
	return func(l *Client) { l.clock = c }
}

// WithoutVirtual makes the client refuse virtual ports.
func WithoutVirtual() Option {
	return func(l *Client) { l.virtual = false }
}

// WithSendLimit makes every output hold at most n events; further sends fail
// with ErrQueueFull as a full driver queue would.
func WithSendLimit(n int) Option {
	return func(l *Client) { l.sendLimit = n }
}

// WithPorts pre-populates system ports without hotplug notifications.
func WithPorts(ports ...contracts.PortInfo) Option {
	return func(l *Client) {
		for _, p := range ports {
			p.API = contracts.APILoopback
			l.ports[p.Key()] = p
			l.order = append(l.order, p.Key())
		}
	}
}

type sinkEntry struct {
	sink contracts.EventSink
	port *inPort
}

// Client is the loopback transport.
type Client struct {
	name      string
	clock     contracts.NativeClock
	virtual   bool
	sendLimit int

	mu      sync.Mutex
	ports   map[string]contracts.PortInfo
	order   []string
	denied  map[string]bool
	enumErr error
	sent    map[string][]contracts.Event
	closed  bool
	opened  int

	// sinks is replaced wholesale on every change and read without locks by Inject.
	sinks atomic.Pointer[map[string][]sinkEntry]

	observer atomic.Pointer[observerBox]
	hotplug  chan contracts.HotplugEvent
	lost     chan struct{}
	loseOnce sync.Once
}

type observerBox struct{ obs contracts.CycleObserver }

// New creates a loopback transport.
func New(name string, opts ...Option) *Client {
	l := &Client{
		name:    name,
		clock:   clock.NewWallClock(),
		virtual: true,
		ports:   make(map[string]contracts.PortInfo),
		denied:  make(map[string]bool),
		sent:    make(map[string][]contracts.Event),
		hotplug: make(chan contracts.HotplugEvent, hotplugBacklog),
		lost:    make(chan struct{}),
	}
	empty := map[string][]sinkEntry{}
	l.sinks.Store(&empty)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewMIDIClient adapts New to the transport factory signature.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	return New(options.ClientName), nil
}

func (l *Client) API() contracts.API { return contracts.APILoopback }

func (l *Client) SupportsVirtual() bool { return l.virtual }

func (l *Client) Clock() contracts.NativeClock { return l.clock }

// Hotplug implements contracts.HotplugNotifier.
func (l *Client) Hotplug() <-chan contracts.HotplugEvent { return l.hotplug }

// SetCycleObserver implements contracts.CycleReporter.
func (l *Client) SetCycleObserver(obs contracts.CycleObserver) {
	l.observer.Store(&observerBox{obs: obs})
}

// RunCycle simulates one driver process cycle of nframes.
func (l *Client) RunCycle(nframes uint32) {
	if mc, ok := l.clock.(*clock.ManualClock); ok {
		mc.Advance(uint64(nframes))
	}
	if box := l.observer.Load(); box != nil && box.obs != nil {
		box.obs.ObserveCycle(nframes)
	}
}

// XRun simulates the driver reporting a buffer overrun.
func (l *Client) XRun() {
	if box := l.observer.Load(); box != nil && box.obs != nil {
		box.obs.Raise(contracts.DesyncXRun, 0)
	}
}

// Lost implements contracts.LossNotifier.
func (l *Client) Lost() <-chan struct{} { return l.lost }

// Lose simulates the server going away.
func (l *Client) Lose() {
	l.loseOnce.Do(func() { close(l.lost) })
}

// Enumerate lists the current system ports.
func (l *Client) Enumerate() (inputs, outputs []contracts.PortInfo, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, contracts.ErrTransportUnavailable
	}
	if l.enumErr != nil {
		return nil, nil, l.enumErr
	}
	for _, key := range l.order {
		p := l.ports[key]
		if p.Direction == contracts.Input {
			inputs = append(inputs, p)
		} else {
			outputs = append(outputs, p)
		}
	}
	return inputs, outputs, nil
}

// FailEnumerate makes Enumerate return err until called again with nil.
func (l *Client) FailEnumerate(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enumErr = err
}

// Deny makes opening the named port fail with ErrPermission.
func (l *Client) Deny(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.denied[key] = true
}

// AddPort simulates a device appearing.
func (l *Client) AddPort(p contracts.PortInfo) contracts.PortInfo {
	p.API = contracts.APILoopback
	l.mu.Lock()
	if _, exists := l.ports[p.Key()]; !exists {
		l.order = append(l.order, p.Key())
	}
	l.ports[p.Key()] = p
	l.notify(contracts.HotplugEvent{Kind: contracts.PortAdded, Port: p})
	l.mu.Unlock()
	return p
}

// RemovePort simulates a device vanishing. Open connections to it stop
// delivering and refuse to send.
func (l *Client) RemovePort(key string) bool {
	l.mu.Lock()
	p, ok := l.ports[key]
	if ok {
		delete(l.ports, key)
		for i, k := range l.order {
			if k == key {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
		l.updateSinks(func(m map[string][]sinkEntry) {
			delete(m, key)
		})
		l.notify(contracts.HotplugEvent{Kind: contracts.PortRemoved, Port: p})
	}
	l.mu.Unlock()
	return ok
}

// notify must be called with mu held.
func (l *Client) notify(ev contracts.HotplugEvent) {
	if l.closed {
		return
	}
	select {
	case l.hotplug <- ev:
	default:
	}
}

// Inject delivers raw bytes to every open input connected to key, as a
// driver callback would. It never blocks and reports how many sinks took it.
func (l *Client) Inject(key string, data ...byte) int {
	entries := (*l.sinks.Load())[key]
	ts := l.clock.Now()
	n := 0
	for _, e := range entries {
		buf := make([]byte, len(data))
		copy(buf, data)
		if e.sink.Push(contracts.Event{Timestamp: ts, Data: buf}) {
			n++
		}
	}
	return n
}

// Sent returns a copy of everything written to the port.
func (l *Client) Sent(key string) []contracts.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.Event, len(l.sent[key]))
	copy(out, l.sent[key])
	return out
}

// OpenCount returns the number of native connections currently open.
func (l *Client) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

func (l *Client) updateSinks(fn func(map[string][]sinkEntry)) {
	old := *l.sinks.Load()
	next := make(map[string][]sinkEntry, len(old))
	for k, v := range old {
		next[k] = append([]sinkEntry(nil), v...)
	}
	fn(next)
	l.sinks.Store(&next)
}

func (l *Client) check(port contracts.PortInfo, dir contracts.Direction) (string, error) {
	if l.closed {
		return "", contracts.ErrTransportUnavailable
	}
	if port.Direction != dir {
		return "", contracts.ErrWrongDirection
	}
	port.API = contracts.APILoopback
	key := port.Key()
	if port.Virtual {
		if !l.virtual {
			return "", contracts.ErrVirtualUnsupported
		}
		return key, nil
	}
	if _, ok := l.ports[key]; !ok {
		return "", fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
	}
	if l.denied[key] {
		return "", contracts.ErrPermission
	}
	return key, nil
}

// OpenInput connects sink to a system port or creates a virtual input.
func (l *Client) OpenInput(port contracts.PortInfo, sink contracts.EventSink) (contracts.InputPort, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.check(port, contracts.Input)
	if err != nil {
		return nil, err
	}
	in := &inPort{client: l, key: key, info: port}
	l.updateSinks(func(m map[string][]sinkEntry) {
		m[key] = append(m[key], sinkEntry{sink: sink, port: in})
	})
	l.opened++
	return in, nil
}

// OpenOutput connects to a system port or creates a virtual output.
func (l *Client) OpenOutput(port contracts.PortInfo) (contracts.OutputPort, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.check(port, contracts.Output)
	if err != nil {
		return nil, err
	}
	l.opened++
	return &outPort{client: l, key: key, info: port}, nil
}

// Close shuts the transport down and closes the hotplug channel.
func (l *Client) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	empty := map[string][]sinkEntry{}
	l.sinks.Store(&empty)
	close(l.hotplug)
	return nil
}

type inPort struct {
	client *Client
	key    string
	info   contracts.PortInfo
	closed bool
}

func (p *inPort) Info() contracts.PortInfo { return p.info }

func (p *inPort) Close() error {
	l := p.client
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	l.opened--
	l.updateSinks(func(m map[string][]sinkEntry) {
		kept := m[p.key][:0]
		for _, e := range m[p.key] {
			if e.port != p {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m, p.key)
		} else {
			m[p.key] = kept
		}
	})
	return nil
}

type outPort struct {
	client *Client
	key    string
	info   contracts.PortInfo
	closed bool
}

func (p *outPort) Info() contracts.PortInfo { return p.info }

func (p *outPort) Send(ev contracts.Event) error {
	l := p.client
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.closed {
		return contracts.ErrBusClosed
	}
	if !p.info.Virtual {
		if _, ok := l.ports[p.key]; !ok {
			return fmt.Errorf("%w: %s", contracts.ErrPortNotFound, p.info.ConnectName())
		}
	}
	if l.sendLimit > 0 && len(l.sent[p.key]) >= l.sendLimit {
		return contracts.ErrQueueFull
	}
	data := make([]byte, len(ev.Data))
	copy(data, ev.Data)
	ev.Data = data
	if ev.Timestamp == 0 {
		ev.Timestamp = l.clock.Now()
	}
	l.sent[p.key] = append(l.sent[p.key], ev)
	return nil
}

func (p *outPort) Close() error {
	l := p.client
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	l.opened--
	return nil
}
