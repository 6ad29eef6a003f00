package midi

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/leandrodaf/midibus/internal/bus"
	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/internal/registry"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// Master owns the bound transport, its port registry, the clock
// synchronizer and the arena of input and output buses. Buses are referred
// to by their index inside the arena of their direction.
type Master struct {
	opts     []contracts.Option
	selector *Selector

	mu        sync.RWMutex
	options   contracts.ClientOptions
	log       contracts.Logger
	transport contracts.Transport
	registry  *registry.Registry
	sync      *clock.Synchronizer
	inputs    []*bus.Bus
	outputs   []*bus.Bus
	subID     uuid.UUID
	lastDrops uint64

	// done is closed when the current binding is torn down.
	done   chan struct{}
	closed bool
}

// build must be called with mu held.
func (m *Master) build(b *Binding) error {
	m.options = b.Options
	m.log = b.Options.Logger
	m.transport = b.Transport
	m.registry = b.Registry
	m.done = make(chan struct{})
	m.inputs, m.outputs = nil, nil
	m.lastDrops = 0

	clk := b.Transport.Clock()
	m.sync = clock.NewSynchronizer(clk.Rate(), m.options.PPQN, m.options.BPM, m.options.DesyncTolerance)
	m.sync.SetOrigin(clk.Now())
	if r, ok := b.Transport.(contracts.CycleReporter); ok {
		r.SetCycleObserver(m.sync)
	}
	if n, ok := b.Transport.(contracts.LossNotifier); ok {
		go m.watchLoss(n.Lost(), m.done)
	}

	api := b.Transport.API()
	var err error
	for i := 0; i < m.options.VirtualInputs; i++ {
		_, e := m.addBus(contracts.VirtualPort(api, contracts.Input, m.options.ClientName, i))
		err = multierr.Append(err, e)
	}
	for i := 0; i < m.options.VirtualOutputs; i++ {
		_, e := m.addBus(contracts.VirtualPort(api, contracts.Output, m.options.ClientName, i))
		err = multierr.Append(err, e)
	}
	if err != nil {
		return err
	}

	if m.options.AutoConnect {
		for _, p := range append(m.registry.Inputs(), m.registry.Outputs()...) {
			if p.System {
				continue
			}
			if _, err := m.addBus(p); err != nil {
				// A busy or protected device must not keep the others from working.
				m.log.Warn("auto-connect failed",
					m.log.Field().String("port", p.ConnectName()),
					m.log.Field().Error("error", err))
			}
		}
	}

	m.subID = m.registry.Subscribe(m.onPortChange)
	m.log.Info("master bus ready",
		m.log.Field().String("api", api.String()),
		m.log.Field().Int("inputs", len(m.inputs)),
		m.log.Field().Int("outputs", len(m.outputs)),
		m.log.Field().Uint64("rate", uint64(clk.Rate())))
	return nil
}

// addBus appends a bus for port to the arena and opens it. The bus stays in
// the arena, closed, when opening fails. Must be called with mu held.
func (m *Master) addBus(port contracts.PortInfo) (int, error) {
	arena := &m.inputs
	size := m.options.InputQueueSize
	mode := contracts.ClockDisabled
	if port.Direction == contracts.Output {
		arena = &m.outputs
		size = m.options.OutputQueueSize
		mode = contracts.ClockOff
	}
	b := bus.New(bus.Config{
		Index:      len(*arena),
		Direction:  port.Direction,
		Name:       port.DisplayName(),
		QueueSize:  size,
		LockMemory: m.options.LockMemory,
		ClockMode:  mode,
		Filter:     m.options.MIDIEventFilter,
	}, m.transport, m.sync, m.log)
	*arena = append(*arena, b)
	return b.Index(), b.Open(port)
}

// onPortChange keeps the buses in step with the registry. A vanished port
// suspends its buses; a port coming back reconnects them.
func (m *Master) onPortChange(ev contracts.HotplugEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	arena := m.inputs
	if ev.Port.Direction == contracts.Output {
		arena = m.outputs
	}
	key := ev.Port.Key()

	switch ev.Kind {
	case contracts.PortRemoved:
		for _, b := range arena {
			if !b.Port().Virtual && b.Port().Key() == key && b.Suspend() {
				m.log.Warn("bus suspended, port went away",
					m.log.Field().Int("bus", b.Index()),
					m.log.Field().String("port", ev.Port.ConnectName()))
			}
		}
	case contracts.PortAdded:
		known := false
		for _, b := range arena {
			if b.Port().Virtual || b.Port().Key() != key {
				continue
			}
			known = true
			if b.State() != contracts.BusSuspended {
				continue
			}
			if err := b.Reconnect(ev.Port); err != nil {
				m.log.Warn("reconnect failed",
					m.log.Field().Int("bus", b.Index()),
					m.log.Field().Error("error", err))
			}
		}
		if !known && m.options.AutoConnect && !ev.Port.System {
			if _, err := m.addBus(ev.Port); err != nil {
				m.log.Warn("auto-connect failed",
					m.log.Field().String("port", ev.Port.ConnectName()),
					m.log.Field().Error("error", err))
			}
		}
	}
}

func (m *Master) watchLoss(lost <-chan struct{}, done chan struct{}) {
	select {
	case <-lost:
		m.onTransportLost(done)
	case <-done:
	}
}

// onTransportLost suspends every bus of the binding that owned done. The
// buses stay suspended until they are reopened or the API is switched.
func (m *Master) onTransportLost(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.done != done {
		return
	}
	m.sync.Raise(contracts.DesyncShutdown, 0)
	n := 0
	for _, b := range append(append([]*bus.Bus(nil), m.inputs...), m.outputs...) {
		if b.Suspend() {
			n++
		}
	}
	m.log.Error("transport lost, buses suspended",
		m.log.Field().String("api", m.transport.API().String()),
		m.log.Field().Int("buses", n))
}

// API returns the bound transport API.
func (m *Master) API() contracts.API {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport.API()
}

// State returns the selector state.
func (m *Master) State() SelectorState {
	return m.selector.State()
}

// Ports returns the system ports known to the registry.
func (m *Master) Ports() (inputs, outputs []contracts.PortInfo) {
	m.mu.RLock()
	reg := m.registry
	m.mu.RUnlock()
	return reg.Inputs(), reg.Outputs()
}

// Rescan re-enumerates the ports now and applies the differences.
func (m *Master) Rescan() error {
	m.mu.RLock()
	reg := m.registry
	m.mu.RUnlock()
	_, err := reg.Scan()
	return err
}

// Inputs returns a status snapshot of every input bus.
func (m *Master) Inputs() []contracts.BusStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return statuses(m.inputs)
}

// Outputs returns a status snapshot of every output bus.
func (m *Master) Outputs() []contracts.BusStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return statuses(m.outputs)
}

func statuses(arena []*bus.Bus) []contracts.BusStatus {
	out := make([]contracts.BusStatus, len(arena))
	for i, b := range arena {
		out[i] = b.Status()
	}
	return out
}

func (m *Master) lookup(dir contracts.Direction, index int) (*bus.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arena := m.inputs
	if dir == contracts.Output {
		arena = m.outputs
	}
	if index < 0 || index >= len(arena) {
		return nil, fmt.Errorf("%s bus %d: %w", dir, index, contracts.ErrPortNotFound)
	}
	return arena[index], nil
}

// Connect adds a bus for a system or virtual port and returns its index.
func (m *Master) Connect(port contracts.PortInfo) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addBus(port)
}

// OpenBus reopens a bus on the port it was last connected to.
func (m *Master) OpenBus(dir contracts.Direction, index int) error {
	b, err := m.lookup(dir, index)
	if err != nil {
		return err
	}
	if b.State() == contracts.BusConnected {
		return nil
	}
	return b.Reconnect(b.Port())
}

// CloseBus closes a bus. Closing a closed bus is a no-op.
func (m *Master) CloseBus(dir contracts.Direction, index int) error {
	b, err := m.lookup(dir, index)
	if err != nil {
		return err
	}
	return b.Close()
}

// SetClockMode selects how MIDI clock goes out on an output bus.
func (m *Master) SetClockMode(index int, mode contracts.ClockMode) error {
	b, err := m.lookup(contracts.Output, index)
	if err != nil {
		return err
	}
	b.SetClockMode(mode)
	return nil
}

// Send writes ev to the output bus named by ev.Bus.
func (m *Master) Send(ev contracts.Event) error {
	return m.SendTo(ev.Bus, ev)
}

// SendTo writes ev to an output bus.
func (m *Master) SendTo(index int, ev contracts.Event) error {
	b, err := m.lookup(contracts.Output, index)
	if err != nil {
		return err
	}
	return b.Send(ev)
}

// SendSysEx writes a system exclusive message to an output bus.
func (m *Master) SendSysEx(index int, data []byte) error {
	b, err := m.lookup(contracts.Output, index)
	if err != nil {
		return err
	}
	return b.SendSysEx(data)
}

// Flush pushes out anything buffered by the output ports.
func (m *Master) Flush() error {
	return m.eachLive(func(b *bus.Bus) error { return b.Flush() })
}

// Panic silences every connected output.
func (m *Master) Panic() error {
	return m.eachOutput(func(b *bus.Bus) error {
		if b.State() != contracts.BusConnected {
			return nil
		}
		return b.Panic()
	})
}

func (m *Master) eachOutput(fn func(*bus.Bus) error) error {
	m.mu.RLock()
	outputs := append([]*bus.Bus(nil), m.outputs...)
	m.mu.RUnlock()
	var err error
	for _, b := range outputs {
		err = multierr.Append(err, fn(b))
	}
	return err
}

// eachLive runs fn on every output and drops the errors of buses that are
// not connected: those are muted, not broken.
func (m *Master) eachLive(fn func(*bus.Bus) error) error {
	return m.eachOutput(func(b *bus.Bus) error {
		err := fn(b)
		if b.State() != contracts.BusConnected {
			return nil
		}
		return err
	})
}

func (m *Master) inputBuses() []*bus.Bus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*bus.Bus(nil), m.inputs...)
}

// Poll reports whether any input bus has events queued. It never blocks.
func (m *Master) Poll() bool {
	ready := false
	for _, b := range m.inputBuses() {
		if b.Poll() {
			ready = true
		}
	}
	return ready
}

// Receive pops the next event of one input bus.
func (m *Master) Receive(index int) (contracts.Event, bool) {
	b, err := m.lookup(contracts.Input, index)
	if err != nil {
		return contracts.Event{}, false
	}
	b.Poll()
	return b.Receive()
}

// ReceiveMerged drains every input bus and returns the events ordered by
// pulse, ties broken by bus index.
func (m *Master) ReceiveMerged() []contracts.Event {
	buses := m.inputBuses()
	for _, b := range buses {
		b.Poll()
	}
	return bus.NewMerger(buses).Drain()
}

// Start anchors pulse zero at the current native time and starts MIDI clock
// on every output that sends it.
func (m *Master) Start() error {
	m.mu.Lock()
	m.refreshRate()
	m.sync.SetOrigin(m.transport.Clock().Now())
	m.mu.Unlock()
	m.sync.ResetPosition()
	return m.eachLive(func(b *bus.Bus) error { return b.InitClock(0) })
}

// ContinueFrom repositions to tick and resumes clock on every output.
func (m *Master) ContinueFrom(tick int64) error {
	m.relocate(tick)
	return m.eachLive(func(b *bus.Bus) error { return b.ContinueFrom(tick) })
}

// InitClock prepares every output to clock from tick according to its mode.
func (m *Master) InitClock(tick int64) error {
	m.relocate(tick)
	return m.eachLive(func(b *bus.Bus) error { return b.InitClock(tick) })
}

func (m *Master) relocate(tick int64) {
	m.mu.RLock()
	now := m.transport.Clock().Now()
	m.mu.RUnlock()
	m.sync.Anchor(now, tick)
	m.sync.ResetPosition()
}

// Stop sends Stop on every clocked output.
func (m *Master) Stop() error {
	return m.eachLive(func(b *bus.Bus) error { return b.Stop() })
}

// Clock emits the MIDI clock due up to tick on every output.
func (m *Master) Clock(tick int64) error {
	return m.eachLive(func(b *bus.Bus) error {
		_, err := b.Clock(tick)
		return err
	})
}

// SetBPM changes the tempo. The current position is kept; only the time
// still to come follows the new tempo.
func (m *Master) SetBPM(bpm float64) bool {
	return m.retime(0, bpm, 0)
}

// SetPPQN changes the pulse resolution. The current position is rescaled to
// the new resolution.
func (m *Master) SetPPQN(ppqn int) bool {
	return m.retime(0, 0, ppqn)
}

func (m *Master) retime(rate uint32, bpm float64, ppqn int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retimeLocked(rate, bpm, ppqn)
}

// retimeLocked must be called with mu held.
func (m *Master) retimeLocked(rate uint32, bpm float64, ppqn int) bool {
	if !m.sync.Retime(m.transport.Clock().Now(), rate, bpm, ppqn) {
		return false
	}
	m.sync.ResetPosition()
	return true
}

// BPM returns the tempo in effect.
func (m *Master) BPM() float64 { return m.synchronizer().BPM() }

// PPQN returns the pulse resolution in effect.
func (m *Master) PPQN() int { return m.synchronizer().PPQN() }

func (m *Master) synchronizer() *clock.Synchronizer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sync
}

// PulseToNative converts pulses to the native units of the transport.
func (m *Master) PulseToNative(p int64) uint64 { return m.synchronizer().PulseToNative(p) }

// NativeToPulse converts native units of the transport to pulses.
func (m *Master) NativeToPulse(n uint64) int64 { return m.synchronizer().NativeToPulse(n) }

// Position returns the current transport position in pulses.
func (m *Master) Position() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sync.PulseAt(m.transport.Clock().Now())
}

// CheckDrift compares the engine's logical pulse with the transport
// position and returns the difference. Large or backwards drifts raise a
// desync.
func (m *Master) CheckDrift(logical int64) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sync.CheckDrift(logical, m.transport.Clock().Now())
}

// Desync returns the latest desync report and an error wrapping
// contracts.ErrClockDesync when one was raised.
func (m *Master) Desync() (contracts.DesyncReport, error) {
	report, raised := m.synchronizer().Desync()
	if !raised {
		return report, nil
	}
	return report, fmt.Errorf("%w: %s (%d pulses)", contracts.ErrClockDesync, report.Reason, report.Pulses)
}

// ClearDesync acknowledges the desync state.
func (m *Master) ClearDesync() { m.synchronizer().ClearDesync() }

// Health collects the counters of every bus and the desync state. A change
// in the number of dropped input events is logged.
func (m *Master) Health() contracts.Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshRate()
	h := contracts.Health{API: m.transport.API()}
	for _, b := range m.inputs {
		c := b.Counters()
		h.Inputs = append(h.Inputs, c)
		h.QueueDrops += c.Dropped
	}
	for _, b := range m.outputs {
		h.Outputs = append(h.Outputs, b.Counters())
	}
	if report, raised := m.sync.Desync(); raised {
		h.Desync = &report
	}

	if h.QueueDrops != m.lastDrops {
		m.log.Warn("input events dropped",
			m.log.Field().Uint64("total", h.QueueDrops),
			m.log.Field().Uint64("new", h.QueueDrops-m.lastDrops))
		m.lastDrops = h.QueueDrops
	}
	return h
}

// refreshRate follows a sample rate change of the transport. Must be called
// with mu held.
func (m *Master) refreshRate() {
	rate := m.transport.Clock().Rate()
	if rate == m.sync.Rate() {
		return
	}
	m.log.Info("transport rate changed",
		m.log.Field().Uint64("from", uint64(m.sync.Rate())),
		m.log.Field().Uint64("to", uint64(rate)))
	m.retimeLocked(rate, 0, 0)
}

// Run follows port hotplug until ctx is done or the master is closed. It
// survives SwitchAPI by moving to the new registry.
func (m *Master) Run(ctx context.Context) error {
	for {
		m.mu.RLock()
		reg, done, closed := m.registry, m.done, m.closed
		interval := m.options.HotplugPollInterval
		m.mu.RUnlock()
		if closed {
			return nil
		}

		wctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-done:
				cancel()
			case <-wctx.Done():
			}
		}()
		reg.Watch(wctx, interval)
		cancel()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// SwitchAPI tears every bus down and rebuilds the master on another
// transport. Settings are read again. When the new transport cannot be bound
// the master is left closed.
func (m *Master) SwitchAPI(api contracts.API) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return contracts.ErrBusClosed
	}
	if err := m.teardown(); err != nil {
		m.log.Warn("teardown before switching transport", m.log.Field().Error("error", err))
	}

	opts := append(append([]contracts.Option(nil), m.opts...), contracts.WithTransport(nil), contracts.WithAPI(api))
	binding, err := m.selector.Select(opts...)
	if err != nil {
		m.closed = true
		return err
	}
	if err := m.build(binding); err != nil {
		m.closed = true
		return multierr.Append(err, m.teardown())
	}
	return nil
}

// teardown must be called with mu held.
func (m *Master) teardown() error {
	var err error
	if m.registry != nil {
		m.registry.Unsubscribe(m.subID)
	}
	for _, b := range append(append([]*bus.Bus(nil), m.inputs...), m.outputs...) {
		err = multierr.Append(err, b.Close())
	}
	if m.transport != nil {
		err = multierr.Append(err, m.transport.Close())
	}
	if m.done != nil {
		select {
		case <-m.done:
		default:
			close(m.done)
		}
	}
	return err
}

// Close closes every bus and the transport. It is safe to call twice.
func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.teardown()
	if m.log != nil {
		m.log.Info("master bus closed")
	}
	return err
}
