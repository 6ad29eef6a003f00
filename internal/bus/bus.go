// Package bus implements the numbered MIDI channels owned by the master. A
// bus holds at most one native connection, moves input through a ring
// buffer and paces MIDI clock on outputs.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/internal/ringbuf"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// Config describes a bus at creation time.
type Config struct {
	Index      int
	Direction  contracts.Direction
	Name       string
	QueueSize  int // Input ring capacity.
	LockMemory bool
	ClockMode  contracts.ClockMode
	ClockMod   int // Sixteenths between ClockMod start points; 0 means clock.DefaultClockMod.
	Filter     *contracts.MIDIEventFilter
}

// Bus is one input or output channel of the master.
type Bus struct {
	cfg       Config
	transport contracts.Transport
	sync      *clock.Synchronizer
	log       contracts.Logger

	state atomic.Int32

	// mu serialises Open/Close/Reconnect and guards the handles. Send only
	// takes the read side.
	mu   sync.RWMutex
	port contracts.PortInfo
	in   contracts.InputPort
	out  contracts.OutputPort

	queue  *ringbuf.Ring[contracts.Event]
	lastTS uint64 // producer side, reset by open before the producer starts

	clockMode atomic.Int32
	clockMu   sync.Mutex
	lastTick  int64

	sent       atomic.Uint64
	received   atomic.Uint64
	sendErrors atomic.Uint64
	clamped    atomic.Uint64
}

// New creates a closed bus bound to a transport.
func New(cfg Config, t contracts.Transport, s *clock.Synchronizer, log contracts.Logger) *Bus {
	b := &Bus{cfg: cfg, transport: t, sync: s, log: log, lastTick: -1}
	if cfg.ClockMod <= 0 {
		b.cfg.ClockMod = clock.DefaultClockMod
	}
	b.clockMode.Store(int32(cfg.ClockMode))
	if cfg.Direction == contracts.Input {
		b.queue = ringbuf.New[contracts.Event](cfg.QueueSize)
		if cfg.LockMemory {
			if err := b.queue.Lock(); err != nil {
				log.Warn("could not lock input queue in memory",
					log.Field().Int("bus", cfg.Index),
					log.Field().Error("error", err))
			}
		}
	}
	return b
}

// Index returns the position of the bus in the master's arena.
func (b *Bus) Index() int { return b.cfg.Index }

// Direction returns whether the bus is an input or an output.
func (b *Bus) Direction() contracts.Direction { return b.cfg.Direction }

// State returns the lifecycle state.
func (b *Bus) State() contracts.BusState {
	return contracts.BusState(b.state.Load())
}

// Port returns the descriptor of the current or last connection.
func (b *Bus) Port() contracts.PortInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.port
}

// Name returns the configured name, falling back to the port name.
func (b *Bus) Name() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}
	return b.Port().DisplayName()
}

// Open connects the bus to a system port, or creates a virtual port when the
// descriptor is virtual. An already open bus is closed first. On failure the
// bus is left Closed.
func (b *Bus) Open(port contracts.PortInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() != contracts.BusClosed {
		if err := b.release(); err != nil {
			b.log.Warn("closing previous connection",
				b.log.Field().Int("bus", b.cfg.Index),
				b.log.Field().Error("error", err))
		}
	}
	return b.open(port)
}

func (b *Bus) open(port contracts.PortInfo) error {
	b.port = port
	// A new connection may come with a restarted clock. No producer runs
	// until the state flips to Connected below.
	b.lastTS = 0
	if port.Direction != b.cfg.Direction {
		return &contracts.ConnectionError{Bus: b.cfg.Index, Port: port, Err: contracts.ErrWrongDirection}
	}

	var err error
	if b.cfg.Direction == contracts.Input {
		var in contracts.InputPort
		in, err = b.transport.OpenInput(port, b)
		if err == nil {
			b.in = in
		}
	} else {
		var out contracts.OutputPort
		out, err = b.transport.OpenOutput(port)
		if err == nil {
			b.out = out
		}
	}
	if err != nil {
		b.state.Store(int32(contracts.BusClosed))
		return &contracts.ConnectionError{Bus: b.cfg.Index, Port: port, Err: err}
	}

	b.state.Store(int32(contracts.BusConnected))
	b.log.Info("bus connected",
		b.log.Field().Int("bus", b.cfg.Index),
		b.log.Field().String("direction", b.cfg.Direction.String()),
		b.log.Field().String("port", port.ConnectName()),
		b.log.Field().Bool("virtual", port.Virtual))
	return nil
}

// Close releases the native connection. Closing a closed bus is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() == contracts.BusClosed {
		return nil
	}
	err := b.release()
	b.log.Info("bus closed",
		b.log.Field().Int("bus", b.cfg.Index),
		b.log.Field().String("direction", b.cfg.Direction.String()))
	return err
}

// release must be called with mu held.
func (b *Bus) release() error {
	// The driver stops forwarding before the handle goes away.
	b.state.Store(int32(contracts.BusSuspended))

	var err error
	if b.in != nil {
		err = b.in.Close()
		b.in = nil
	}
	if b.out != nil {
		err = b.out.Close()
		b.out = nil
	}
	b.state.Store(int32(contracts.BusClosed))
	if err != nil {
		return fmt.Errorf("bus %d: closing %s: %w", b.cfg.Index, b.port.ConnectName(), err)
	}
	return nil
}

// Suspend marks a connected bus suspended, for instance because its port
// vanished. It only flips an atomic and is safe on a driver thread.
func (b *Bus) Suspend() bool {
	return b.state.CompareAndSwap(int32(contracts.BusConnected), int32(contracts.BusSuspended))
}

// Reconnect drops whatever is left of the old connection and opens port.
func (b *Bus) Reconnect(port contracts.PortInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.in != nil || b.out != nil {
		if err := b.release(); err != nil {
			b.log.Debug("stale connection did not close cleanly",
				b.log.Field().Int("bus", b.cfg.Index),
				b.log.Field().Error("error", err))
		}
	}
	return b.open(port)
}

// Push implements contracts.EventSink for the transport's producer side.
// Timestamps going backwards are clamped to the previous one.
func (b *Bus) Push(ev contracts.Event) bool {
	if b.queue == nil || contracts.BusState(b.state.Load()) != contracts.BusConnected {
		return false
	}
	if ev.Timestamp < b.lastTS {
		ev.Timestamp = b.lastTS
		b.clamped.Add(1)
	}
	b.lastTS = ev.Timestamp
	ev.Bus = b.cfg.Index
	return b.queue.Push(ev)
}

// Poll moves pending native input into the queue for transports without an
// input callback, then reports whether anything is queued. It never blocks.
func (b *Bus) Poll() bool {
	if b.queue == nil {
		return false
	}
	b.mu.RLock()
	in := b.in
	b.mu.RUnlock()
	if p, ok := in.(contracts.Poller); ok && b.State() == contracts.BusConnected {
		if _, err := p.Poll(b); err != nil {
			b.log.Warn("polling input",
				b.log.Field().Int("bus", b.cfg.Index),
				b.log.Field().Error("error", err))
		}
	}
	return b.queue.Len() > 0
}

// Receive pops the next event that passes the filter and stamps its pulse.
func (b *Bus) Receive() (contracts.Event, bool) {
	if b.queue == nil {
		return contracts.Event{}, false
	}
	for {
		ev, ok := b.queue.Pop()
		if !ok {
			return contracts.Event{}, false
		}
		if !b.cfg.Filter.Allows(ev.Command()) {
			continue
		}
		ev.Pulse = b.sync.PulseAt(ev.Timestamp)
		b.received.Add(1)
		return ev, true
	}
}

// Send writes an event to the output port. An event with no timestamp but a
// pulse is scheduled at that pulse; one with neither goes out immediately.
func (b *Bus) Send(ev contracts.Event) error {
	if b.cfg.Direction != contracts.Output {
		return contracts.ErrWrongDirection
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.State() {
	case contracts.BusClosed:
		return contracts.ErrBusClosed
	case contracts.BusSuspended:
		return contracts.ErrBusSuspended
	}

	ev.Bus = b.cfg.Index
	if ev.Timestamp == 0 && ev.Pulse > 0 {
		ev.Timestamp = b.sync.NativeAt(ev.Pulse)
	}
	if err := b.out.Send(ev); err != nil {
		b.sendErrors.Add(1)
		return fmt.Errorf("bus %d: %w", b.cfg.Index, err)
	}
	b.sent.Add(1)
	return nil
}

// Flush pushes out anything the native port buffered.
func (b *Bus) Flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if f, ok := b.out.(contracts.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Counters returns a snapshot of the traffic counters.
func (b *Bus) Counters() contracts.BusCounters {
	c := contracts.BusCounters{
		Sent:       b.sent.Load(),
		Received:   b.received.Load(),
		SendErrors: b.sendErrors.Load(),
		Clamped:    b.clamped.Load(),
	}
	if b.queue != nil {
		c.Dropped = b.queue.Dropped()
	}
	return c
}

// Status returns a display snapshot.
func (b *Bus) Status() contracts.BusStatus {
	port := b.Port()
	return contracts.BusStatus{
		Index:     b.cfg.Index,
		Name:      b.Name(),
		Direction: b.cfg.Direction,
		State:     b.State(),
		Virtual:   port.Virtual,
		ClockMode: b.ClockMode(),
		Port:      port,
	}
}
