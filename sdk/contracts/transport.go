package contracts

// EventSink accepts events produced by a driver thread. Push must never block
// or allocate; it returns false when the event had to be dropped.
type EventSink interface {
	Push(ev Event) bool
}

// InputPort is an open native input connection.
type InputPort interface {
	Info() PortInfo
	Close() error
}

// Poller is implemented by input ports of transports without an input
// callback. Poll moves every pending native event into the sink and returns
// how many were moved.
type Poller interface {
	Poll(sink EventSink) (int, error)
}

// OutputPort is an open native output connection.
type OutputPort interface {
	Info() PortInfo
	Send(ev Event) error
	Close() error
}

// Flusher is implemented by output ports that buffer writes.
type Flusher interface {
	Flush() error
}

// NativeClock exposes the time domain of a transport.
type NativeClock interface {
	Rate() uint32 // Native units per second.
	Now() uint64  // Current position in native units.
}

// CycleObserver is notified from the driver thread once per process cycle.
// Implementations must be realtime-safe.
type CycleObserver interface {
	ObserveCycle(nframes uint32)
	// Raise reports a timing fault the driver detected itself, such as an
	// xrun.
	Raise(reason DesyncReason, pulses int64)
}

// CycleReporter is implemented by callback-driven transports that run a
// periodic process cycle, such as JACK.
type CycleReporter interface {
	SetCycleObserver(obs CycleObserver)
}

// HotplugKind tells whether a port appeared or vanished.
type HotplugKind int

const (
	PortAdded HotplugKind = iota
	PortRemoved
)

func (k HotplugKind) String() string {
	if k == PortAdded {
		return "added"
	}
	return "removed"
}

// HotplugEvent reports a port appearing or disappearing at runtime.
type HotplugEvent struct {
	Kind HotplugKind
	Port PortInfo
}

// LossNotifier is implemented by transports whose server can vanish under
// them. The channel is closed when that happens; it is not closed by Close.
type LossNotifier interface {
	Lost() <-chan struct{}
}

// HotplugNotifier is implemented by transports that deliver native port
// registration notifications. The channel is closed when the transport closes.
type HotplugNotifier interface {
	Hotplug() <-chan HotplugEvent
}

// Transport is the capability interface implemented once per native backend.
// Enumeration and Open/Close must only be called from application goroutines.
type Transport interface {
	API() API
	// Enumerate lists every input and output port currently visible.
	Enumerate() (inputs, outputs []PortInfo, err error)
	// SupportsVirtual reports whether OpenInput/OpenOutput accept virtual descriptors.
	SupportsVirtual() bool
	OpenInput(port PortInfo, sink EventSink) (InputPort, error)
	OpenOutput(port PortInfo) (OutputPort, error)
	Clock() NativeClock
	Close() error
}
