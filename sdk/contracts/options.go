package contracts

import "time"

// MIDICommand represents a MIDI status: the high nibble for channel
// messages, the full byte for system messages.
type MIDICommand byte

const (
	NoteOff         MIDICommand = 0x80
	NoteOn          MIDICommand = 0x90
	PolyAftertouch  MIDICommand = 0xA0
	ControlChange   MIDICommand = 0xB0
	ProgramChange   MIDICommand = 0xC0
	ChannelPressure MIDICommand = 0xD0
	PitchBend       MIDICommand = 0xE0
	SysExStart      MIDICommand = 0xF0
	SongPosition    MIDICommand = 0xF2
	SysExEnd        MIDICommand = 0xF7
	TimingClock     MIDICommand = 0xF8
	Start           MIDICommand = 0xFA
	Continue        MIDICommand = 0xFB
	Stop            MIDICommand = 0xFC
	ActiveSensing   MIDICommand = 0xFE
	SystemReset     MIDICommand = 0xFF
)

// MIDIEventFilter allows users to specify which MIDI commands to capture.
type MIDIEventFilter struct {
	Commands []MIDICommand // List of MIDI commands to keep. Empty keeps everything.
}

// Allows reports whether events with the given command pass the filter.
func (f *MIDIEventFilter) Allows(cmd MIDICommand) bool {
	if f == nil || len(f.Commands) == 0 {
		return true
	}
	for _, allowed := range f.Commands {
		if allowed == cmd {
			return true
		}
	}
	return false
}

// ClientOptions defines the configuration of a master bus.
type ClientOptions struct {
	Logger          Logger           // Logger for logging events and errors.
	LogLevel        LogLevel         // Level of logging to use.
	LogFilePath     string           // File path for logging if file logging is enabled.
	MIDIEventFilter *MIDIEventFilter // Optional filter applied to received events.

	ConfigPath string    // Optional TOML settings file, read once per selection.
	API        API       // Transport to bind; APIUnspecified tries each backend.
	Transport  Transport // Pre-built transport; skips selection when set.
	ClientName string    // Name announced to the MIDI system.

	VirtualInputs  int  // Number of virtual input buses to create.
	VirtualOutputs int  // Number of virtual output buses to create.
	AutoConnect    bool // Open a bus for every enumerated system port.

	InputQueueSize  int  // Ring capacity per input bus, in events.
	OutputQueueSize int  // Ring capacity per output port on callback transports.
	LockMemory      bool // Pin ring buffers in RAM.

	PPQN                int           // Pulses per quarter note.
	BPM                 float64       // Beats per minute.
	DesyncTolerance     int64         // Pulses per cycle tolerated before a desync; 0 means ppqn/8.
	HotplugPollInterval time.Duration // Re-enumeration period for transports without notifications.
}

// Option is a function that modifies ClientOptions.
type Option func(*ClientOptions)

// WithLogger sets the logger for the master bus.
func WithLogger(l Logger) Option {
	return func(opts *ClientOptions) {
		opts.Logger = l
	}
}

// WithLogLevel sets the logging level.
func WithLogLevel(level LogLevel) Option {
	return func(opts *ClientOptions) {
		opts.LogLevel = level
	}
}

// WithLogFile sends log output to a file.
func WithLogFile(path string) Option {
	return func(opts *ClientOptions) {
		opts.LogFilePath = path
	}
}

// WithMIDIEventFilter sets the filter applied to received events.
func WithMIDIEventFilter(filter MIDIEventFilter) Option {
	return func(opts *ClientOptions) {
		opts.MIDIEventFilter = &filter
	}
}

// WithConfigFile names the TOML settings file.
func WithConfigFile(path string) Option {
	return func(opts *ClientOptions) {
		opts.ConfigPath = path
	}
}

// WithAPI selects the transport explicitly.
func WithAPI(api API) Option {
	return func(opts *ClientOptions) {
		opts.API = api
	}
}

// WithTransport binds an already constructed transport.
func WithTransport(t Transport) Option {
	return func(opts *ClientOptions) {
		opts.Transport = t
		if t != nil {
			opts.API = t.API()
		}
	}
}

// WithClientName sets the name announced to the MIDI system.
func WithClientName(name string) Option {
	return func(opts *ClientOptions) {
		opts.ClientName = name
	}
}

// WithVirtualPorts requests application-created ports.
func WithVirtualPorts(inputs, outputs int) Option {
	return func(opts *ClientOptions) {
		opts.VirtualInputs = inputs
		opts.VirtualOutputs = outputs
	}
}

// WithAutoConnect controls whether enumerated system ports get a bus.
func WithAutoConnect(on bool) Option {
	return func(opts *ClientOptions) {
		opts.AutoConnect = on
	}
}

// WithQueueSizes sets the ring buffer capacities.
func WithQueueSizes(input, output int) Option {
	return func(opts *ClientOptions) {
		opts.InputQueueSize = input
		opts.OutputQueueSize = output
	}
}

// WithMemoryLock pins the ring buffers in RAM.
func WithMemoryLock(on bool) Option {
	return func(opts *ClientOptions) {
		opts.LockMemory = on
	}
}

// WithTiming sets the logical clock resolution and tempo.
func WithTiming(ppqn int, bpm float64) Option {
	return func(opts *ClientOptions) {
		opts.PPQN = ppqn
		opts.BPM = bpm
	}
}

// WithDesyncTolerance sets how many pulses one driver cycle may span.
func WithDesyncTolerance(pulses int64) Option {
	return func(opts *ClientOptions) {
		opts.DesyncTolerance = pulses
	}
}

// WithHotplugPollInterval sets the re-enumeration period.
func WithHotplugPollInterval(d time.Duration) Option {
	return func(opts *ClientOptions) {
		opts.HotplugPollInterval = d
	}
}
