package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// Ports holds the bus-creation settings.
type Ports struct {
	VirtualInputs  int  `toml:"virtual_inputs"`
	VirtualOutputs int  `toml:"virtual_outputs"`
	AutoConnect    bool `toml:"auto_connect"`
}

// Buffers holds the queue sizes.
type Buffers struct {
	InputQueue  int  `toml:"input_queue"`
	OutputQueue int  `toml:"output_queue"`
	LockMemory  bool `toml:"lock_memory"`
}

// Clock holds the timing settings.
type Clock struct {
	DesyncTolerance int64 `toml:"desync_tolerance_pulses"`
	HotplugPollMS   int   `toml:"hotplug_poll_ms"`
}

// Settings is the on-disk settings store.
type Settings struct {
	API        contracts.API `toml:"api"`
	ClientName string        `toml:"client_name"`
	PPQN       int           `toml:"ppqn"`
	BPM        float64       `toml:"bpm"`
	LogLevel   string        `toml:"log_level"`
	LogFile    string        `toml:"log_file"`
	Ports      Ports         `toml:"ports"`
	Buffers    Buffers       `toml:"buffers"`
	Clock      Clock         `toml:"clock"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		ClientName: "midibus",
		PPQN:       192,
		BPM:        120,
		LogLevel:   "info",
		Ports:      Ports{AutoConnect: true},
		Buffers:    Buffers{InputQueue: 1024, OutputQueue: 1024},
		Clock:      Clock{HotplugPollMS: 1000},
	}
}

// Dir returns the default settings directory.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "midibus"), nil
}

// DefaultPath returns the default settings file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "midibus.toml"), nil
}

// Load reads the settings file over the defaults. A missing file yields the
// defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("settings %s: unknown keys %v", path, undecoded)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings, creating the directory if needed.
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(s)
}

// Validate rejects values no transport can work with.
func (s *Settings) Validate() error {
	switch {
	case s.PPQN <= 0:
		return fmt.Errorf("ppqn must be positive, got %d", s.PPQN)
	case s.BPM <= 1:
		return fmt.Errorf("bpm must be above 1, got %g", s.BPM)
	case s.Ports.VirtualInputs < 0 || s.Ports.VirtualOutputs < 0:
		return errors.New("virtual port counts cannot be negative")
	case s.Buffers.InputQueue < 0 || s.Buffers.OutputQueue < 0:
		return errors.New("queue sizes cannot be negative")
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// HotplugPollInterval returns the configured re-enumeration period.
func (s *Settings) HotplugPollInterval() time.Duration {
	return time.Duration(s.Clock.HotplugPollMS) * time.Millisecond
}

// Apply copies the settings into client options.
func (s *Settings) Apply(opts *contracts.ClientOptions) {
	opts.API = s.API
	opts.ClientName = s.ClientName
	opts.PPQN = s.PPQN
	opts.BPM = s.BPM
	opts.LogFilePath = s.LogFile
	if lvl, err := ParseLogLevel(s.LogLevel); err == nil {
		opts.LogLevel = lvl
	}
	opts.VirtualInputs = s.Ports.VirtualInputs
	opts.VirtualOutputs = s.Ports.VirtualOutputs
	opts.AutoConnect = s.Ports.AutoConnect
	opts.InputQueueSize = s.Buffers.InputQueue
	opts.OutputQueueSize = s.Buffers.OutputQueue
	opts.LockMemory = s.Buffers.LockMemory
	opts.DesyncTolerance = s.Clock.DesyncTolerance
	opts.HotplugPollInterval = s.HotplugPollInterval()
}

// ParseLogLevel maps a settings string to a log level.
func ParseLogLevel(name string) (contracts.LogLevel, error) {
	switch name {
	case "debug":
		return contracts.DebugLevel, nil
	case "", "info":
		return contracts.InfoLevel, nil
	case "warn", "warning":
		return contracts.WarnLevel, nil
	case "error":
		return contracts.ErrorLevel, nil
	}
	return contracts.InfoLevel, fmt.Errorf("unknown log level %q", name)
}
