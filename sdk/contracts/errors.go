package contracts

import (
	"errors"
	"fmt"
)

// Enumeration errors.
var (
	ErrTransportUnavailable = errors.New("MIDI transport unavailable")
	ErrNoPorts              = errors.New("no MIDI ports found")
)

// Connection errors.
var (
	ErrPortNotFound       = errors.New("MIDI port not found")
	ErrPermission         = errors.New("permission denied on MIDI port")
	ErrVirtualUnsupported = errors.New("virtual ports not supported by transport")
	ErrWrongDirection     = errors.New("port direction does not match bus")
	ErrBusClosed          = errors.New("bus is not connected")
	ErrBusSuspended       = errors.New("bus is suspended")
	ErrQueueFull          = errors.New("output queue full")
)

// Selector and clock errors.
var (
	ErrUnsupportedAPI    = errors.New("unsupported MIDI API")
	ErrNoUsableTransport = errors.New("no usable MIDI transport")
	ErrClockDesync       = errors.New("transport clock desynchronised")
)

// EnumerationError reports a failed port enumeration.
type EnumerationError struct {
	API API
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerating %s ports: %v", e.API, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// ConnectionError reports a failed open of a single bus.
type ConnectionError struct {
	Bus  int
	Port PortInfo
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bus %d: connecting %s: %v", e.Bus, e.Port.ConnectName(), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
