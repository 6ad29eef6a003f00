//go:build windows
// +build windows

// Package midiwindows binds the Windows multimedia MIDI devices through
// winmm.dll. Native time is the wall clock in microseconds.
package midiwindows

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/windows"

	"github.com/leandrodaf/midibus/internal/clock"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// Type definitions for MIDI handles
type (
	HMIDIIN  windows.Handle
	HMIDIOUT windows.Handle
)

// Constants for callback flags
const (
	CALLBACK_FUNCTION = 0x00030000 // Indicates that the callback is a function
	MIDI_IO_STATUS    = 0x00000020 // MIDI input/output status
)

// Constants for MIDI message types
const (
	MIM_OPEN      = 0x3C1
	MIM_CLOSE     = 0x3C2
	MIM_DATA      = 0x3C3
	MIM_LONGDATA  = 0x3C4
	MIM_ERROR     = 0x3C5
	MIM_LONGERROR = 0x3C6
	MIM_MOREDATA  = 0x3CC
)

const (
	mmsyserrBadDeviceID = 2
	mmsyserrAllocated   = 4
	mhdrDone            = 0x00000001
	sysexTimeout        = time.Second
)

type midiInCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	dwSupport      uint32
}

type midiOutCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	wTechnology    uint16
	wVoices        uint16
	wNotes         uint16
	wChannelMask   uint16
	dwSupport      uint32
}

type midiHdr struct {
	lpData          uintptr
	dwBufferLength  uint32
	dwBytesRecorded uint32
	dwUser          uintptr
	dwFlags         uint32
	lpNext          uintptr
	reserved        uintptr
	dwOffset        uint32
	dwReserved      [8]uintptr
}

// Load the winmm.dll library and required functions
var (
	winmm                  = windows.NewLazySystemDLL("winmm.dll")
	procMidiInGetNumDevs   = winmm.NewProc("midiInGetNumDevs")
	procMidiInGetDevCaps   = winmm.NewProc("midiInGetDevCapsW")
	procMidiInOpen         = winmm.NewProc("midiInOpen")
	procMidiInStart        = winmm.NewProc("midiInStart")
	procMidiInStop         = winmm.NewProc("midiInStop")
	procMidiInClose        = winmm.NewProc("midiInClose")
	procMidiOutGetNumDevs  = winmm.NewProc("midiOutGetNumDevs")
	procMidiOutGetDevCaps  = winmm.NewProc("midiOutGetDevCapsW")
	procMidiOutOpen        = winmm.NewProc("midiOutOpen")
	procMidiOutShortMsg    = winmm.NewProc("midiOutShortMsg")
	procMidiOutLongMsg     = winmm.NewProc("midiOutLongMsg")
	procMidiOutPrepareHdr  = winmm.NewProc("midiOutPrepareHeader")
	procMidiOutUnprepareHd = winmm.NewProc("midiOutUnprepareHeader")
	procMidiOutReset       = winmm.NewProc("midiOutReset")
	procMidiOutClose       = winmm.NewProc("midiOutClose")
)

// Open input ports are looked up by id from the shared callback, so no Go
// pointer is handed to winmm.
var (
	callbackOnce sync.Once
	callbackPtr  uintptr
	inputs       sync.Map
	nextInputID  atomic.Uintptr
)

// Client is the WinMM transport.
type Client struct {
	log   contracts.Logger
	clock *clock.WallClock

	mu     sync.Mutex
	open   map[closer]struct{}
	closed bool
}

type closer interface {
	Close() error
}

// NewMIDIClient creates a MIDI client for Windows.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Transport, error) {
	if err := winmm.Load(); err != nil {
		return nil, fmt.Errorf("%w: loading winmm.dll: %w", contracts.ErrTransportUnavailable, err)
	}
	callbackOnce.Do(func() { callbackPtr = windows.NewCallback(midiInCallback) })
	options.Logger.Info("MIDI client created for Windows")
	return &Client{
		log:   options.Logger,
		clock: clock.NewWallClock(),
		open:  make(map[closer]struct{}),
	}, nil
}

func (c *Client) API() contracts.API { return contracts.APIWinMM }

func (c *Client) SupportsVirtual() bool { return false }

func (c *Client) Clock() contracts.NativeClock { return c.clock }

func devicePort(id int, name string, dir contracts.Direction) contracts.PortInfo {
	caps := contracts.CapInput
	if dir == contracts.Output {
		caps = contracts.CapOutput
	}
	return contracts.PortInfo{
		API:       contracts.APIWinMM,
		ClientID:  -1,
		PortID:    id,
		PortName:  name,
		Direction: dir,
		Caps:      caps,
	}
}

func inputNames() []string {
	r0, _, _ := procMidiInGetNumDevs.Call()
	names := make([]string, 0, int(r0))
	for i := uint32(0); i < uint32(r0); i++ {
		var caps midiInCaps
		r1, _, _ := procMidiInGetDevCaps.Call(uintptr(i), uintptr(unsafe.Pointer(&caps)), unsafe.Sizeof(caps))
		if r1 != 0 {
			names = append(names, "")
			continue
		}
		names = append(names, windows.UTF16ToString(caps.szPname[:]))
	}
	return names
}

func outputNames() []string {
	r0, _, _ := procMidiOutGetNumDevs.Call()
	names := make([]string, 0, int(r0))
	for i := uint32(0); i < uint32(r0); i++ {
		var caps midiOutCaps
		r1, _, _ := procMidiOutGetDevCaps.Call(uintptr(i), uintptr(unsafe.Pointer(&caps)), unsafe.Sizeof(caps))
		if r1 != 0 {
			names = append(names, "")
			continue
		}
		names = append(names, windows.UTF16ToString(caps.szPname[:]))
	}
	return names
}

// Enumerate lists the winmm input and output devices.
func (c *Client) Enumerate() (in, out []contracts.PortInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, contracts.ErrTransportUnavailable
	}
	for i, name := range inputNames() {
		if name == "" {
			c.log.Warn("skipping MIDI input without capabilities", c.log.Field().Int("device", i))
			continue
		}
		in = append(in, devicePort(i, name, contracts.Input))
	}
	for i, name := range outputNames() {
		if name == "" {
			c.log.Warn("skipping MIDI output without capabilities", c.log.Field().Int("device", i))
			continue
		}
		out = append(out, devicePort(i, name, contracts.Output))
	}
	return in, out, nil
}

func (c *Client) find(port contracts.PortInfo, dir contracts.Direction, names []string) (int, error) {
	if c.closed {
		return -1, contracts.ErrTransportUnavailable
	}
	if port.Direction != dir {
		return -1, contracts.ErrWrongDirection
	}
	if port.Virtual {
		return -1, contracts.ErrVirtualUnsupported
	}
	if port.PortID >= 0 && port.PortID < len(names) && names[port.PortID] == port.PortName {
		return port.PortID, nil
	}
	for i, name := range names {
		if name == port.PortName {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
}

func mmError(code uintptr, op string, port contracts.PortInfo) error {
	switch code {
	case mmsyserrAllocated:
		return fmt.Errorf("%w: %s is in use", contracts.ErrPermission, port.ConnectName())
	case mmsyserrBadDeviceID:
		return fmt.Errorf("%w: %s", contracts.ErrPortNotFound, port.ConnectName())
	}
	return fmt.Errorf("%s %s: MMRESULT %d", op, port.ConnectName(), code)
}

// OpenInput opens and starts a winmm input device.
func (c *Client) OpenInput(port contracts.PortInfo, sink contracts.EventSink) (contracts.InputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, err := c.find(port, contracts.Input, inputNames())
	if err != nil {
		return nil, err
	}

	p := &inPort{client: c, info: port, sink: sink, id: nextInputID.Add(1)}
	inputs.Store(p.id, p)
	r1, _, _ := procMidiInOpen.Call(
		uintptr(unsafe.Pointer(&p.handle)),
		uintptr(dev),
		callbackPtr,
		p.id,
		uintptr(CALLBACK_FUNCTION|MIDI_IO_STATUS),
	)
	if r1 != 0 {
		inputs.Delete(p.id)
		return nil, mmError(r1, "opening", port)
	}
	if r1, _, _ = procMidiInStart.Call(uintptr(p.handle)); r1 != 0 {
		procMidiInClose.Call(uintptr(p.handle))
		inputs.Delete(p.id)
		return nil, mmError(r1, "starting", port)
	}
	c.open[p] = struct{}{}
	return p, nil
}

// OpenOutput opens a winmm output device.
func (c *Client) OpenOutput(port contracts.PortInfo) (contracts.OutputPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, err := c.find(port, contracts.Output, outputNames())
	if err != nil {
		return nil, err
	}
	p := &outPort{client: c, info: port}
	r1, _, _ := procMidiOutOpen.Call(uintptr(unsafe.Pointer(&p.handle)), uintptr(dev), 0, 0, 0)
	if r1 != 0 {
		return nil, mmError(r1, "opening", port)
	}
	c.open[p] = struct{}{}
	return p, nil
}

func (c *Client) forget(p closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, p)
}

// Close closes every open device.
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
	c.log.Info("MIDI client for Windows closed")
	return err
}

// midiInCallback runs on the winmm thread.
func midiInCallback(hMidiIn uintptr, wMsg uint32, dwInstance uintptr, dwParam1 uintptr, dwParam2 uintptr) uintptr {
	if wMsg != MIM_DATA {
		return 0
	}
	v, ok := inputs.Load(dwInstance)
	if !ok {
		return 0
	}
	p := v.(*inPort)
	if p.closed.Load() {
		return 0
	}
	p.sink.Push(contracts.Event{Timestamp: p.client.clock.Now(), Data: unpackShort(uint32(dwParam1))})
	return 0
}

type inPort struct {
	client *Client
	info   contracts.PortInfo
	sink   contracts.EventSink
	id     uintptr
	handle HMIDIIN
	closed atomic.Bool
}

func (p *inPort) Info() contracts.PortInfo { return p.info }

func (p *inPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.client.forget(p)
	var err error
	if r1, _, _ := procMidiInStop.Call(uintptr(p.handle)); r1 != 0 {
		err = mmError(r1, "stopping", p.info)
	}
	if r1, _, _ := procMidiInClose.Call(uintptr(p.handle)); r1 != 0 {
		err = multierr.Append(err, mmError(r1, "closing", p.info))
	}
	inputs.Delete(p.id)
	return err
}

type outPort struct {
	client *Client
	info   contracts.PortInfo
	handle HMIDIOUT

	mu     sync.Mutex
	closed bool
}

func (p *outPort) Info() contracts.PortInfo { return p.info }

// Send writes the event immediately. SysEx runs go through a prepared
// header and block until winmm marks it done.
func (p *outPort) Send(ev contracts.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return contracts.ErrBusClosed
	}
	if ev.IsSysEx() {
		return p.sendLong(ev.Data)
	}
	if r1, _, _ := procMidiOutShortMsg.Call(uintptr(p.handle), uintptr(packShort(ev.Data))); r1 != 0 {
		return mmError(r1, "writing to", p.info)
	}
	return nil
}

func (p *outPort) sendLong(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	hdr := &midiHdr{lpData: uintptr(unsafe.Pointer(&buf[0])), dwBufferLength: uint32(len(buf))}
	size := unsafe.Sizeof(*hdr)

	if r1, _, _ := procMidiOutPrepareHdr.Call(uintptr(p.handle), uintptr(unsafe.Pointer(hdr)), size); r1 != 0 {
		return mmError(r1, "preparing SysEx for", p.info)
	}
	var err error
	if r1, _, _ := procMidiOutLongMsg.Call(uintptr(p.handle), uintptr(unsafe.Pointer(hdr)), size); r1 != 0 {
		err = mmError(r1, "writing SysEx to", p.info)
	} else {
		deadline := time.Now().Add(sysexTimeout)
		for atomic.LoadUint32(&hdr.dwFlags)&mhdrDone == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	if r1, _, _ := procMidiOutUnprepareHd.Call(uintptr(p.handle), uintptr(unsafe.Pointer(hdr)), size); r1 != 0 {
		err = multierr.Append(err, mmError(r1, "releasing SysEx for", p.info))
	}
	runtime.KeepAlive(buf)
	return err
}

func (p *outPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.client.forget(p)
	procMidiOutReset.Call(uintptr(p.handle))
	if r1, _, _ := procMidiOutClose.Call(uintptr(p.handle)); r1 != 0 {
		return mmError(r1, "closing", p.info)
	}
	return nil
}
