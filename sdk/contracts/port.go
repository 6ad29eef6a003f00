package contracts

import "fmt"

// Direction tells whether a port or bus carries events into or out of the application.
type Direction int

const (
	// Input ports deliver events to the application.
	Input Direction = iota
	// Output ports receive events from the application.
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Capability flags of a native port.
type Capability uint8

const (
	CapInput  Capability = 1 << iota // Port can be read from.
	CapOutput                        // Port can be written to.

	CapDuplex = CapInput | CapOutput
)

// Has reports whether all flags of c are set.
func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// PortInfo describes a system or virtual MIDI endpoint as enumerated by a
// transport. It is a value type and is never modified after enumeration.
type PortInfo struct {
	API        API        // Transport that enumerated the port.
	ClientID   int        // Client (bus) number, -1 when the transport has none.
	PortID     int        // Port number inside the client.
	ClientName string     // System name of the client.
	PortName   string     // System name of the port.
	Nickname   string     // Short or alias name, may be empty.
	Direction  Direction  // Direction as seen by the application.
	Caps       Capability // Native capability flags.
	Virtual    bool       // Created by this application, no automatic connection.
	System     bool       // Transport-internal port such as the ALSA announce port.
}

// ConnectName returns "client:port", or whichever part is non-empty.
func (p PortInfo) ConnectName() string {
	switch {
	case p.ClientName == "":
		return p.PortName
	case p.PortName == "":
		return p.ClientName
	}
	return p.ClientName + ":" + p.PortName
}

// DisplayName prefers the nickname.
func (p PortInfo) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.ConnectName()
}

// Key identifies the port across enumeration passes.
func (p PortInfo) Key() string {
	return fmt.Sprintf("%s/%s/%s", p.API, p.Direction, p.ConnectName())
}

func (p PortInfo) String() string {
	kind := "system"
	if p.Virtual {
		kind = "virtual"
	}
	return fmt.Sprintf("[%d:%d] %s (%s %s)", p.ClientID, p.PortID, p.ConnectName(), kind, p.Direction)
}

// VirtualPort builds the descriptor of an application-created port.
func VirtualPort(api API, dir Direction, clientName string, index int) PortInfo {
	caps := CapOutput
	if dir == Output {
		// A virtual output is readable by other applications.
		caps = CapInput
	}
	name := fmt.Sprintf("midi %s %d", dir, index)
	return PortInfo{
		API:        api,
		ClientID:   -1,
		PortID:     index,
		ClientName: clientName,
		PortName:   name,
		Direction:  dir,
		Caps:       caps,
		Virtual:    true,
	}
}
