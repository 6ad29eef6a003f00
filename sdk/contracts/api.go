package contracts

import (
	"fmt"
	"strings"
)

// API identifies a native MIDI transport backend.
type API int

const (
	// APIUnspecified lets the selector try the compiled-in backends.
	APIUnspecified API = iota
	// APIJack is JACK MIDI.
	APIJack
	// APIALSA is the ALSA sequencer.
	APIALSA
	// APIPortMidi is PortMidi.
	APIPortMidi
	// APICoreMIDI is macOS CoreMIDI.
	APICoreMIDI
	// APIWinMM is the Windows multimedia MIDI API.
	APIWinMM
	// APILoopback is the in-process loopback transport.
	APILoopback
)

var apiNames = map[API]string{
	APIUnspecified: "",
	APIJack:        "jack",
	APIALSA:        "alsa",
	APIPortMidi:    "portmidi",
	APICoreMIDI:    "coremidi",
	APIWinMM:       "winmm",
	APILoopback:    "loopback",
}

// String returns the configuration name of the API.
func (a API) String() string {
	if name, ok := apiNames[a]; ok {
		if name == "" {
			return "unspecified"
		}
		return name
	}
	return fmt.Sprintf("api(%d)", int(a))
}

// ParseAPI converts a configuration name into an API. The empty string and
// "auto" map to APIUnspecified.
func ParseAPI(name string) (API, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "auto" {
		return APIUnspecified, nil
	}
	for api, n := range apiNames {
		if n == name {
			return api, nil
		}
	}
	return APIUnspecified, fmt.Errorf("%w: %q", ErrUnsupportedAPI, name)
}

// MarshalText implements encoding.TextMarshaler.
func (a API) MarshalText() ([]byte, error) {
	return []byte(apiNames[a]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *API) UnmarshalText(text []byte) error {
	api, err := ParseAPI(string(text))
	if err != nil {
		return err
	}
	*a = api
	return nil
}
