package midialsa

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

// announcePort is the sequencer's system announce port. rtmidi hides client
// 0, so it is listed here explicitly.
func announcePort() contracts.PortInfo {
	return contracts.PortInfo{
		API:        contracts.APIALSA,
		ClientID:   0,
		PortID:     1,
		ClientName: "System",
		PortName:   "Announce",
		Direction:  contracts.Input,
		Caps:       contracts.CapInput,
		System:     true,
	}
}

// parsePortName splits an rtmidi ALSA port name of the form
// "client:port C:P". The trailing address is optional.
func parsePortName(name string, index int, dir contracts.Direction) contracts.PortInfo {
	info := contracts.PortInfo{
		API:       contracts.APIALSA,
		ClientID:  -1,
		PortID:    index,
		Direction: dir,
		Caps:      contracts.CapInput,
	}
	if dir == contracts.Output {
		info.Caps = contracts.CapOutput
	}

	rest := name
	if i := strings.LastIndexByte(name, ' '); i > 0 {
		if client, port, ok := parseAddress(name[i+1:]); ok {
			info.ClientID, info.PortID = client, port
			rest = name[:i]
		}
	}
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		info.ClientName, info.PortName = rest[:j], rest[j+1:]
	} else {
		info.PortName = rest
	}
	return info
}

func parseAddress(s string) (client, port int, ok bool) {
	a, b, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	client, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, false
	}
	port, err = strconv.Atoi(b)
	if err != nil {
		return 0, 0, false
	}
	return client, port, true
}

// indexOf finds want among the rtmidi port names. An exact address match
// wins; otherwise the first port with the same client and port names is
// taken, since a replugged device usually gets a new client number.
func indexOf(names []string, want contracts.PortInfo) int {
	byName := -1
	for i, n := range names {
		p := parsePortName(n, i, want.Direction)
		if p.ConnectName() != want.ConnectName() {
			continue
		}
		if want.ClientID >= 0 && p.ClientID == want.ClientID && p.PortID == want.PortID {
			return i
		}
		if byName < 0 {
			byName = i
		}
	}
	return byName
}

// classify maps an rtmidi open failure to the connection error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", contracts.ErrPermission, err)
	}
	return err
}
