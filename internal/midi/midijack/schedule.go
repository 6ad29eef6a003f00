package midijack

import (
	"strings"

	"github.com/leandrodaf/midibus/internal/ringbuf"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// splitName splits a full JACK port name "client:port".
func splitName(full string) (client, port string) {
	if i := strings.IndexByte(full, ':'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

// portInfo builds the descriptor of a foreign JACK port. Ports JACK calls
// outputs are read by the application, so they become inputs here.
func portInfo(full string, index int, dir contracts.Direction, physical bool) contracts.PortInfo {
	client, port := splitName(full)
	caps := contracts.CapInput
	if dir == contracts.Output {
		caps = contracts.CapOutput
	}
	info := contracts.PortInfo{
		API:        contracts.APIJack,
		ClientID:   -1,
		PortID:     index,
		ClientName: client,
		PortName:   port,
		Direction:  dir,
		Caps:       caps,
	}
	if physical {
		info.Nickname = "hw " + port
	}
	return info
}

// eventWriter places one event at a frame offset of the current cycle.
// It returns false when the cycle buffer has no room left.
type eventWriter interface {
	writeAt(offset uint32, data []byte) bool
}

// drainDue moves every queued event that falls before the end of the cycle
// starting at frame start into w. Events stamped in the past, or with no
// timestamp, go at the earliest offset still free. Offsets never decrease
// within a cycle. Events that do not fit stay queued for the next cycle.
func drainDue(q *ringbuf.Ring[contracts.Event], start uint64, nframes uint32, w eventWriter) int {
	end := start + uint64(nframes)
	var last uint32
	n := 0
	for {
		ev, ok := q.Peek()
		if !ok || ev.Timestamp >= end {
			return n
		}
		var off uint32
		if ev.Timestamp > start {
			off = uint32(ev.Timestamp - start)
		}
		if off < last {
			off = last
		}
		if !w.writeAt(off, ev.Data) {
			return n
		}
		q.Pop()
		last = off
		n++
	}
}
