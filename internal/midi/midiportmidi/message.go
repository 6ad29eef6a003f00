package midiportmidi

import "github.com/leandrodaf/midibus/sdk/contracts"

// readBatch is the number of events taken from a stream per poll.
const readBatch = 256

// unpack rebuilds the bytes of a PortMidi short message.
func unpack(status, data1, data2 int64) []byte {
	msg := []byte{byte(status), byte(data1), byte(data2)}
	return msg[:contracts.ShortLength(msg[0])]
}

// pack spreads an outgoing event over the three PortMidi message fields.
func pack(data []byte) (status, data1, data2 int64) {
	if len(data) > 0 {
		status = int64(data[0])
	}
	if len(data) > 1 {
		data1 = int64(data[1])
	}
	if len(data) > 2 {
		data2 = int64(data[2])
	}
	return status, data1, data2
}
