package midiwindows

import "github.com/leandrodaf/midibus/sdk/contracts"

// packShort packs a short message into the DWORD midiOutShortMsg expects:
// status in the low byte, then the data bytes.
func packShort(data []byte) uint32 {
	var msg uint32
	for i := 0; i < len(data) && i < 3; i++ {
		msg |= uint32(data[i]) << (8 * i)
	}
	return msg
}

// unpackShort rebuilds the bytes of a MIM_DATA message.
func unpackShort(param uint32) []byte {
	msg := []byte{byte(param), byte(param >> 8), byte(param >> 16)}
	return msg[:contracts.ShortLength(msg[0])]
}
