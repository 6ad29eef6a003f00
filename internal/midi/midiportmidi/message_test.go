package midiportmidi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnpackTrimsToMessageLength(t *testing.T) {
	assert.Equal(t, []byte{0x90, 60, 100}, unpack(0x90, 60, 100))
	assert.Equal(t, []byte{0xC3, 12}, unpack(0xC3, 12, 0))
	assert.Equal(t, []byte{0xD0, 40}, unpack(0xD0, 40, 0))
	assert.Equal(t, []byte{0xF8}, unpack(0xF8, 0, 0))
	assert.Equal(t, []byte{0xF3, 4}, unpack(0xF3, 4, 0))
	assert.Equal(t, []byte{0xF2, 16, 1}, unpack(0xF2, 16, 1))
}

func TestPack(t *testing.T) {
	s, d1, d2 := pack([]byte{0xB0, 123, 0})
	assert.Equal(t, []int64{0xB0, 123, 0}, []int64{s, d1, d2})

	s, d1, d2 = pack([]byte{0xFA})
	assert.Equal(t, []int64{0xFA, 0, 0}, []int64{s, d1, d2})
}
