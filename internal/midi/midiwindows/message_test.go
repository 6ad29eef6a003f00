package midiwindows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortMessagePacking(t *testing.T) {
	assert.Equal(t, uint32(0x00643C90), packShort([]byte{0x90, 0x3C, 0x64}))
	assert.Equal(t, uint32(0xFA), packShort([]byte{0xFA}))

	assert.Equal(t, []byte{0x90, 0x3C, 0x64}, unpackShort(0x00643C90))
	assert.Equal(t, []byte{0xC1, 0x05}, unpackShort(0x000005C1))
	assert.Equal(t, []byte{0xF8}, unpackShort(0xF8))
}
