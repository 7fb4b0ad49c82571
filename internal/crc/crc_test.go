package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32Word(t *testing.T) {
	crc := CRC32Init
	crc.Word(0x12345678)
	assert.EqualValues(t, 0xDF8A8A2B, crc)
}

func TestCRC32Block(t *testing.T) {
	byWord := CRC32Init
	byWord.Word(0x12345678)
	byWord.Word(0xAABBCCDD)

	byBlock := CRC32Init
	byBlock.Block([]byte{0x78, 0x56, 0x34, 0x12, 0xDD, 0xCC, 0xBB, 0xAA})
	assert.Equal(t, byWord, byBlock)

	byBlock.Reset()
	assert.Equal(t, CRC32Init, byBlock)
}

func TestCRC32BlockPadding(t *testing.T) {
	padded := CRC32Init
	padded.Block([]byte{0x01, 0x02, 0xFF, 0xFF})
	short := CRC32Init
	short.Block([]byte{0x01, 0x02})
	assert.Equal(t, padded, short)
}

func TestChecksum8(t *testing.T) {
	assert.EqualValues(t, 0x4B, Checksum8([]byte("123456789")))
	assert.EqualValues(t, 0x00, Checksum8(nil))
}
