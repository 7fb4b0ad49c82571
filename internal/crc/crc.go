package crc

import "encoding/binary"

// CRC32 is the word-oriented CRC-32 computed by the STM32 CRC unit :
// polynomial 0x04C11DB7, init 0xFFFFFFFF, no reflection, no final xor.
// Data is folded one little-endian 32 bit word at a time.
type CRC32 uint32

const (
	crc32Poly = 0x04C11DB7
	CRC32Init = CRC32(0xFFFFFFFF)
)

// CRC8 is CRC-8 SAE J1850 : polynomial 0x1D, init 0xFF, xor out 0xFF
type CRC8 uint8

const crc8Poly = 0x1D

var crc32Table [256]uint32
var crc8Table [256]uint8

func init() {
	for i := 0; i < 256; i++ {
		c := uint32(i) << 24
		for b := 0; b < 8; b++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ crc32Poly
			} else {
				c <<= 1
			}
		}
		crc32Table[i] = c

		c8 := uint8(i)
		for b := 0; b < 8; b++ {
			if c8&0x80 != 0 {
				c8 = c8<<1 ^ crc8Poly
			} else {
				c8 <<= 1
			}
		}
		crc8Table[i] = c8
	}
}

// Reset to initial value
func (crc *CRC32) Reset() {
	*crc = CRC32Init
}

// Fold a single 32 bit word
func (crc *CRC32) Word(word uint32) {
	c := uint32(*crc) ^ word
	for i := 0; i < 4; i++ {
		c = c<<8 ^ crc32Table[c>>24]
	}
	*crc = CRC32(c)
}

// Fold a block of bytes, length should be a multiple of 4
// Trailing bytes are padded with 0xFF
func (crc *CRC32) Block(data []byte) {
	for len(data) >= 4 {
		crc.Word(binary.LittleEndian.Uint32(data))
		data = data[4:]
	}
	if len(data) > 0 {
		tail := [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
		copy(tail[:], data)
		crc.Word(binary.LittleEndian.Uint32(tail[:]))
	}
}

// Compute CRC-8 over data
func Checksum8(data []byte) CRC8 {
	c := uint8(0xFF)
	for _, b := range data {
		c = crc8Table[c^b]
	}
	return CRC8(c ^ 0xFF)
}
