package device

import "fmt"

// Persistent identity of a device, read from [IndexSerial] subindex 0..3
type Serial [SerialParts]uint32

func (s Serial) String() string {
	return fmt.Sprintf("%08X:%08X:%08X:%08X", s[0], s[1], s[2], s[3])
}

func (s Serial) IsZero() bool {
	return s == Serial{}
}
