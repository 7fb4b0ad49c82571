package canbridge

import (
	"fmt"
	"sync"
)

const CanRtrFlag uint32 = 0x40000000
const CanSffMask uint32 = 0x000007FF
const CanEffFlag uint32 = 0x80000000

// A CAN frame. Standard 11-bit identifiers only.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Payload returns the used part of the frame data.
func (f Frame) Payload() []byte {
	n := int(f.DLC)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// Sender queues frames for transmission, implemented by [BusManager]
type Sender interface {
	Send(frame Frame) error
	TrySend(frame Frame) bool
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

type NewInterfaceFunc func(channel string) (Bus, error)

var (
	registryMu        sync.Mutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// Create a new CAN bus with given interface
// Available interfaces depend on which transport packages are imported
// e.g. socketcan, socketcanv2, virtualcan
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	registryMu.Lock()
	createInterface, ok := interfaceRegistry[canInterface]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
