// Package simulator provides an in-memory CAN bus populated with simulated
// devices answering expedited / segmented SDO requests and running the
// bootloader handshake. It is used for tests.
package simulator

import (
	"encoding/binary"
	"sync"

	canbridge "github.com/samsamfire/canbridge"
)

const (
	requestBase  = 0x600
	responseBase = 0x580
)

// Bus implements [canbridge.Bus]. Frames sent to a simulated device are
// answered synchronously, from the sender's goroutine.
type Bus struct {
	mu        sync.Mutex
	devices   map[uint8]*Device
	listener  canbridge.FrameListener
	sent      []canbridge.Frame
	connected bool
}

func NewBus(devices ...*Device) *Bus {
	b := &Bus{devices: map[uint8]*Device{}}
	for _, d := range devices {
		b.devices[d.NodeId] = d
	}
	return b
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Bus) Subscribe(listener canbridge.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) Send(frame canbridge.Frame) error {
	b.mu.Lock()
	b.sent = append(b.sent, frame)
	var device *Device
	if frame.ID > requestBase && frame.ID <= requestBase+0x7F {
		device = b.devices[uint8(frame.ID-requestBase)]
	}
	listener := b.listener
	b.mu.Unlock()
	if device == nil {
		return nil
	}
	for _, reply := range device.process(frame) {
		if listener != nil {
			listener.Handle(reply)
		}
	}
	return nil
}

// Deliver a frame as if it was sent by another node
func (b *Bus) Inject(frame canbridge.Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}

// Frames sent on the bus so far
func (b *Bus) Sent() []canbridge.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbridge.Frame(nil), b.sent...)
}

// Sent frames with the given identifier
func (b *Bus) SentWithId(id uint32) []canbridge.Frame {
	frames := []canbridge.Frame{}
	for _, f := range b.Sent() {
		if f.ID == id {
			frames = append(frames, f)
		}
	}
	return frames
}

func response(nodeId uint8, data ...byte) canbridge.Frame {
	frame := canbridge.NewFrame(responseBase+uint32(nodeId), 0, uint8(len(data)))
	copy(frame.Data[:], data)
	return frame
}

func sdoResponse(nodeId uint8, cmd uint8, index uint16, subindex uint8, value uint32) canbridge.Frame {
	frame := canbridge.NewFrame(responseBase+uint32(nodeId), 0, 8)
	frame.Data[0] = cmd
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subindex
	binary.LittleEndian.PutUint32(frame.Data[4:], value)
	return frame
}
