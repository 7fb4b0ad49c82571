// Package socketcan is a SocketCAN transport built on
// https://github.com/brutella/can. Import it for its side effect of
// registering the "socketcan" interface.
package socketcan

import (
	"sync"

	sockcan "github.com/brutella/can"
	canbridge "github.com/samsamfire/canbridge"
	log "github.com/sirupsen/logrus"
)

func init() {
	canbridge.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	logger     *log.Entry
	mu         sync.Mutex
	rxCallback canbridge.FrameListener
}

// Start reading from the interface in the background
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			socketcan.logger.Errorf("stopped reading : %v", err)
		}
	}()
	return nil
}

func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

func (socketcan *SocketcanBus) Send(frame canbridge.Frame) error {
	return socketcan.bus.Publish(
		sockcan.Frame{
			ID:     frame.ID & canbridge.CanSffMask,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Data:   frame.Data,
		})
}

func (socketcan *SocketcanBus) Subscribe(rxCallback canbridge.FrameListener) error {
	socketcan.mu.Lock()
	socketcan.rxCallback = rxCallback
	socketcan.mu.Unlock()
	// brutella/can delivers received frames through its own Handle interface
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
// Extended identifiers are not used by the gateway and are dropped
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	if frame.ID&canbridge.CanEffFlag != 0 || frame.Length > 8 {
		return
	}
	socketcan.mu.Lock()
	callback := socketcan.rxCallback
	socketcan.mu.Unlock()
	if callback == nil {
		return
	}
	callback.Handle(canbridge.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func NewSocketCanBus(name string) (canbridge.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus, logger: log.WithField("service", "[SOCKETCAN]")}, nil
}
