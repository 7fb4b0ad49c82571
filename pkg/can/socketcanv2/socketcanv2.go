//go:build linux

package socketcanv2

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	SocketCANFrameSize = 16
	DefaultRcvTimeout  = 100 * time.Millisecond
)

// Only SDO responses and bootloader replies are of interest to the gateway
var GatewayFilters = []unix.CanFilter{{Id: 0x580, Mask: 0x780}}

func init() {
	canbridge.RegisterInterface("socketcanv2", NewSocketCanBus)
}

type SocketcanBus struct {
	f          *os.File
	fd         int
	mu         sync.Mutex
	rxCallback canbridge.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *log.Entry
}

// Create a new SocketCAN bus. The channel is expected to be up already,
// e.g. "ip link show can0" lists it as UP.
func NewSocketCanBus(channel string) (canbridge.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %v", err)
	}
	tv := unix.NsecToTimeval(DefaultRcvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	socketcan := &SocketcanBus{
		fd:     fd,
		logger: log.WithFields(log.Fields{"service": "[SOCKETCANv2]", "channel": channel}),
	}
	return socketcan, nil
}

// "Connect" implementation of Bus interface
func (s *SocketcanBus) Connect(...any) error {
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	if s.f == nil {
		s.f = os.NewFile(uintptr(s.fd), fmt.Sprintf("fd %d", s.fd))
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
// The reader notices cancellation at the latest after [DefaultRcvTimeout]
func (s *SocketcanBus) Disconnect() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	return nil
}

// Close the underlying socket, the bus cannot be reconnected afterwards
func (s *SocketcanBus) Close() error {
	s.Disconnect()
	if s.f != nil {
		return s.f.Close()
	}
	return unix.Close(s.fd)
}

func encode(frame canbridge.Frame) [SocketCANFrameSize]byte {
	var raw [SocketCANFrameSize]byte
	binary.LittleEndian.PutUint32(raw[0:4], frame.ID&canbridge.CanSffMask)
	raw[4] = frame.DLC
	raw[5] = frame.Flags
	copy(raw[8:], frame.Data[:])
	return raw
}

func decode(raw []byte) canbridge.Frame {
	frame := canbridge.Frame{
		ID:    binary.LittleEndian.Uint32(raw[0:4]),
		DLC:   raw[4],
		Flags: raw[5],
	}
	copy(frame.Data[:], raw[8:16])
	return frame
}

// "Send" implementation of Bus interface
func (s *SocketcanBus) Send(frame canbridge.Frame) error {
	if s.f == nil {
		return canbridge.ErrNotConnected
	}
	raw := encode(frame)
	n, err := s.f.Write(raw[:])
	if err != nil {
		return err
	}
	if n != SocketCANFrameSize {
		return fmt.Errorf("short write : %v bytes", n)
	}
	return nil
}

// process incoming frames. This is meant to be run inside of a goroutine
func (s *SocketcanBus) processIncoming(ctx context.Context) {
	rx := make([]byte, SocketCANFrameSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("exiting reception, disconnected")
			return
		default:
		}
		n, err := unix.Read(s.fd, rx)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			continue
		}
		if err != nil || n != SocketCANFrameSize {
			s.logger.Errorf("exiting reception : %v (%v bytes)", err, n)
			return
		}
		frame := decode(rx)
		if frame.ID&canbridge.CanEffFlag != 0 || frame.DLC > 8 {
			continue
		}
		s.mu.Lock()
		callback := s.rxCallback
		s.mu.Unlock()
		if callback != nil {
			callback.Handle(frame)
		}
	}
}

// "Subscribe" implementation of Bus interface
func (s *SocketcanBus) Subscribe(rxCallback canbridge.FrameListener) error {
	s.mu.Lock()
	s.rxCallback = rxCallback
	s.mu.Unlock()
	return nil
}

// Enable own reception on the bus, useful when testing against vcan
func (s *SocketcanBus) SetReceiveOwn(enabled bool) error {
	value := 0
	if enabled {
		value = 1
	}
	s.logger.Infof("setting option 'CAN_RAW_RECV_OWN_MSGS' to %v", enabled)
	return unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, value)
}

// Install kernel side acceptance filters
func (s *SocketcanBus) SetFilters(filters []unix.CanFilter) error {
	s.logger.Infof("setting option 'CAN_RAW_FILTER' %+v", filters)
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
