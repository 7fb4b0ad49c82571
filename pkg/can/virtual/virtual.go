// Package virtual is a CAN bus over TCP, mostly used for testing.
// It needs a broker relaying every frame to all connected clients,
// see https://github.com/windelbouwman/virtualcan
package virtual

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	log "github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Millisecond
	readTimeout  = 200 * time.Millisecond
	maxFrameSize = 64
)

func init() {
	canbridge.RegisterInterface("virtual", NewVirtualCanBus)
	canbridge.RegisterInterface("virtualcan", NewVirtualCanBus)
}

type Bus struct {
	logger       *log.Entry
	mu           sync.Mutex
	channel      string
	conn         net.Conn
	receiveOwn   bool
	framehandler canbridge.FrameListener
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewVirtualCanBus(channel string) (canbridge.Bus, error) {
	return &Bus{
		channel: channel,
		logger:  log.WithFields(log.Fields{"service": "[VIRTUALCAN]", "channel": channel}),
	}, nil
}

// Length prefixed, big endian frame as expected by the broker
func serializeFrame(frame canbridge.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, frame); err != nil {
		return nil, err
	}
	payload := buffer.Bytes()
	frameBytes := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(frameBytes, uint32(len(payload)))
	return append(frameBytes, payload...), nil
}

func deserializeFrame(payload []byte) (canbridge.Frame, error) {
	var frame canbridge.Frame
	err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &frame)
	return frame, err
}

// "Connect" to broker e.g. localhost:18888
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.conn = conn
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handleReception(ctx, conn)
	}()
	return nil
}

// "Disconnect" from broker
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	cancel := b.cancel
	b.conn = nil
	b.cancel = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame canbridge.Frame) error {
	b.mu.Lock()
	conn := b.conn
	handler := b.framehandler
	receiveOwn := b.receiveOwn
	b.mu.Unlock()

	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
	if conn == nil {
		if receiveOwn {
			return nil
		}
		return canbridge.ErrNotConnected
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frameBytes)
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler canbridge.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

// Loop back sent frames to the subscriber
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

func recv(reader *bufio.Reader) (canbridge.Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(reader, header); err != nil {
		return canbridge.Frame{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > maxFrameSize {
		return canbridge.Frame{}, fmt.Errorf("invalid frame length %v", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return canbridge.Frame{}, err
	}
	return deserializeFrame(payload)
}

func (b *Bus) handleReception(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := recv(reader)
		if ctx.Err() != nil {
			return
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if err != nil {
			b.logger.Errorf("listening routine has closed because : %v", err)
			return
		}
		b.mu.Lock()
		handler := b.framehandler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}
