package sdo

import (
	"time"

	canbridge "github.com/samsamfire/canbridge"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultClientTimeout     = 10 * time.Millisecond
	DefaultAsyncWriteTimeout = 500 * time.Millisecond
	DefaultRxQueueSize       = 128
)

// Transport is what the client needs from the bus, implemented by
// [canbridge.BusManager]
type Transport interface {
	canbridge.Sender
	Subscribe(ident uint32, mask uint32, rtr bool, callback canbridge.FrameListener) error
}

// SDOClient issues expedited SDO requests and matches replies by content.
// Replies carry no transaction id so a reply is attributed through
// (node, index, subindex) only : never have two requests to the same
// entry of the same node outstanding.
//
// Every server response on the bus lands in a single bounded receive
// queue. Blocking helpers consume it directly, everything else reads it
// through [SDOClient.Poll]. Responses a blocking helper is not waiting for
// are set aside and returned by Poll first.
type SDOClient struct {
	bus               Transport
	logger            *log.Entry
	rx                chan Message
	deferred          []Message
	timeout           time.Duration
	asyncWriteTimeout time.Duration
	pending           *PendingWrite
}

// Handle [SDOClient] related RX CAN frames
func (c *SDOClient) Handle(frame canbridge.Frame) {
	msg, ok := NewMessage(frame)
	if !ok {
		return
	}
	select {
	case c.rx <- msg:
	default:
		c.logger.Warnf("dropped response, receive queue full : %v", msg)
	}
}

// Queue a read request, blocking until there is room in the transmit queue
func (c *SDOClient) RequestRead(nodeId uint8, index uint16, subindex uint8) error {
	c.logger.Debugf("[TX] read | x%x:x%x:x%x", nodeId, index, subindex)
	return c.bus.Send(NewReadRequest(nodeId, index, subindex))
}

// Queue a write request, blocking until there is room in the transmit queue
func (c *SDOClient) RequestWrite(nodeId uint8, index uint16, subindex uint8, value uint32) error {
	c.logger.Debugf("[TX] write | x%x:x%x:x%x value x%x", nodeId, index, subindex, value)
	return c.bus.Send(NewWriteRequest(nodeId, index, subindex, value))
}

// Non blocking variant of [SDOClient.RequestRead]
// Returns false if the transmit queue is full
func (c *SDOClient) TryRequestRead(nodeId uint8, index uint16, subindex uint8) bool {
	return c.bus.TrySend(NewReadRequest(nodeId, index, subindex))
}

// Non blocking variant of [SDOClient.RequestWrite]
// Returns false if the transmit queue is full
func (c *SDOClient) TryRequestWrite(nodeId uint8, index uint16, subindex uint8, value uint32) bool {
	return c.bus.TrySend(NewWriteRequest(nodeId, index, subindex, value))
}

// Queue an arbitrary request frame without blocking
func (c *SDOClient) TrySend(frame canbridge.Frame) bool {
	return c.bus.TrySend(frame)
}

// Non blocking dequeue of the next received response
func (c *SDOClient) Poll() (Message, bool) {
	if len(c.deferred) > 0 {
		msg := c.deferred[0]
		c.deferred = c.deferred[1:]
		return msg, true
	}
	select {
	case msg := <-c.rx:
		return msg, true
	default:
		return Message{}, false
	}
}

// Wait for the first response matching (node, index, subindex).
// Any other response received meanwhile is kept for [SDOClient.Poll],
// up to the receive queue size.
// On timeout, the zero [Message] is returned together with [canbridge.ErrTimeout].
func (c *SDOClient) AwaitMatch(nodeId uint8, index uint16, subindex uint8, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-c.rx:
			if msg.Matches(nodeId, index, subindex) {
				c.logger.Debugf("[RX] %v", msg)
				return msg, nil
			}
			if len(c.deferred) >= cap(c.rx) {
				c.logger.Warnf("[RX] dropped unexpected response %v", msg)
				continue
			}
			c.deferred = append(c.deferred, msg)
		case <-timer.C:
			c.logger.Debugf("no response for x%x:x%x:x%x", nodeId, index, subindex)
			return Message{}, canbridge.ErrTimeout
		}
	}
}

// Write value and wait for the acknowledgement
// An abort reply is returned as an [Abort] error
func (c *SDOClient) WriteAndAwait(nodeId uint8, index uint16, subindex uint8, value uint32) error {
	err := c.RequestWrite(nodeId, index, subindex, value)
	if err != nil {
		return err
	}
	msg, err := c.AwaitMatch(nodeId, index, subindex, c.Timeout())
	if err != nil {
		return err
	}
	if msg.IsAbort() {
		return msg.AbortCode()
	}
	return nil
}

// Read a value and wait for the reply
// An abort reply is returned as an [Abort] error
func (c *SDOClient) RequestAndAwait(nodeId uint8, index uint16, subindex uint8) (uint32, error) {
	err := c.RequestRead(nodeId, index, subindex)
	if err != nil {
		return 0, err
	}
	msg, err := c.AwaitMatch(nodeId, index, subindex, c.Timeout())
	if err != nil {
		return 0, err
	}
	if msg.IsAbort() {
		return 0, msg.AbortCode()
	}
	return msg.Value(), nil
}

// Timeout used by the blocking helpers
func (c *SDOClient) Timeout() time.Duration {
	return c.timeout
}

func (c *SDOClient) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	c.timeout = timeout
}

func (c *SDOClient) SetAsyncWriteTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultAsyncWriteTimeout
	}
	c.asyncWriteTimeout = timeout
}

// Create a new SDO client listening to every server response (0x581..0x5FF)
func NewSDOClient(bus Transport, logger *log.Logger, timeout time.Duration) (*SDOClient, error) {
	if bus == nil {
		return nil, canbridge.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &SDOClient{
		bus:    bus,
		logger: logger.WithField("service", "[SDO]"),
		rx:     make(chan Message, DefaultRxQueueSize),
	}
	c.SetTimeout(timeout)
	c.SetAsyncWriteTimeout(0)
	err := bus.Subscribe(ServerBaseId, 0x780, false, c)
	if err != nil {
		return nil, err
	}
	return c, nil
}
