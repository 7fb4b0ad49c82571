package canbridge

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultTxQueueSize = 64
	DefaultSendTimeout = 10 * time.Millisecond
)

type frameSubscription struct {
	ident    uint32
	mask     uint32
	listener FrameListener
}

// Bus manager is a wrapper around the CAN bus interface
// Outgoing frames go through a bounded transmit queue drained by a single
// writer, so frames leave the bus in call order. Received frames are
// dispatched to listeners whose (ident, mask) filter matches.
type BusManager struct {
	logger        *log.Entry
	mu            sync.Mutex
	bus           Bus
	subscriptions []frameSubscription
	txQueue       chan Frame
	sendTimeout   time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
	running       bool
	txErrors      uint32
}

func NewBusManager(bus Bus, txQueueSize int, logger *log.Logger) *BusManager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if txQueueSize <= 0 {
		txQueueSize = DefaultTxQueueSize
	}
	return &BusManager{
		logger:      logger.WithField("service", "[BUS]"),
		bus:         bus,
		txQueue:     make(chan Frame, txQueueSize),
		sendTimeout: DefaultSendTimeout,
	}
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	matching := make([]FrameListener, 0, len(bm.subscriptions))
	for _, sub := range bm.subscriptions {
		if (frame.ID^sub.ident)&sub.mask == 0 {
			matching = append(matching, sub.listener)
		}
	}
	bm.mu.Unlock()
	for _, listener := range matching {
		listener.Handle(frame)
	}
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Set how long [BusManager.Send] may wait for room in the transmit queue
func (bm *BusManager) SetSendTimeout(timeout time.Duration) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.sendTimeout = timeout
}

// Connect to the underlying bus, subscribe to its traffic and start
// the transmit queue writer
func (bm *BusManager) Connect(args ...any) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.bus == nil {
		return ErrIllegalArgument
	}
	if bm.running {
		return nil
	}
	if err := bm.bus.Connect(args...); err != nil {
		return err
	}
	if err := bm.bus.Subscribe(bm); err != nil {
		return err
	}
	bm.stop = make(chan struct{})
	bm.running = true
	bm.wg.Add(1)
	go bm.processOutgoing(bm.bus, bm.stop)
	return nil
}

// Stop the writer and disconnect from the bus
// Frames still queued are discarded
func (bm *BusManager) Disconnect() error {
	bm.mu.Lock()
	if !bm.running {
		bm.mu.Unlock()
		return nil
	}
	bm.running = false
	close(bm.stop)
	bus := bm.bus
	bm.mu.Unlock()
	bm.wg.Wait()
	return bus.Disconnect()
}

func (bm *BusManager) processOutgoing(bus Bus, stop chan struct{}) {
	defer bm.wg.Done()
	for {
		select {
		case <-stop:
			return
		case frame := <-bm.txQueue:
			if err := bus.Send(frame); err != nil {
				bm.mu.Lock()
				bm.txErrors++
				bm.mu.Unlock()
				bm.logger.Warnf("send x%x failed : %v", frame.ID, err)
			}
		}
	}
}

// Send a CAN message
// Blocks at most the configured send timeout when the queue is full,
// then gives up with [ErrQueueFull]
func (bm *BusManager) Send(frame Frame) error {
	select {
	case bm.txQueue <- frame:
		return nil
	default:
	}
	bm.mu.Lock()
	timeout := bm.sendTimeout
	bm.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case bm.txQueue <- frame:
		return nil
	case <-timer.C:
		bm.logger.Debugf("queue full, dropped x%x", frame.ID)
		return ErrQueueFull
	}
}

// Queue a CAN message without blocking
// Returns false if the transmit queue is saturated
func (bm *BusManager) TrySend(frame Frame) bool {
	select {
	case bm.txQueue <- frame:
		return true
	default:
		return false
	}
}

// Subscribe to every CAN ID matching ident under mask
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) error {
	if callback == nil {
		return ErrIllegalArgument
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	mask = mask & CanSffMask
	if rtr {
		ident |= CanRtrFlag
		mask |= CanRtrFlag
	}
	for _, sub := range bm.subscriptions {
		if sub.ident == ident && sub.mask == mask && sub.listener == callback {
			bm.logger.Warnf("callback for frame id x%x already added", ident)
			return nil
		}
	}
	bm.subscriptions = append(bm.subscriptions, frameSubscription{ident: ident, mask: mask, listener: callback})
	return nil
}

// Remove every subscription of callback
func (bm *BusManager) Unsubscribe(callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	kept := bm.subscriptions[:0]
	for _, sub := range bm.subscriptions {
		if sub.listener != callback {
			kept = append(kept, sub)
		}
	}
	bm.subscriptions = kept
}

// Number of frames the bus refused to send
func (bm *BusManager) TxErrors() uint32 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.txErrors
}

// Number of frames waiting in the transmit queue
func (bm *BusManager) Pending() int {
	return len(bm.txQueue)
}
