// Package firmware drives the page by page bootloader handshake used to
// flash a new image into a device.
//
// The session is armed before the target is reset so the magic byte sent
// by the bootloader right after reboot is not missed. From then on, every
// byte received from the bootloader moves the state machine forward :
//
//	AwaitMagic    --0x33--> echo id          --> AwaitSizeAck
//	AwaitSizeAck  --'S'---> page count       --> SendingPage
//	SendingPage   --'P'---> 8 bytes of data  --> SendingPage
//	SendingPage   --'C'---> page CRC32       --> CheckingCrc
//	CheckingCrc   --'P'---> next page        --> SendingPage
//	CheckingCrc   --'E'---> rewind page      --> SendingPage
//	CheckingCrc   --'D'---> close            --> Done
//	SendingPage   --'D'---> close            --> Done
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/internal/crc"
	"github.com/samsamfire/canbridge/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const (
	PageSize                 = 1024
	MaxPages                 = 0xFF
	DefaultMaxPageRetries    = 5
	DefaultInactivityTimeout = 5 * time.Second
	LegacyPause              = 100 * time.Millisecond
	DefaultRxQueueSize       = 64
)

// Bootloader bytes
const (
	Magic       byte = 0x33
	SizeRequest byte = 'S'
	PageRequest byte = 'P'
	CrcRequest  byte = 'C'
	PageGood    byte = 'P'
	PageBad     byte = 'E'
	Done        byte = 'D'

	fillByte       byte = 0xFF
	minimalVersion      = 2
)

var (
	ErrTooManyRetries = errors.New("page CRC retries exhausted")
	ErrImageTooLarge  = fmt.Errorf("image exceeds %v pages", MaxPages)
	ErrEmptyImage     = errors.New("empty image")
)

type State uint8

const (
	StateIdle State = iota
	StateAwaitMagic
	StateAwaitSizeAck
	StateSendingPage
	StateCheckingCrc
	StateDone
	StateFailed
)

var stateDescription = map[State]string{
	StateIdle:         "IDLE",
	StateAwaitMagic:   "AWAIT-MAGIC",
	StateAwaitSizeAck: "AWAIT-SIZE-ACK",
	StateSendingPage:  "SENDING-PAGE",
	StateCheckingCrc:  "CHECKING-CRC",
	StateDone:         "DONE",
	StateFailed:       "FAILED",
}

func (s State) String() string {
	if desc, ok := stateDescription[s]; ok {
		return desc
	}
	return "UNKNOWN"
}

// Outcome of an update session
type Result struct {
	NodeId      uint8
	Pages       int
	CrcFailures int
	Err         error
}

func (r Result) Success() bool {
	return r.Err == nil
}

type Callbacks struct {
	Progress func(nodeId uint8, page int, total int)
	Finished func(result Result)
}

// Transport is what the updater needs from the bus, implemented by
// [canbridge.BusManager]
type Transport interface {
	canbridge.Sender
	Subscribe(ident uint32, mask uint32, rtr bool, callback canbridge.FrameListener) error
}

// Updater runs one firmware session at a time. Frames are received on
// the bus goroutine through [Updater.Handle] and processed on the bus task
// through [Updater.Process].
type Updater struct {
	bus               Transport
	logger            *log.Entry
	callbacks         Callbacks
	rx                chan canbridge.Frame
	watching          atomic.Uint32
	maxPageRetries    int
	inactivityTimeout time.Duration

	state        State
	nodeId       uint8
	image        io.ReaderAt
	closer       io.Closer
	size         int64
	totalPages   int
	page         int
	cursor       int64
	crc          crc.CRC32
	retries      int
	crcFailures  int
	lastActivity time.Time
	echo         [4]byte
	echoDue      time.Time
	echoPending  bool
}

func NewUpdater(bus Transport, logger *log.Logger, callbacks Callbacks) (*Updater, error) {
	if bus == nil {
		return nil, canbridge.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	u := &Updater{
		bus:               bus,
		logger:            logger.WithField("service", "[FIRMWARE]"),
		callbacks:         callbacks,
		rx:                make(chan canbridge.Frame, DefaultRxQueueSize),
		maxPageRetries:    DefaultMaxPageRetries,
		inactivityTimeout: DefaultInactivityTimeout,
	}
	err := bus.Subscribe(sdo.ServerBaseId, 0x780, false, u)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Number of consecutive bad CRC replies for one page before giving up
func (u *Updater) SetMaxPageRetries(retries int) {
	if retries <= 0 {
		retries = DefaultMaxPageRetries
	}
	u.maxPageRetries = retries
}

func (u *Updater) SetInactivityTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	u.inactivityTimeout = timeout
}

// Handle bootloader replies, called from the bus goroutine
func (u *Updater) Handle(frame canbridge.Frame) {
	watching := u.watching.Load()
	if watching == 0 || frame.ID != watching || frame.DLC == 0 {
		return
	}
	select {
	case u.rx <- frame:
	default:
		u.logger.Warnf("dropped bootloader frame, receive queue full")
	}
}

// Number of pages needed for an image of the given size
func PageCount(size int64) int {
	return int((size + PageSize - 1) / PageSize)
}

// Arm a session for node with the given image. The caller resets the
// device afterwards. closer may be nil.
func (u *Updater) Start(nodeId uint8, image io.ReaderAt, size int64, closer io.Closer, now time.Time) error {
	if u.Active() {
		return canbridge.ErrBusy
	}
	if nodeId == 0 || nodeId > sdo.MaxNodeId || image == nil {
		return canbridge.ErrIllegalArgument
	}
	if size <= 0 {
		return ErrEmptyImage
	}
	pages := PageCount(size)
	if pages > MaxPages {
		return ErrImageTooLarge
	}
	// Drop anything left from a previous session
	for len(u.rx) > 0 {
		<-u.rx
	}
	u.nodeId = nodeId
	u.image = image
	u.closer = closer
	u.size = size
	u.totalPages = pages
	u.page = 0
	u.cursor = 0
	u.crc.Reset()
	u.retries = 0
	u.crcFailures = 0
	u.echoPending = false
	u.state = StateAwaitMagic
	u.lastActivity = now
	u.watching.Store(sdo.ServerBaseId + uint32(nodeId))
	u.logger.Infof("[x%x] update armed, %v bytes in %v pages", nodeId, size, pages)
	return nil
}

// Same as [Updater.Start] with an image read from a file
func (u *Updater) StartFile(nodeId uint8, path string, now time.Time) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	err = u.Start(nodeId, file, info.Size(), file, now)
	if err != nil {
		file.Close()
	}
	return err
}

// Abandon the current session
func (u *Updater) Abort(err error) {
	if !u.Active() {
		return
	}
	if err == nil {
		err = canbridge.ErrAborted
	}
	u.finish(err)
}

// Whether a session is in progress
func (u *Updater) Active() bool {
	return u.state != StateIdle && u.state != StateDone && u.state != StateFailed
}

func (u *Updater) State() State {
	return u.state
}

func (u *Updater) NodeId() uint8 {
	return u.nodeId
}

func (u *Updater) TotalPages() int {
	return u.totalPages
}

func (u *Updater) Page() int {
	return u.page
}

func (u *Updater) CrcFailures() int {
	return u.crcFailures
}

// Drain received bootloader frames and advance timers
func (u *Updater) Process(now time.Time) {
	for {
		select {
		case frame := <-u.rx:
			if u.Active() {
				u.lastActivity = now
				u.dispatch(frame, now)
			}
		default:
			u.tick(now)
			return
		}
	}
}

func (u *Updater) tick(now time.Time) {
	if !u.Active() {
		return
	}
	if u.echoPending && !now.Before(u.echoDue) {
		u.sendEcho()
		return
	}
	if now.Sub(u.lastActivity) > u.inactivityTimeout {
		u.finish(fmt.Errorf("no reply from bootloader in state %v : %w", u.state, canbridge.ErrTimeout))
	}
}

// Feed one input to the state machine until the state stops changing.
// A good CRC acknowledgement and the next page request share the same byte,
// so "page good" re-enters SendingPage which immediately sends data.
func (u *Updater) dispatch(frame canbridge.Frame, now time.Time) {
	for i := 0; i < 4 && u.Active(); i++ {
		previous := u.state
		u.step(frame, now)
		if u.state == previous {
			return
		}
		u.logger.Debugf("[x%x] %v => %v", u.nodeId, previous, u.state)
	}
}

func (u *Updater) step(frame canbridge.Frame, now time.Time) {
	input := frame.Data[0]
	switch u.state {

	case StateAwaitMagic:
		if input != Magic || frame.DLC < 8 || u.echoPending {
			return
		}
		copy(u.echo[:], frame.Data[4:8])
		version := frame.Data[1]
		if version < minimalVersion {
			// Older bootloaders need time before accepting the echo
			u.logger.Debugf("[x%x] legacy bootloader version %v", u.nodeId, version)
			u.echoPending = true
			u.echoDue = now.Add(LegacyPause)
			return
		}
		u.sendEcho()

	case StateAwaitSizeAck:
		if input != SizeRequest {
			return
		}
		if !u.send(1, byte(u.totalPages)) {
			return
		}
		u.crc.Reset()
		u.page = 0
		u.cursor = 0
		u.state = StateSendingPage

	case StateSendingPage:
		switch input {
		case PageRequest:
			u.sendData()
		case CrcRequest:
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(u.crc))
			if u.send(4, buf[:]...) {
				u.state = StateCheckingCrc
			}
		case Done:
			u.finish(nil)
		}

	case StateCheckingCrc:
		switch input {
		case PageGood:
			u.crc.Reset()
			u.page++
			u.retries = 0
			u.cursor = int64(u.page) * PageSize
			u.state = StateSendingPage
			if u.callbacks.Progress != nil {
				u.callbacks.Progress(u.nodeId, u.page, u.totalPages)
			}
		case PageBad:
			u.crc.Reset()
			u.crcFailures++
			u.retries++
			u.logger.Warnf("[x%x] CRC mismatch on page %v (attempt %v)", u.nodeId, u.page, u.retries)
			if u.retries >= u.maxPageRetries {
				u.finish(fmt.Errorf("page %v : %w", u.page, ErrTooManyRetries))
				return
			}
			u.cursor = int64(u.page) * PageSize
			u.state = StateSendingPage
		case Done:
			u.page++
			if u.callbacks.Progress != nil {
				u.callbacks.Progress(u.nodeId, u.page, u.totalPages)
			}
			u.finish(nil)
		}
	}
}

func (u *Updater) sendEcho() {
	u.echoPending = false
	if u.send(4, u.echo[:]...) {
		u.state = StateAwaitSizeAck
	}
}

func (u *Updater) sendData() {
	var buf [8]byte
	n, err := u.image.ReadAt(buf[:], u.cursor)
	if err != nil && err != io.EOF {
		u.finish(fmt.Errorf("reading image at %v : %w", u.cursor, err))
		return
	}
	for i := n; i < len(buf); i++ {
		buf[i] = fillByte
	}
	if !u.send(8, buf[:]...) {
		return
	}
	u.crc.Block(buf[:])
	u.cursor += int64(len(buf))
}

func (u *Updater) send(dlc uint8, data ...byte) bool {
	frame := canbridge.NewFrame(sdo.ClientBaseId+uint32(u.nodeId), 0, dlc)
	copy(frame.Data[:], data)
	err := u.bus.Send(frame)
	if err != nil {
		u.finish(fmt.Errorf("sending to bootloader : %w", err))
		return false
	}
	return true
}

func (u *Updater) finish(err error) {
	if u.closer != nil {
		u.closer.Close()
		u.closer = nil
	}
	u.image = nil
	u.watching.Store(0)
	u.echoPending = false
	result := Result{NodeId: u.nodeId, Pages: u.page, CrcFailures: u.crcFailures, Err: err}
	if err != nil {
		u.state = StateFailed
		u.logger.Errorf("[x%x] update failed after %v/%v pages : %v", u.nodeId, u.page, u.totalPages, err)
	} else {
		u.state = StateDone
		u.logger.Infof("[x%x] update done, %v pages, %v CRC failures", u.nodeId, u.totalPages, u.crcFailures)
	}
	if u.callbacks.Finished != nil {
		u.callbacks.Finished(result)
	}
}
