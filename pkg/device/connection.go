package device

import (
	"fmt"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const DefaultStateTimeout = 5 * time.Second

type State uint8

const (
	StateIdle State = iota
	StateError
	StateAcquiringSerial
	StateDownloadingDictionary
)

var stateMap = map[State]string{
	StateIdle:                  "IDLE",
	StateError:                 "ERROR",
	StateAcquiringSerial:       "ACQUIRING-SERIAL",
	StateDownloadingDictionary: "DOWNLOADING-DICTIONARY",
}

func (s State) String() string {
	if str, ok := stateMap[s]; ok {
		return str
	}
	return "UNKNOWN"
}

// Bus pins used by the transceiver, informational only
type Pins struct {
	Tx int
	Rx int
}

// Notifications emitted while connecting, all optional
type Callbacks struct {
	Serial   func(nodeId uint8, serial Serial)
	Progress func(nodeId uint8, received int, size uint32)
	Complete func(nodeId uint8, dictionary *Dictionary)
	Failed   func(nodeId uint8, err error)
}

// Connection owns "the" active device. Only one exists, and any device
// directed operation requires it to be idle.
// It is driven from the bus task : replies are handed over by the router
// through [Connection.Handle] and timers advance in [Connection.Tick].
type Connection struct {
	client       *sdo.SDOClient
	logger       *log.Entry
	callbacks    Callbacks
	timeout      time.Duration
	nodeId       uint8
	baudrate     int
	pins         Pins
	state        State
	serial       Serial
	serialPart   int
	outstanding  bool
	retries      int
	stateEntered time.Time
	lastActivity time.Time
	upload       *sdo.Upload
	resend       bool
	dictionary   *Dictionary
}

func NewConnection(client *sdo.SDOClient, logger *log.Logger, callbacks Callbacks) *Connection {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Connection{
		client:    client,
		logger:    logger.WithField("service", "[DEVICE]"),
		callbacks: callbacks,
		timeout:   DefaultStateTimeout,
		state:     StateIdle,
	}
}

func (c *Connection) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultStateTimeout
	}
	c.timeout = timeout
}

// Whether [Connection.Connect] would accept nodeId
func (c *Connection) CanConnect(nodeId uint8) error {
	if nodeId == 0 || nodeId > sdo.MaxNodeId {
		return canbridge.ErrIllegalArgument
	}
	if c.state != StateIdle && c.state != StateError {
		return canbridge.ErrBusy
	}
	return nil
}

// Start connecting to a device. Allowed from idle or error.
func (c *Connection) Connect(nodeId uint8, baudrate int, pins Pins, now time.Time) error {
	if err := c.CanConnect(nodeId); err != nil {
		return err
	}
	c.logger.Infof("[x%x] connecting, baudrate %v", nodeId, baudrate)
	c.nodeId = nodeId
	c.baudrate = baudrate
	c.pins = pins
	c.serial = Serial{}
	c.serialPart = 0
	c.outstanding = false
	c.dictionary = nil
	c.upload = nil
	c.enter(StateAcquiringSerial, now)
	return nil
}

// Download the dictionary again from the connected device
func (c *Connection) Reload(now time.Time) error {
	if err := c.RequireDevice(); err != nil {
		return err
	}
	c.startDownload(now)
	return nil
}

func (c *Connection) enter(state State, now time.Time) {
	if c.state != state {
		c.logger.Debugf("[x%x] %v => %v", c.nodeId, c.state, state)
	}
	c.state = state
	c.stateEntered = now
	c.lastActivity = now
}

func (c *Connection) fail(err error, now time.Time) {
	c.retries++
	c.logger.Warnf("[x%x] connection failed in state %v (retries %v) : %v", c.nodeId, c.state, c.retries, err)
	if c.upload != nil && !c.upload.Done() {
		c.client.TrySend(c.upload.AbortRequest(sdo.AbortGeneral))
	}
	c.upload = nil
	c.outstanding = false
	c.enter(StateError, now)
	if c.callbacks.Failed != nil {
		c.callbacks.Failed(c.nodeId, err)
	}
}

func (c *Connection) startDownload(now time.Time) {
	c.upload = sdo.NewUpload(c.nodeId, IndexDictionary, 0)
	c.resend = !c.client.TrySend(c.upload.InitiateRequest())
	c.enter(StateDownloadingDictionary, now)
}

// Advance timers and (re)send requests that could not be queued
func (c *Connection) Tick(now time.Time) {
	switch c.state {
	case StateAcquiringSerial:
		if now.Sub(c.stateEntered) > c.timeout {
			c.fail(fmt.Errorf("serial acquisition : %w", canbridge.ErrTimeout), now)
			return
		}
		if !c.outstanding {
			c.outstanding = c.client.TryRequestRead(c.nodeId, IndexSerial, uint8(c.serialPart))
		}
	case StateDownloadingDictionary:
		if now.Sub(c.lastActivity) > c.timeout {
			c.fail(fmt.Errorf("dictionary download : %w", canbridge.ErrTimeout), now)
			return
		}
		if c.resend {
			if !c.upload.Initiated() {
				c.resend = !c.client.TrySend(c.upload.InitiateRequest())
			} else {
				c.resend = !c.client.TrySend(c.upload.NextRequest())
			}
		}
	}
}

// Offer a received response, returns true if it was consumed
func (c *Connection) Handle(msg sdo.Message, now time.Time) bool {
	switch c.state {
	case StateAcquiringSerial:
		if msg.Node() != c.nodeId || msg.Index() != IndexSerial {
			return false
		}
		if msg.IsAbort() {
			c.fail(msg.AbortCode(), now)
			return true
		}
		if !msg.IsUploadResponse() {
			return false
		}
		if msg.Subindex() != uint8(c.serialPart) {
			c.fail(fmt.Errorf("unexpected serial part %v, expecting %v", msg.Subindex(), c.serialPart), now)
			return true
		}
		c.serial[c.serialPart] = msg.Value()
		c.serialPart++
		c.outstanding = false
		c.lastActivity = now
		if c.serialPart < SerialParts {
			c.outstanding = c.client.TryRequestRead(c.nodeId, IndexSerial, uint8(c.serialPart))
			return true
		}
		c.logger.Infof("[x%x] serial %v", c.nodeId, c.serial)
		if c.callbacks.Serial != nil {
			c.callbacks.Serial(c.nodeId, c.serial)
		}
		c.startDownload(now)
		return true

	case StateDownloadingDictionary:
		if c.upload == nil || !c.upload.Accepts(msg) {
			return false
		}
		c.lastActivity = now
		done, err := c.upload.Feed(msg)
		if err != nil {
			c.fail(fmt.Errorf("dictionary download : %w", err), now)
			return true
		}
		if c.callbacks.Progress != nil {
			c.callbacks.Progress(c.nodeId, c.upload.Received(), c.upload.Size())
		}
		if !done {
			c.resend = !c.client.TrySend(c.upload.NextRequest())
			return true
		}
		dictionary, err := ParseDictionary(c.upload.Data())
		if err != nil {
			c.fail(err, now)
			return true
		}
		c.dictionary = dictionary
		c.upload = nil
		c.retries = 0
		c.enter(StateIdle, now)
		c.logger.Infof("[x%x] dictionary ready, %v entries", c.nodeId, dictionary.Len())
		if c.callbacks.Complete != nil {
			c.callbacks.Complete(c.nodeId, dictionary)
		}
		return true
	}
	return false
}

// Fails with [canbridge.ErrBusy] unless idle
func (c *Connection) RequireIdle() error {
	if c.state != StateIdle {
		return canbridge.ErrBusy
	}
	return nil
}

// Fails unless idle with a device selected
func (c *Connection) RequireDevice() error {
	if err := c.RequireIdle(); err != nil {
		return err
	}
	if c.nodeId == 0 {
		return canbridge.ErrNotConnected
	}
	return nil
}

func (c *Connection) State() State {
	return c.state
}

func (c *Connection) NodeId() uint8 {
	return c.nodeId
}

func (c *Connection) Baudrate() int {
	return c.baudrate
}

func (c *Connection) Pins() Pins {
	return c.pins
}

func (c *Connection) Serial() Serial {
	return c.serial
}

func (c *Connection) Retries() int {
	return c.retries
}

// Dictionary of the connected device, nil until downloaded
func (c *Connection) Dictionary() *Dictionary {
	return c.dictionary
}
