package interval

import (
	"encoding/binary"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/internal/crc"
	log "github.com/sirupsen/logrus"
)

// Control values carried by the CAN-IO frame
type CanIOFields struct {
	ValueA uint16 // 12 bits, e.g. throttle
	ValueB uint16 // 12 bits, e.g. regen
	Flags  uint8  // 6 bits, digital inputs
	Scalar uint16 // 14 bits, e.g. cruise speed
	Preset uint8
}

// Pack fields into the 8 byte control frame.
//
//	word0 : A[0:12] B[12:24] flags[24:30] counter[30:32]
//	word1 : scalar[0:14] counter[14:16] preset[16:24]
//	byte7 : CRC8 of bytes 0..6, 0 when disabled
func Pack(fields CanIOFields, counter uint8, useCrc bool) [8]byte {
	var data [8]byte
	counter &= 0x03
	word0 := uint32(fields.ValueA&0xFFF) |
		uint32(fields.ValueB&0xFFF)<<12 |
		uint32(fields.Flags&0x3F)<<24 |
		uint32(counter)<<30
	word1 := uint32(fields.Scalar&0x3FFF) |
		uint32(counter)<<14 |
		uint32(fields.Preset)<<16
	binary.LittleEndian.PutUint32(data[0:4], word0)
	binary.LittleEndian.PutUint32(data[4:8], word1)
	data[7] = 0
	if useCrc {
		data[7] = byte(crc.Checksum8(data[:7]))
	}
	return data
}

// CanIO is the single control frame session. Fields can be updated at any
// time without affecting the cadence, only Start and Stop touch the timer
// and the rolling counter.
type CanIO struct {
	bus      canbridge.Sender
	logger   *log.Entry
	active   bool
	canId    uint32
	fields   CanIOFields
	period   time.Duration
	useCrc   bool
	counter  uint8
	lastSent time.Time
}

func NewCanIO(bus canbridge.Sender, logger *log.Logger) *CanIO {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &CanIO{bus: bus, logger: logger.WithField("service", "[CANIO]")}
}

func (c *CanIO) Start(canId uint32, fields CanIOFields, period time.Duration, useCrc bool, now time.Time) error {
	if canId > canbridge.CanSffMask || period <= 0 {
		return canbridge.ErrIllegalArgument
	}
	c.logger.Infof("started, id x%x every %v (crc %v)", canId, period, useCrc)
	c.active = true
	c.canId = canId
	c.fields = fields
	c.period = period
	c.useCrc = useCrc
	c.counter = 0
	c.lastSent = now
	return nil
}

// Replace field values, ignored while inactive
func (c *CanIO) Update(fields CanIOFields) bool {
	if !c.active {
		return false
	}
	c.fields = fields
	return true
}

func (c *CanIO) Stop() {
	if c.active {
		c.logger.Info("stopped")
	}
	c.active = false
	c.counter = 0
}

func (c *CanIO) Active() bool {
	return c.active
}

// Rolling counter used by the next frame
func (c *CanIO) Counter() uint8 {
	return c.counter
}

func (c *CanIO) Fields() CanIOFields {
	return c.fields
}

// Send the frame if due, returns true if it was queued
func (c *CanIO) Tick(now time.Time) bool {
	if !c.active || now.Sub(c.lastSent) < c.period {
		return false
	}
	frame := canbridge.NewFrame(c.canId, 0, 8)
	frame.Data = Pack(c.fields, c.counter, c.useCrc)
	if !c.bus.TrySend(frame) {
		return false
	}
	c.lastSent = now
	c.counter = (c.counter + 1) & 0x03
	return true
}
