package engine

import (
	"github.com/samsamfire/canbridge/pkg/device"
	"github.com/samsamfire/canbridge/pkg/sdo"
)

// Event is emitted by the bus task. Id echoes the command that caused it,
// 0 for unsolicited events.
type Event interface {
	CorrelationId() uint32
	event()
}

type EventBase struct {
	Id uint32
}

func (e EventBase) CorrelationId() uint32 {
	return e.Id
}

func (EventBase) event() {}

// Serial of the device was acquired, dictionary download follows
type Connected struct {
	EventBase
	NodeId uint8
	Serial device.Serial
}

type ConnectionFailed struct {
	EventBase
	NodeId  uint8
	Retries int
	Err     error
}

type DictionaryProgress struct {
	EventBase
	NodeId   uint8
	Received int
	Size     uint32
}

type DictionaryReady struct {
	EventBase
	NodeId     uint8
	Dictionary *device.Dictionary
}

type DeviceDiscovered struct {
	EventBase
	NodeId uint8
	Serial device.Serial
}

type ScanProgress struct {
	EventBase
	NodeId uint8
	Start  uint8
	End    uint8
}

type ValueRead struct {
	EventBase
	ParamId uint32
	Value   float64
	Outcome sdo.Outcome
}

type ValueSet struct {
	EventBase
	ParamId uint32
	Value   float64
	Outcome sdo.Outcome
}

type MappingAdded struct {
	EventBase
	Mapping device.Mapping
	Outcome sdo.Outcome
}

type MappingRemoved struct {
	EventBase
	Outcome sdo.Outcome
}

type MappingList struct {
	EventBase
	Mappings []device.Mapping
	Outcome  sdo.Outcome
}

type CommandDone struct {
	EventBase
	Command device.Command
	Outcome sdo.Outcome
}

type UpdateProgress struct {
	EventBase
	NodeId uint8
	Page   int
	Total  int
}

type UpdateFinished struct {
	EventBase
	NodeId      uint8
	Success     bool
	Pages       int
	CrcFailures int
	Err         error
}

// One round of sampled values
type SpotValues struct {
	EventBase
	Values map[uint32]float64
}

// A command could not be executed, Reason tells why
// e.g. [canbridge.ErrBusy] or [canbridge.ErrQueueFull]
type Rejected struct {
	EventBase
	Command Command
	Reason  error
}
