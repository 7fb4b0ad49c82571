package engine

import (
	"time"

	"github.com/samsamfire/canbridge/pkg/device"
	"github.com/samsamfire/canbridge/pkg/interval"
)

// Command is a request submitted to the bus task.
// Id is echoed in resulting events, 0 means no reply is expected.
// Client identifies the submitter for node locking, 0 for anonymous.
type Command interface {
	CorrelationId() uint32
	ClientId() uint32
	command()
}

type CommandBase struct {
	Id     uint32
	Client uint32
}

func (c CommandBase) CorrelationId() uint32 {
	return c.Id
}

func (c CommandBase) ClientId() uint32 {
	return c.Client
}

func (CommandBase) command() {}

type Connect struct {
	CommandBase
	NodeId   uint8
	Baudrate int
	Pins     device.Pins
}

// Download the dictionary of the connected device again
type ReloadDictionary struct {
	CommandBase
}

type StartScan struct {
	CommandBase
	Start uint8
	End   uint8
}

type StopScan struct {
	CommandBase
}

type GetValue struct {
	CommandBase
	ParamId uint32
}

type SetValue struct {
	CommandBase
	ParamId uint32
	Value   float64
}

// Like [SetValue] without blocking the bus task, the result comes later
// as a [ValueSet] event
type SetValueAsync struct {
	CommandBase
	ParamId uint32
	Value   float64
}

type AddMapping struct {
	CommandBase
	Mapping device.Mapping
}

type RemoveMapping struct {
	CommandBase
	Rx           bool
	MessageIndex uint8
	ParamIndex   uint8
}

type ListMappings struct {
	CommandBase
}

type DeviceCommand struct {
	CommandBase
	Command device.Command
	Arg     uint32
}

// Flash the connected device with the image at Path
type StartUpdate struct {
	CommandBase
	Path string
}

type StartInterval struct {
	CommandBase
	Name   string
	CanId  uint32
	Data   []byte
	Period time.Duration
}

type StopInterval struct {
	CommandBase
	Name string
}

type StartCanIO struct {
	CommandBase
	CanId  uint32
	Fields interval.CanIOFields
	Period time.Duration
	UseCrc bool
}

type UpdateCanIO struct {
	CommandBase
	Fields interval.CanIOFields
}

type StopCanIO struct {
	CommandBase
}

type StartSpotValues struct {
	CommandBase
	Period time.Duration
	Ids    []uint32
}

type StopSpotValues struct {
	CommandBase
}

// Release any node lock held by the client
type ReleaseClient struct {
	CommandBase
}
