package device

import (
	"errors"
	"math"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/pkg/sdo"
)

// Device commands, written to [IndexCommand] with the command as subindex
type Command uint8

const (
	CommandSave     Command = 0
	CommandLoad     Command = 1
	CommandReset    Command = 2
	CommandDefaults Command = 3
	CommandStart    Command = 4
	CommandStop     Command = 5
)

var CommandDescription = map[Command]string{
	CommandSave:     "SAVE",
	CommandLoad:     "LOAD",
	CommandReset:    "RESET",
	CommandDefaults: "DEFAULTS",
	CommandStart:    "START",
	CommandStop:     "STOP",
}

func (c Command) String() string {
	if s, ok := CommandDescription[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// A parameter mapped into a CAN message by the device firmware
type Mapping struct {
	Rx       bool // received by the device, otherwise sent
	CanId    uint32
	ParamId  uint32
	Position uint8   // start bit
	Length   int8    // bit length, negative for big endian
	Gain     float64 // resolution 0.001, 24 bit signed
	Offset   int8
	// Location of this mapping when listed from the device
	MessageIndex uint8
	ParamIndex   uint8
}

func (m Mapping) encode() (uint32, uint32) {
	param := m.ParamId&0xFFFF | uint32(m.Position)<<16 | uint32(uint8(m.Length))<<24
	gain := uint32(int32(math.Round(m.Gain*1000))) & 0xFFFFFF
	return param, gain | uint32(uint8(m.Offset))<<24
}

func decodeMapping(param uint32, gainOffset uint32) Mapping {
	gain := int32(gainOffset<<8) >> 8
	return Mapping{
		ParamId:  param & 0xFFFF,
		Position: uint8(param >> 16),
		Length:   int8(param >> 24),
		Gain:     float64(gain) / 1000,
		Offset:   int8(gainOffset >> 24),
	}
}

// Configurator provides blocking helpers for reading / updating a device
// through an SDO client. Every call is bounded by the client timeout so
// it is meant for occasional configuration, not cyclic traffic.
type Configurator struct {
	client *sdo.SDOClient
	nodeId uint8
}

// Create a new [Configurator] for given node and SDO client
func NewConfigurator(nodeId uint8, client *sdo.SDOClient) *Configurator {
	return &Configurator{client: client, nodeId: nodeId}
}

func (c *Configurator) GetValue(paramId uint32) (float64, error) {
	index, subindex := ParamAddress(paramId)
	raw, err := c.client.RequestAndAwait(c.nodeId, index, subindex)
	if err != nil {
		return 0, err
	}
	return FromFixed(raw), nil
}

func (c *Configurator) SetValue(paramId uint32, value float64) error {
	index, subindex := ParamAddress(paramId)
	return c.client.WriteAndAwait(c.nodeId, index, subindex, ToFixed(value))
}

// Send a command to the device. arg is only used by [CommandStart] (mode)
func (c *Configurator) Command(cmd Command, arg uint32) error {
	return c.client.WriteAndAwait(c.nodeId, IndexCommand, uint8(cmd), arg)
}

// Send a command without waiting for the acknowledgement,
// e.g. a reset after which the device will not answer
func (c *Configurator) CommandNoWait(cmd Command, arg uint32) error {
	return c.client.RequestWrite(c.nodeId, IndexCommand, uint8(cmd), arg)
}

// Add a new parameter mapping
func (c *Configurator) AddMapping(m Mapping) error {
	if m.CanId > canbridge.CanSffMask {
		return canbridge.ErrIllegalArgument
	}
	index := IndexMapAddTx
	if m.Rx {
		index = IndexMapAddRx
	}
	param, gainOffset := m.encode()
	err := c.client.WriteAndAwait(c.nodeId, index, 0, m.CanId)
	if err != nil {
		return err
	}
	err = c.client.WriteAndAwait(c.nodeId, index, 1, param)
	if err != nil {
		return err
	}
	return c.client.WriteAndAwait(c.nodeId, index, 2, gainOffset)
}

// Remove a mapping given its location as reported by [Configurator.ListMappings]
func (c *Configurator) RemoveMapping(rx bool, messageIndex uint8, paramIndex uint8) error {
	index := IndexMapReadTx
	if rx {
		index = IndexMapReadRx
	}
	return c.client.WriteAndAwait(c.nodeId, index+uint16(messageIndex), 2*paramIndex+1, 0)
}

// Read every mapping configured on the device
func (c *Configurator) ListMappings() ([]Mapping, error) {
	mappings := []Mapping{}
	for _, rx := range []bool{false, true} {
		base := IndexMapReadTx
		if rx {
			base = IndexMapReadRx
		}
		for msgIndex := 0; msgIndex < 0x80; msgIndex++ {
			index := base + uint16(msgIndex)
			canId, err := c.client.RequestAndAwait(c.nodeId, index, 0)
			if isEndOfList(err) {
				break
			} else if err != nil {
				return nil, err
			}
			for paramIndex := 0; paramIndex < 0x7F; paramIndex++ {
				param, err := c.client.RequestAndAwait(c.nodeId, index, uint8(2*paramIndex+1))
				if isEndOfList(err) {
					break
				} else if err != nil {
					return nil, err
				}
				gainOffset, err := c.client.RequestAndAwait(c.nodeId, index, uint8(2*paramIndex+2))
				if err != nil {
					return nil, err
				}
				m := decodeMapping(param, gainOffset)
				m.Rx = rx
				m.CanId = canId
				m.MessageIndex = uint8(msgIndex)
				m.ParamIndex = uint8(paramIndex)
				mappings = append(mappings, m)
			}
		}
	}
	return mappings, nil
}

func isEndOfList(err error) bool {
	var abort sdo.Abort
	return errors.As(err, &abort)
}
