package sdo

import (
	"encoding/binary"
	"fmt"

	canbridge "github.com/samsamfire/canbridge"
)

type Abort uint32

const (
	ClientBaseId = 0x600 // request identifier base, client to server
	ServerBaseId = 0x580 // response identifier base, server to client
	MaxNodeId    = 0x7F
)

// Command bytes
const (
	CmdUploadRequest     uint8 = 0x40
	CmdDownloadExpedited uint8 = 0x23
	CmdDownloadResponse  uint8 = 0x60
	CmdSegmentRequest    uint8 = 0x60
	CmdAbort             uint8 = 0x80

	toggleBit      uint8 = 0x10
	expeditedBit   uint8 = 0x02
	sizeBit        uint8 = 0x01
	lastSegmentBit uint8 = 0x01
)

const (
	AbortToggleBit         Abort = 0x05030000
	AbortTimeout           Abort = 0x05040000
	AbortCmd               Abort = 0x05040001
	AbortOutOfMem          Abort = 0x05040005
	AbortUnsupportedAccess Abort = 0x06010000
	AbortWriteOnly         Abort = 0x06010001
	AbortReadOnly          Abort = 0x06010002
	AbortNotExist          Abort = 0x06020000
	AbortParamIncompat     Abort = 0x06040043
	AbortDeviceIncompat    Abort = 0x06040047
	AbortHardware          Abort = 0x06060000
	AbortTypeMismatch      Abort = 0x06070010
	AbortDataLong          Abort = 0x06070012
	AbortDataShort         Abort = 0x06070013
	AbortSubUnknown        Abort = 0x06090011
	AbortInvalidValue      Abort = 0x06090030
	AbortValueHigh         Abort = 0x06090031
	AbortValueLow          Abort = 0x06090032
	AbortMaxLessMin        Abort = 0x06090036
	AbortGeneral           Abort = 0x08000000
	AbortDataTransfer      Abort = 0x08000020
	AbortDataDeviceState   Abort = 0x08000022
	AbortNoData            Abort = 0x08000024
)

var AbortCodeDescriptionMap = map[Abort]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value.",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortNoData:            "No data available",
}

func (abort Abort) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort Abort) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

// An SDO frame received from a server
// The zero value is the timeout sentinel returned by [SDOClient.AwaitMatch]
type Message struct {
	node uint8
	raw  [8]byte
}

// Decode a received frame, only server responses with a full payload are accepted
func NewMessage(frame canbridge.Frame) (Message, bool) {
	id := frame.ID & canbridge.CanSffMask
	if id <= ServerBaseId || id > ServerBaseId+MaxNodeId || frame.DLC != 8 {
		return Message{}, false
	}
	return Message{node: uint8(id - ServerBaseId), raw: frame.Data}, true
}

// Build a message directly, mostly useful for tests and simulations
func NewRawMessage(node uint8, raw [8]byte) Message {
	return Message{node: node, raw: raw}
}

func (msg Message) Node() uint8 {
	return msg.node
}

func (msg Message) Command() uint8 {
	return msg.raw[0]
}

func (msg Message) Raw() [8]byte {
	return msg.raw
}

func (msg Message) IsZero() bool {
	return msg == Message{}
}

func (msg Message) IsAbort() bool {
	return msg.raw[0] == CmdAbort
}

func (msg Message) AbortCode() Abort {
	return Abort(binary.LittleEndian.Uint32(msg.raw[4:]))
}

func (msg Message) Index() uint16 {
	return binary.LittleEndian.Uint16(msg.raw[1:3])
}

func (msg Message) Subindex() uint8 {
	return msg.raw[3]
}

func (msg Message) Value() uint32 {
	return binary.LittleEndian.Uint32(msg.raw[4:])
}

// Whether this is an expedited or segmented upload initiate response
func (msg Message) IsUploadResponse() bool {
	return msg.raw[0]&0xE0 == 0x40
}

// Whether this is an expedited download (write) acknowledgement
func (msg Message) IsDownloadResponse() bool {
	return msg.raw[0] == CmdDownloadResponse
}

// Whether this is an upload segment response
func (msg Message) IsSegment() bool {
	return msg.raw[0]&0xE0 == 0x00
}

func (msg Message) Matches(node uint8, index uint16, subindex uint8) bool {
	return msg.node == node && msg.Index() == index && msg.Subindex() == subindex
}

func (msg Message) String() string {
	return fmt.Sprintf("node x%x cmd x%x x%x:x%x value x%x", msg.node, msg.raw[0], msg.Index(), msg.Subindex(), msg.Value())
}

// Frame for a read (upload initiate) request
func NewReadRequest(node uint8, index uint16, subindex uint8) canbridge.Frame {
	frame := canbridge.NewFrame(ClientBaseId+uint32(node), 0, 8)
	frame.Data[0] = CmdUploadRequest
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subindex
	return frame
}

// Frame for an expedited 4 byte write (download initiate) request
func NewWriteRequest(node uint8, index uint16, subindex uint8, value uint32) canbridge.Frame {
	frame := canbridge.NewFrame(ClientBaseId+uint32(node), 0, 8)
	frame.Data[0] = CmdDownloadExpedited
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subindex
	binary.LittleEndian.PutUint32(frame.Data[4:], value)
	return frame
}

// Frame for an upload segment request with the given toggle bit
func NewSegmentRequest(node uint8, toggle uint8) canbridge.Frame {
	frame := canbridge.NewFrame(ClientBaseId+uint32(node), 0, 8)
	frame.Data[0] = CmdSegmentRequest | (toggle & toggleBit)
	return frame
}

// Frame aborting a transfer
func NewAbortRequest(node uint8, index uint16, subindex uint8, code Abort) canbridge.Frame {
	frame := canbridge.NewFrame(ClientBaseId+uint32(node), 0, 8)
	frame.Data[0] = CmdAbort
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subindex
	binary.LittleEndian.PutUint32(frame.Data[4:], uint32(code))
	return frame
}
