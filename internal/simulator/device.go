package simulator

import (
	"encoding/binary"
	"sync"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/internal/crc"
)

const (
	indexParamBase  = 0x2100
	indexMapAddTx   = 0x3000
	indexMapAddRx   = 0x3001
	indexMapReadTx  = 0x3100
	indexMapReadRx  = 0x3180
	indexSerial     = 0x5000
	indexDictionary = 0x5001
	indexCommand    = 0x5002
	commandReset    = 2

	abortToggle       = 0x05030000
	abortCmd          = 0x05040001
	abortNotExist     = 0x06020000
	abortInvalidValue = 0x06090030
	abortReadOnly     = 0x06010002
)

// Limits of a parameter, raw fixed point values
type Limits struct {
	Min int32
	Max int32
}

type mappedParam struct {
	param      uint32
	gainOffset uint32
}

type mappedMessage struct {
	canId  uint32
	params []mappedParam
}

// Command received by a simulated device
type ReceivedCommand struct {
	Command uint8
	Arg     uint32
}

// Device simulates a single node
type Device struct {
	mu         sync.Mutex
	NodeId     uint8
	Serial     [4]uint32
	Dictionary []byte
	Values     map[uint32]int32
	Limits     map[uint32]Limits
	// Silent devices never answer
	Silent bool
	// Bootloader handshake after a reset command, nil to disable
	Bootloader *Bootloader

	commands []ReceivedCommand
	mapTx    []mappedMessage
	mapRx    []mappedMessage
	pending  mappedMessage
	upload   []byte
	uploaded int
	toggle   uint8
}

func NewDevice(nodeId uint8, serial [4]uint32, dictionary []byte) *Device {
	return &Device{
		NodeId:     nodeId,
		Serial:     serial,
		Dictionary: dictionary,
		Values:     map[uint32]int32{},
		Limits:     map[uint32]Limits{},
	}
}

// Set the raw value of a parameter
func (d *Device) SetValue(paramId uint32, raw int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Values[paramId] = raw
}

func (d *Device) Value(paramId uint32) (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.Values[paramId]
	return v, ok
}

func (d *Device) Commands() []ReceivedCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ReceivedCommand(nil), d.commands...)
}

// Number of mapped parameters, tx and rx
func (d *Device) MappingCount() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := func(messages []mappedMessage) int {
		n := 0
		for _, m := range messages {
			n += len(m.params)
		}
		return n
	}
	return count(d.mapTx), count(d.mapRx)
}

func (d *Device) process(frame canbridge.Frame) []canbridge.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Silent {
		return nil
	}
	if d.Bootloader != nil && d.Bootloader.active {
		return d.Bootloader.process(d.NodeId, frame)
	}
	if frame.DLC != 8 {
		return nil
	}
	cmd := frame.Data[0]
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subindex := frame.Data[3]
	value := binary.LittleEndian.Uint32(frame.Data[4:])

	switch {
	case cmd == 0x40:
		return d.read(index, subindex)
	case cmd&0xEF == 0x60:
		return d.segment(cmd)
	case cmd&0xF3 == 0x23:
		return d.write(index, subindex, value)
	case cmd == 0x80:
		d.upload = nil
		return nil
	}
	return []canbridge.Frame{sdoResponse(d.NodeId, 0x80, index, subindex, abortCmd)}
}

func (d *Device) abort(index uint16, subindex uint8, code uint32) []canbridge.Frame {
	return []canbridge.Frame{sdoResponse(d.NodeId, 0x80, index, subindex, code)}
}

func (d *Device) expedited(index uint16, subindex uint8, value uint32) []canbridge.Frame {
	return []canbridge.Frame{sdoResponse(d.NodeId, 0x43, index, subindex, value)}
}

func (d *Device) read(index uint16, subindex uint8) []canbridge.Frame {
	switch {
	case index == indexSerial:
		if subindex >= 4 {
			return d.abort(index, subindex, abortNotExist)
		}
		return d.expedited(index, subindex, d.Serial[subindex])

	case index == indexDictionary && subindex == 0:
		d.upload = d.Dictionary
		d.uploaded = 0
		d.toggle = 0
		return []canbridge.Frame{sdoResponse(d.NodeId, 0x41, index, subindex, uint32(len(d.upload)))}

	case index&0xFF00 == indexParamBase:
		paramId := uint32(index&0xFF)<<8 | uint32(subindex)
		v, ok := d.Values[paramId]
		if !ok {
			return d.abort(index, subindex, abortNotExist)
		}
		return d.expedited(index, subindex, uint32(v))

	case index >= indexMapReadTx && index < indexMapReadTx+0x100:
		messages := d.mapTx
		msgIndex := int(index - indexMapReadTx)
		if index >= indexMapReadRx {
			messages = d.mapRx
			msgIndex = int(index - indexMapReadRx)
		}
		if msgIndex >= len(messages) {
			return d.abort(index, subindex, abortNotExist)
		}
		m := messages[msgIndex]
		if subindex == 0 {
			return d.expedited(index, subindex, m.canId)
		}
		paramIndex := int(subindex-1) / 2
		if paramIndex >= len(m.params) {
			return d.abort(index, subindex, abortNotExist)
		}
		if subindex%2 == 1 {
			return d.expedited(index, subindex, m.params[paramIndex].param)
		}
		return d.expedited(index, subindex, m.params[paramIndex].gainOffset)
	}
	return d.abort(index, subindex, abortNotExist)
}

func (d *Device) segment(cmd uint8) []canbridge.Frame {
	if d.upload == nil {
		return d.abort(indexDictionary, 0, abortCmd)
	}
	if cmd&0x10 != d.toggle {
		d.upload = nil
		return d.abort(indexDictionary, 0, abortToggle)
	}
	remaining := d.upload[d.uploaded:]
	n := len(remaining)
	if n > 7 {
		n = 7
	}
	frame := response(d.NodeId, 0, 0, 0, 0, 0, 0, 0, 0)
	frame.Data[0] = d.toggle | byte(7-n)<<1
	copy(frame.Data[1:], remaining[:n])
	d.uploaded += n
	d.toggle ^= 0x10
	if d.uploaded >= len(d.upload) {
		frame.Data[0] |= 0x01
		d.upload = nil
	}
	return []canbridge.Frame{frame}
}

func (d *Device) write(index uint16, subindex uint8, value uint32) []canbridge.Frame {
	ack := []canbridge.Frame{sdoResponse(d.NodeId, 0x60, index, subindex, 0)}
	switch {
	case index&0xFF00 == indexParamBase:
		paramId := uint32(index&0xFF)<<8 | uint32(subindex)
		if _, ok := d.Values[paramId]; !ok {
			return d.abort(index, subindex, abortNotExist)
		}
		if limits, ok := d.Limits[paramId]; ok {
			if int32(value) < limits.Min || int32(value) > limits.Max {
				return d.abort(index, subindex, abortInvalidValue)
			}
		}
		d.Values[paramId] = int32(value)
		return ack

	case index == indexMapAddTx || index == indexMapAddRx:
		switch subindex {
		case 0:
			d.pending = mappedMessage{canId: value}
		case 1:
			d.pending.params = []mappedParam{{param: value}}
		case 2:
			if len(d.pending.params) != 1 {
				return d.abort(index, subindex, abortInvalidValue)
			}
			d.pending.params[0].gainOffset = value
			d.commitMapping(index == indexMapAddRx)
		default:
			return d.abort(index, subindex, abortNotExist)
		}
		return ack

	case index >= indexMapReadTx && index < indexMapReadTx+0x100:
		if value != 0 || subindex%2 != 1 {
			return d.abort(index, subindex, abortReadOnly)
		}
		rx := index >= indexMapReadRx
		messages := &d.mapTx
		msgIndex := int(index - indexMapReadTx)
		if rx {
			messages = &d.mapRx
			msgIndex = int(index - indexMapReadRx)
		}
		paramIndex := int(subindex-1) / 2
		if msgIndex >= len(*messages) || paramIndex >= len((*messages)[msgIndex].params) {
			return d.abort(index, subindex, abortNotExist)
		}
		m := &(*messages)[msgIndex]
		m.params = append(m.params[:paramIndex], m.params[paramIndex+1:]...)
		if len(m.params) == 0 {
			*messages = append((*messages)[:msgIndex], (*messages)[msgIndex+1:]...)
		}
		return ack

	case index == indexCommand:
		d.commands = append(d.commands, ReceivedCommand{Command: subindex, Arg: value})
		if subindex == commandReset && d.Bootloader != nil {
			return append(ack, d.Bootloader.start(d.NodeId))
		}
		return ack
	}
	return d.abort(index, subindex, abortNotExist)
}

func (d *Device) commitMapping(rx bool) {
	messages := &d.mapTx
	if rx {
		messages = &d.mapRx
	}
	for i := range *messages {
		if (*messages)[i].canId == d.pending.canId {
			(*messages)[i].params = append((*messages)[i].params, d.pending.params...)
			d.pending = mappedMessage{}
			return
		}
	}
	*messages = append(*messages, d.pending)
	d.pending = mappedMessage{}
}

// Bootloader simulates the page by page flashing handshake
type Bootloader struct {
	Id      uint32
	Version uint8
	// Number of page CRC checks to fail on purpose
	CorruptChecks int

	active     bool
	pages      int
	page       int
	pageData   []byte
	flash      []byte
	crc        crc.CRC32
	done       bool
	crcFailure int
	awaiting   byte
}

const (
	blMagic = 0x33
	blPage  = 1024
)

// Image written so far, valid once [Bootloader.Done]
func (bl *Bootloader) Flash() []byte {
	return bl.flash
}

func (bl *Bootloader) Done() bool {
	return bl.done
}

func (bl *Bootloader) CrcFailures() int {
	return bl.crcFailure
}

func (bl *Bootloader) start(nodeId uint8) canbridge.Frame {
	bl.active = true
	bl.awaiting = 'I'
	frame := response(nodeId, blMagic, bl.Version, 0, 0, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(frame.Data[4:], bl.Id)
	return frame
}

func (bl *Bootloader) process(nodeId uint8, frame canbridge.Frame) []canbridge.Frame {
	switch bl.awaiting {
	case 'I':
		if frame.DLC != 4 || binary.LittleEndian.Uint32(frame.Data[:4]) != bl.Id {
			return nil
		}
		bl.awaiting = 'S'
		return []canbridge.Frame{response(nodeId, 'S')}
	case 'S':
		if frame.DLC != 1 {
			return nil
		}
		bl.pages = int(frame.Data[0])
		bl.page = 0
		bl.pageData = nil
		bl.crc.Reset()
		bl.awaiting = 'P'
		return []canbridge.Frame{response(nodeId, 'P')}
	case 'P':
		if frame.DLC != 8 {
			return nil
		}
		bl.pageData = append(bl.pageData, frame.Data[:]...)
		bl.crc.Block(frame.Data[:])
		if len(bl.pageData) < blPage {
			return []canbridge.Frame{response(nodeId, 'P')}
		}
		bl.awaiting = 'C'
		return []canbridge.Frame{response(nodeId, 'C')}
	case 'C':
		if frame.DLC != 4 {
			return nil
		}
		received := binary.LittleEndian.Uint32(frame.Data[:4])
		ok := received == uint32(bl.crc)
		if bl.CorruptChecks > 0 {
			bl.CorruptChecks--
			ok = false
		}
		bl.crc.Reset()
		if !ok {
			bl.crcFailure++
			bl.pageData = nil
			bl.awaiting = 'P'
			return []canbridge.Frame{response(nodeId, 'E'), response(nodeId, 'P')}
		}
		bl.flash = append(bl.flash, bl.pageData...)
		bl.pageData = nil
		bl.page++
		if bl.page >= bl.pages {
			bl.done = true
			bl.active = false
			bl.awaiting = 0
			return []canbridge.Frame{response(nodeId, 'D')}
		}
		bl.awaiting = 'P'
		return []canbridge.Frame{response(nodeId, 'P')}
	}
	return nil
}
