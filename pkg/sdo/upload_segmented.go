package sdo

import (
	"bytes"

	canbridge "github.com/samsamfire/canbridge"
)

// Upload reassembles an object read from a server with the segmented
// (or expedited) upload protocol. It does no I/O itself : the owner
// transmits [Upload.InitiateRequest] then [Upload.NextRequest] after every
// accepted segment, and feeds replies through [Upload.Feed].
type Upload struct {
	nodeId    uint8
	index     uint16
	subindex  uint8
	toggle    uint8
	buf       bytes.Buffer
	size      uint32
	segmented bool
	done      bool
}

func NewUpload(nodeId uint8, index uint16, subindex uint8) *Upload {
	return &Upload{nodeId: nodeId, index: index, subindex: subindex}
}

func (u *Upload) InitiateRequest() canbridge.Frame {
	return NewReadRequest(u.nodeId, u.index, u.subindex)
}

// Segment request for the next expected segment
func (u *Upload) NextRequest() canbridge.Frame {
	return NewSegmentRequest(u.nodeId, u.toggle)
}

// Abort frame for this transfer
func (u *Upload) AbortRequest(code Abort) canbridge.Frame {
	return NewAbortRequest(u.nodeId, u.index, u.subindex, code)
}

// Whether msg belongs to this transfer
func (u *Upload) Accepts(msg Message) bool {
	if msg.Node() != u.nodeId || u.done {
		return false
	}
	if msg.IsAbort() {
		return msg.Index() == u.index && msg.Subindex() == u.subindex
	}
	if !u.segmented {
		return msg.IsUploadResponse() && msg.Index() == u.index && msg.Subindex() == u.subindex
	}
	return msg.IsSegment()
}

// Feed a server reply, returns true once the whole object was received
func (u *Upload) Feed(msg Message) (bool, error) {
	if msg.IsAbort() {
		return false, msg.AbortCode()
	}
	raw := msg.Raw()
	if !u.segmented {
		cmd := raw[0]
		if cmd&expeditedBit != 0 {
			n := 4
			if cmd&sizeBit != 0 {
				n -= int(cmd>>2) & 0x03
			}
			u.buf.Write(raw[4 : 4+n])
			u.done = true
			return true, nil
		}
		if cmd&sizeBit != 0 {
			u.size = msg.Value()
		}
		u.segmented = true
		u.toggle = 0
		return false, nil
	}

	if raw[0]&toggleBit != u.toggle {
		return false, AbortToggleBit
	}
	unused := int(raw[0]>>1) & 0x07
	u.buf.Write(raw[1 : 8-unused])
	u.toggle ^= toggleBit
	if raw[0]&lastSegmentBit == 0 {
		return false, nil
	}
	u.done = true
	switch {
	case u.size == 0:
	case uint32(u.buf.Len()) > u.size:
		return true, AbortDataLong
	case uint32(u.buf.Len()) < u.size:
		return true, AbortDataShort
	}
	return true, nil
}

// Size announced by the server, 0 if not indicated
func (u *Upload) Size() uint32 {
	return u.size
}

// Bytes received so far
func (u *Upload) Received() int {
	return u.buf.Len()
}

func (u *Upload) Data() []byte {
	return u.buf.Bytes()
}

// Whether the server answered the initiate request
func (u *Upload) Initiated() bool {
	return u.segmented || u.done
}

func (u *Upload) Done() bool {
	return u.done
}
