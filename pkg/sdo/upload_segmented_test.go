package sdo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func segment(toggle uint8, last bool, data []byte) Message {
	var raw [8]byte
	raw[0] = toggle | byte(7-len(data))<<1
	if last {
		raw[0] |= lastSegmentBit
	}
	copy(raw[1:], data)
	return NewRawMessage(nodeIdTest, raw)
}

func TestUploadSegmented(t *testing.T) {
	u := NewUpload(nodeIdTest, 0x5001, 0)
	assert.Equal(t, [8]byte{0x40, 0x01, 0x50, 0x00}, u.InitiateRequest().Data)

	initiate := NewRawMessage(nodeIdTest, [8]byte{0x41, 0x01, 0x50, 0x00, 10, 0, 0, 0})
	assert.True(t, u.Accepts(initiate))
	done, err := u.Feed(initiate)
	assert.Nil(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 10, u.Size())
	assert.EqualValues(t, 0x60, u.NextRequest().Data[0])

	first := segment(0x00, false, []byte("{\"a\":{\""))
	assert.True(t, u.Accepts(first))
	done, err = u.Feed(first)
	assert.Nil(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 0x70, u.NextRequest().Data[0])

	done, err = u.Feed(segment(0x10, true, []byte("id}")))
	assert.Nil(t, err)
	assert.True(t, done)
	assert.Equal(t, "{\"a\":{\"id}", string(u.Data()))
	assert.Equal(t, 10, u.Received())
	assert.False(t, u.Accepts(first))
}

func TestUploadToggleMismatch(t *testing.T) {
	u := NewUpload(nodeIdTest, 0x5001, 0)
	_, _ = u.Feed(NewRawMessage(nodeIdTest, [8]byte{0x41, 0x01, 0x50, 0x00}))
	_, err := u.Feed(segment(0x10, false, []byte("1234567")))
	assert.Equal(t, AbortToggleBit, err)
}

func TestUploadSizeMismatch(t *testing.T) {
	u := NewUpload(nodeIdTest, 0x5001, 0)
	_, _ = u.Feed(NewRawMessage(nodeIdTest, [8]byte{0x41, 0x01, 0x50, 0x00, 20, 0, 0, 0}))
	done, err := u.Feed(segment(0x00, true, []byte("abc")))
	assert.True(t, done)
	assert.Equal(t, AbortDataShort, err)
}

func TestUploadExpedited(t *testing.T) {
	u := NewUpload(nodeIdTest, 0x5000, 1)
	// 2 bytes indicated, n = 2
	msg := NewRawMessage(nodeIdTest, [8]byte{0x4B, 0x00, 0x50, 0x01, 0xAA, 0xBB, 0xCC, 0xDD})
	assert.True(t, u.Accepts(msg))
	done, err := u.Feed(msg)
	assert.Nil(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte{0xAA, 0xBB}, u.Data())
}

func TestUploadAbort(t *testing.T) {
	u := NewUpload(nodeIdTest, 0x5001, 0)
	abort := NewRawMessage(nodeIdTest, [8]byte{0x80, 0x01, 0x50, 0x00, 0x00, 0x00, 0x02, 0x06})
	assert.True(t, u.Accepts(abort))
	_, err := u.Feed(abort)
	assert.Equal(t, AbortNotExist, err)
	assert.False(t, u.Accepts(NewRawMessage(nodeIdTest+1, [8]byte{0x41, 0x01, 0x50, 0x00})))
}
