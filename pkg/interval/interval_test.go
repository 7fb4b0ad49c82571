package interval

import (
	"testing"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/internal/crc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	frames []canbridge.Frame
	full   bool
}

func (r *recorder) Send(frame canbridge.Frame) error {
	if !r.TrySend(frame) {
		return canbridge.ErrQueueFull
	}
	return nil
}

func (r *recorder) TrySend(frame canbridge.Frame) bool {
	if r.full {
		return false
	}
	r.frames = append(r.frames, frame)
	return true
}

func TestStartReplaces(t *testing.T) {
	s := NewScheduler(&recorder{}, nil)
	now := time.Now()
	require.Nil(t, s.Start("a", 0x100, []byte{1, 2}, 100*time.Millisecond, now))
	require.Nil(t, s.Start("b", 0x101, []byte{3}, 100*time.Millisecond, now))
	require.Nil(t, s.Start("a", 0x200, []byte{4}, 50*time.Millisecond, now))
	assert.Equal(t, 2, s.Len())
	msg, ok := s.Get("a")
	require.True(t, ok)
	assert.EqualValues(t, 0x200, msg.CanId)
	assert.Equal(t, []byte{4}, msg.Data)

	assert.True(t, s.Stop("a"))
	assert.False(t, s.Stop("a"))
	assert.Equal(t, 1, s.Len())
}

func TestStartInvalid(t *testing.T) {
	s := NewScheduler(&recorder{}, nil)
	now := time.Now()
	assert.Equal(t, canbridge.ErrIllegalArgument, s.Start("", 0x100, nil, time.Second, now))
	assert.Equal(t, canbridge.ErrIllegalArgument, s.Start("a", 0x800, nil, time.Second, now))
	assert.Equal(t, canbridge.ErrIllegalArgument, s.Start("a", 0x100, make([]byte, 9), time.Second, now))
	assert.Equal(t, canbridge.ErrIllegalArgument, s.Start("a", 0x100, nil, 0, now))
}

func TestSendPendingMessages(t *testing.T) {
	r := &recorder{}
	s := NewScheduler(r, nil)
	start := time.Now()
	require.Nil(t, s.Start("a", 0x100, []byte{0xAA, 0xBB}, 100*time.Millisecond, start))

	assert.Equal(t, 0, s.SendPendingMessages(start.Add(99*time.Millisecond)))
	// Late tick, last sent is the tick time not the period boundary
	late := start.Add(130 * time.Millisecond)
	assert.Equal(t, 1, s.SendPendingMessages(late))
	msg, _ := s.Get("a")
	assert.Equal(t, late, msg.LastSent())
	assert.Equal(t, 0, s.SendPendingMessages(start.Add(200*time.Millisecond)))
	assert.Equal(t, 1, s.SendPendingMessages(start.Add(230*time.Millisecond)))

	require.Len(t, r.frames, 2)
	assert.EqualValues(t, 0x100, r.frames[0].ID)
	assert.EqualValues(t, 2, r.frames[0].DLC)
	assert.Equal(t, []byte{0xAA, 0xBB}, r.frames[0].Payload())
}

func TestSendPendingQueueFull(t *testing.T) {
	r := &recorder{full: true}
	s := NewScheduler(r, nil)
	start := time.Now()
	require.Nil(t, s.Start("a", 0x100, nil, 10*time.Millisecond, start))
	assert.Equal(t, 0, s.SendPendingMessages(start.Add(10*time.Millisecond)))
	msg, _ := s.Get("a")
	assert.Equal(t, start, msg.LastSent())
	r.full = false
	assert.Equal(t, 1, s.SendPendingMessages(start.Add(11*time.Millisecond)))
}

func TestPack(t *testing.T) {
	fields := CanIOFields{ValueA: 100, ValueB: 200, Flags: 0x3F, Scalar: 500, Preset: 10}
	assert.Equal(t, [8]byte{0x64, 0x80, 0x0C, 0x7F, 0xF4, 0x41, 0x0A, 0x00}, Pack(fields, 1, false))

	withCrc := Pack(fields, 1, true)
	assert.Equal(t, byte(crc.Checksum8(withCrc[:7])), withCrc[7])
	assert.Equal(t, [7]byte{0x64, 0x80, 0x0C, 0x7F, 0xF4, 0x41, 0x0A}, [7]byte(withCrc[:7]))
}

func TestPackTruncatesFields(t *testing.T) {
	data := Pack(CanIOFields{ValueA: 0xFFFF, Flags: 0xFF, Scalar: 0xFFFF}, 7, false)
	assert.Equal(t, [8]byte{0xFF, 0x0F, 0x00, 0xFF, 0xFF, 0xFF, 0x00, 0x00}, data)
}

func TestCanIOCounter(t *testing.T) {
	r := &recorder{}
	c := NewCanIO(r, nil)
	start := time.Now()
	assert.False(t, c.Tick(start.Add(time.Hour)))
	assert.False(t, c.Update(CanIOFields{ValueA: 1}))

	require.Nil(t, c.Start(0x3F, CanIOFields{}, 10*time.Millisecond, false, start))
	counters := []uint8{}
	for i := 1; i <= 6; i++ {
		assert.True(t, c.Tick(start.Add(time.Duration(i)*10*time.Millisecond)))
	}
	for _, frame := range r.frames {
		counters = append(counters, frame.Data[5]>>6)
	}
	assert.Equal(t, []uint8{0, 1, 2, 3, 0, 1}, counters)

	// Updates do not touch the counter
	assert.True(t, c.Update(CanIOFields{ValueA: 0x123}))
	assert.EqualValues(t, 2, c.Counter())
	assert.True(t, c.Tick(start.Add(70*time.Millisecond)))
	last := r.frames[len(r.frames)-1]
	assert.EqualValues(t, 0x23, last.Data[0])
	assert.EqualValues(t, 2, last.Data[3]>>6)

	c.Stop()
	assert.False(t, c.Active())
	assert.False(t, c.Tick(start.Add(time.Hour)))
	assert.Len(t, r.frames, 7)
}
