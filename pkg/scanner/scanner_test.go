package scanner

import (
	"encoding/binary"
	"testing"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/pkg/device"
	"github.com/samsamfire/canbridge/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	nodeId   uint8
	subindex uint8
}

type recorder struct {
	probes []probe
	full   bool
}

func (r *recorder) TryRequestRead(nodeId uint8, index uint16, subindex uint8) bool {
	if r.full {
		return false
	}
	r.probes = append(r.probes, probe{nodeId, subindex})
	return true
}

func serialReply(nodeId uint8, subindex uint8, value uint32) sdo.Message {
	raw := [8]byte{0x43}
	binary.LittleEndian.PutUint16(raw[1:3], device.IndexSerial)
	raw[3] = subindex
	binary.LittleEndian.PutUint32(raw[4:], value)
	return sdo.NewRawMessage(nodeId, raw)
}

func TestStartInvalidRange(t *testing.T) {
	s := NewScanner(&recorder{}, nil, Callbacks{})
	assert.Equal(t, canbridge.ErrIllegalArgument, s.Start(0, 3))
	assert.Equal(t, canbridge.ErrIllegalArgument, s.Start(5, 3))
	assert.Equal(t, canbridge.ErrIllegalArgument, s.Start(1, 0x80))
	assert.False(t, s.Active())
}

func TestScanWraps(t *testing.T) {
	r := &recorder{}
	progress := []uint8{}
	s := NewScanner(r, nil, Callbacks{
		Progress: func(nodeId uint8, start uint8, end uint8) {
			assert.EqualValues(t, 1, start)
			assert.EqualValues(t, 3, end)
			progress = append(progress, nodeId)
		},
	})
	require.Nil(t, s.Start(1, 3))
	now := time.Now()
	for i := 0; i < 6; i++ {
		s.Tick(now, true)
		now = now.Add(DefaultProbeTimeout)
	}
	visited := []uint8{}
	for _, p := range r.probes {
		assert.EqualValues(t, 0, p.subindex)
		visited = append(visited, p.nodeId)
	}
	assert.Equal(t, []uint8{1, 2, 3, 1, 2, 3}, visited)
	assert.Equal(t, visited, progress)
}

func TestScanStepInterval(t *testing.T) {
	r := &recorder{}
	s := NewScanner(r, nil, Callbacks{})
	require.Nil(t, s.Start(1, 3))
	now := time.Now()
	s.Tick(now, true)
	s.Handle(serialReply(1, 0, 0xAA), now)
	s.Tick(now.Add(10*time.Millisecond), true)
	assert.Len(t, r.probes, 1)
	s.Tick(now.Add(DefaultStepInterval), true)
	assert.Equal(t, []probe{{1, 0}, {1, 1}}, r.probes)
}

func TestScanTiming(t *testing.T) {
	r := &recorder{}
	s := NewScanner(r, nil, Callbacks{})
	s.SetTiming(5*time.Millisecond, 20*time.Millisecond)
	require.Nil(t, s.Start(1, 3))
	now := time.Now()
	s.Tick(now, true)
	// Probe timeout not reached yet
	s.Tick(now.Add(10*time.Millisecond), true)
	assert.Equal(t, []probe{{1, 0}}, r.probes)
	s.Tick(now.Add(20*time.Millisecond), true)
	assert.Equal(t, []probe{{1, 0}, {2, 0}}, r.probes)

	// Zero restores the defaults
	s.SetTiming(0, 0)
	s.Tick(now.Add(30*time.Millisecond), true)
	s.Tick(now.Add(20*time.Millisecond+DefaultProbeTimeout-time.Millisecond), true)
	assert.Len(t, r.probes, 2)
}

func TestScanDiscovers(t *testing.T) {
	r := &recorder{}
	var found device.Serial
	var foundNode uint8
	s := NewScanner(r, nil, Callbacks{
		Discovered: func(nodeId uint8, serial device.Serial) { foundNode, found = nodeId, serial },
	})
	require.Nil(t, s.Start(2, 4))
	now := time.Now()
	for part := uint8(0); part < 4; part++ {
		s.Tick(now, true)
		assert.True(t, s.Handle(serialReply(2, part, uint32(part)+0x100), now))
		now = now.Add(DefaultStepInterval)
	}
	assert.EqualValues(t, 2, foundNode)
	assert.Equal(t, device.Serial{0x100, 0x101, 0x102, 0x103}, found)
	assert.EqualValues(t, 3, s.Node())
	sightings := s.Sightings()
	require.Len(t, sightings, 1)
	assert.EqualValues(t, 2, sightings[0].NodeId)
}

func TestScanMismatchAdvances(t *testing.T) {
	r := &recorder{}
	s := NewScanner(r, nil, Callbacks{})
	require.Nil(t, s.Start(1, 3))
	now := time.Now()
	s.Tick(now, true)
	// Other node is not ours
	assert.False(t, s.Handle(serialReply(5, 0, 1), now))
	// Out of order part
	assert.True(t, s.Handle(serialReply(1, 2, 1), now))
	assert.EqualValues(t, 2, s.Node())
	// No probe outstanding, nothing consumed
	assert.False(t, s.Handle(serialReply(2, 0, 1), now))
}

func TestScanGatedByConnection(t *testing.T) {
	r := &recorder{}
	s := NewScanner(r, nil, Callbacks{})
	require.Nil(t, s.Start(1, 3))
	now := time.Now()
	s.Tick(now, false)
	assert.Empty(t, r.probes)
	s.Tick(now, true)
	assert.Len(t, r.probes, 1)
	// Probe abandoned when connection becomes busy, same node probed again
	s.Tick(now.Add(DefaultStepInterval), false)
	s.Tick(now.Add(2*DefaultStepInterval), true)
	assert.Equal(t, []probe{{1, 0}, {1, 0}}, r.probes)
}

func TestScanQueueFull(t *testing.T) {
	r := &recorder{full: true}
	progress := []uint8{}
	s := NewScanner(r, nil, Callbacks{
		Progress: func(nodeId uint8, start uint8, end uint8) { progress = append(progress, nodeId) },
	})
	require.Nil(t, s.Start(1, 3))
	now := time.Now()
	s.Tick(now, true)
	s.Tick(now.Add(time.Millisecond), true)
	assert.Empty(t, progress)
	r.full = false
	s.Tick(now.Add(2*time.Millisecond), true)
	assert.Equal(t, []probe{{1, 0}}, r.probes)
	assert.Equal(t, []uint8{1}, progress)
	s.Stop()
	assert.False(t, s.Active())
	assert.EqualValues(t, 0, s.Node())
}
