package spot

import (
	"testing"
	"time"

	"github.com/samsamfire/canbridge/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	nodeId   uint8
	index    uint16
	subindex uint8
}

type recorder struct {
	requests []request
	full     bool
}

func (r *recorder) TryRequestRead(nodeId uint8, index uint16, subindex uint8) bool {
	if r.full {
		return false
	}
	r.requests = append(r.requests, request{nodeId, index, subindex})
	return true
}

type flushes struct {
	batches []map[uint32]float64
}

func (f *flushes) flush(values map[uint32]float64) {
	f.batches = append(f.batches, values)
}

func TestStopFlushesOnce(t *testing.T) {
	f := &flushes{}
	p := NewPoller(&recorder{}, nil, f.flush)
	require.Nil(t, p.Start(1, time.Second, []uint32{10, 11}, time.Now()))
	p.HandleResponse(10, 1.5)
	p.HandleResponse(11, 2.25)
	p.Stop()
	require.Len(t, f.batches, 1)
	assert.Equal(t, map[uint32]float64{10: 1.5, 11: 2.25}, f.batches[0])
	p.Stop()
	assert.Len(t, f.batches, 1)
	assert.False(t, p.Active())
	assert.Equal(t, map[uint32]float64{10: 1.5, 11: 2.25}, p.Latest())
}

func TestProcessQueue(t *testing.T) {
	r := &recorder{}
	p := NewPoller(r, nil, nil)
	now := time.Now()
	require.Nil(t, p.Start(3, time.Second, []uint32{2000, 1}, now))
	assert.Equal(t, 2, p.Queued())

	assert.True(t, p.ProcessQueue(now))
	// Rate limited
	assert.False(t, p.ProcessQueue(now.Add(time.Millisecond)))
	r.full = true
	assert.False(t, p.ProcessQueue(now.Add(2*time.Millisecond)))
	assert.Equal(t, 1, p.Queued())
	r.full = false
	assert.True(t, p.ProcessQueue(now.Add(3*time.Millisecond)))
	assert.False(t, p.ProcessQueue(now.Add(10*time.Millisecond)))

	index, subindex := device.ParamAddress(2000)
	assert.Equal(t, []request{{3, index, subindex}, {3, 0x2100, 1}}, r.requests)
	assert.True(t, p.IsWaitingForParam(2000))
	assert.True(t, p.IsWaitingForParam(1))
	assert.False(t, p.IsWaitingForParam(5))
	p.HandleResponse(2000, 400)
	assert.False(t, p.IsWaitingForParam(2000))
	p.Discard(1)
	assert.False(t, p.IsWaitingForParam(1))
}

func TestReloadAtPeriod(t *testing.T) {
	f := &flushes{}
	r := &recorder{}
	p := NewPoller(r, nil, f.flush)
	p.SetMinSpacing(0)
	now := time.Now()
	require.Nil(t, p.Start(3, 100*time.Millisecond, []uint32{1, 2}, now))
	p.Tick(now)
	p.Tick(now.Add(time.Millisecond))
	p.HandleResponse(1, 1)
	p.HandleResponse(2, 2)
	assert.Empty(t, f.batches)
	assert.Equal(t, 0, p.Queued())

	p.Tick(now.Add(100 * time.Millisecond))
	require.Len(t, f.batches, 1)
	assert.Len(t, f.batches[0], 2)
	assert.Equal(t, 1, p.Queued())
	assert.Len(t, r.requests, 3)
}

func TestStartInvalid(t *testing.T) {
	p := NewPoller(&recorder{}, nil, nil)
	assert.Error(t, p.Start(1, 0, []uint32{1}, time.Now()))
	assert.Error(t, p.Start(1, time.Second, nil, time.Now()))
	assert.False(t, p.Active())
}
