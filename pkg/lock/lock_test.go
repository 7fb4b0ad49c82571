package lock

import (
	"sync"
	"testing"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/stretchr/testify/assert"
)

const (
	clientA = 1
	clientB = 2
)

func TestAcquireMovesLock(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.TryAcquire(5, clientA))
	assert.Nil(t, m.TryAcquire(5, clientA))
	assert.Equal(t, canbridge.ErrBusy, m.TryAcquire(5, clientB))
	assert.Nil(t, m.TryAcquire(7, clientA))

	_, locked := m.Owner(5)
	assert.False(t, locked)
	nodeId, ok := m.NodeOf(clientA)
	assert.True(t, ok)
	assert.EqualValues(t, 7, nodeId)
	assert.Nil(t, m.TryAcquire(5, clientB))
	assert.False(t, m.Allowed(7, clientB))
	assert.True(t, m.Allowed(9, clientB))
}

func TestRelease(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.TryAcquire(5, clientA))
	assert.Nil(t, m.TryAcquire(6, clientB))
	m.Release(5)
	_, ok := m.NodeOf(clientA)
	assert.False(t, ok)
	m.ReleaseAll(clientB)
	_, ok = m.Owner(6)
	assert.False(t, ok)
	m.Release(42)
	m.ReleaseAll(42)
}

func TestConcurrentAcquire(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	wins := make(chan uint32, 16)
	for client := uint32(1); client <= 16; client++ {
		wg.Add(1)
		go func(client uint32) {
			defer wg.Done()
			if m.TryAcquire(3, client) == nil {
				wins <- client
			}
		}(client)
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}
