package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteRead(t *testing.T) {
	f := NewFifo[uint32](3)
	assert.Equal(t, 3, f.GetSpace())
	assert.Equal(t, 3, f.Write(1, 2, 3, 4))
	assert.Equal(t, 0, f.GetSpace())
	assert.Equal(t, 3, f.GetOccupied())

	v, ok := f.Peek()
	assert.True(t, ok)
	assert.EqualValues(t, 1, v)
	assert.Equal(t, 3, f.GetOccupied())

	for _, expected := range []uint32{1, 2, 3} {
		v, ok = f.Pop()
		assert.True(t, ok)
		assert.Equal(t, expected, v)
	}
	_, ok = f.Pop()
	assert.False(t, ok)
}

func TestWrapAround(t *testing.T) {
	f := NewFifo[int](2)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, f.Write(i))
		v, ok := f.Pop()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
	f.Write(7)
	f.Reset()
	assert.Equal(t, 0, f.GetOccupied())
}
