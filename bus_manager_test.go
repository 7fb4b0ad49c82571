package canbridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu       sync.Mutex
	sent     []Frame
	listener FrameListener
	fail     bool
	block    chan struct{}
}

func (b *fakeBus) Connect(...any) error { return nil }
func (b *fakeBus) Disconnect() error    { return nil }

func (b *fakeBus) Send(frame Frame) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("bus off")
	}
	b.sent = append(b.sent, frame)
	return nil
}

func (b *fakeBus) Subscribe(listener FrameListener) error {
	b.listener = listener
	return nil
}

func (b *fakeBus) frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.sent...)
}

type recorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recorder) Handle(frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func TestSendOrder(t *testing.T) {
	bus := &fakeBus{}
	bm := NewBusManager(bus, 8, nil)
	require.Nil(t, bm.Connect())
	defer bm.Disconnect()
	for i := 0; i < 50; i++ {
		frame := NewFrame(0x600+uint32(i), 0, 1)
		frame.Data[0] = uint8(i)
		require.Nil(t, bm.Send(frame))
	}
	assert.Eventually(t, func() bool { return len(bus.frames()) == 50 }, time.Second, time.Millisecond)
	for i, frame := range bus.frames() {
		assert.EqualValues(t, i, frame.Data[0])
	}
}

func TestQueueFull(t *testing.T) {
	bus := &fakeBus{block: make(chan struct{})}
	bm := NewBusManager(bus, 2, nil)
	bm.SetSendTimeout(5 * time.Millisecond)
	require.Nil(t, bm.Connect())

	// One frame held by the writer, two in the queue
	assert.Nil(t, bm.Send(NewFrame(0x601, 0, 8)))
	assert.Eventually(t, func() bool { return bm.Pending() == 0 }, time.Second, time.Millisecond)
	assert.True(t, bm.TrySend(NewFrame(0x602, 0, 8)))
	assert.True(t, bm.TrySend(NewFrame(0x603, 0, 8)))
	assert.False(t, bm.TrySend(NewFrame(0x604, 0, 8)))
	assert.Equal(t, ErrQueueFull, bm.Send(NewFrame(0x604, 0, 8)))

	close(bus.block)
	assert.Eventually(t, func() bool { return len(bus.frames()) == 3 }, time.Second, time.Millisecond)
	assert.Nil(t, bm.Disconnect())
}

func TestTxErrors(t *testing.T) {
	bus := &fakeBus{fail: true}
	bm := NewBusManager(bus, 4, nil)
	require.Nil(t, bm.Connect())
	defer bm.Disconnect()
	bm.Send(NewFrame(0x601, 0, 8))
	assert.Eventually(t, func() bool { return bm.TxErrors() == 1 }, time.Second, time.Millisecond)
}

func TestSubscribe(t *testing.T) {
	bus := &fakeBus{}
	bm := NewBusManager(bus, 4, nil)
	require.Nil(t, bm.Connect())
	defer bm.Disconnect()

	sdoRx := &recorder{}
	all := &recorder{}
	assert.Equal(t, ErrIllegalArgument, bm.Subscribe(0x580, 0x780, false, nil))
	require.Nil(t, bm.Subscribe(0x580, 0x780, false, sdoRx))
	require.Nil(t, bm.Subscribe(0x580, 0x780, false, sdoRx))
	require.Nil(t, bm.Subscribe(0, 0, false, all))

	bus.listener.Handle(NewFrame(0x585, 0, 8))
	bus.listener.Handle(NewFrame(0x5FF, 0, 8))
	bus.listener.Handle(NewFrame(0x605, 0, 8))
	assert.Len(t, sdoRx.frames, 2)
	assert.Len(t, all.frames, 3)

	bm.Unsubscribe(sdoRx)
	bus.listener.Handle(NewFrame(0x585, 0, 8))
	assert.Len(t, sdoRx.frames, 2)
	assert.Len(t, all.frames, 4)
}

func TestConnectWithoutBus(t *testing.T) {
	bm := NewBusManager(nil, 0, nil)
	assert.Equal(t, ErrIllegalArgument, bm.Connect())
	assert.Nil(t, bm.Disconnect())
}

func TestPayload(t *testing.T) {
	frame := Frame{DLC: 3, Data: [8]byte{1, 2, 3, 4}}
	assert.Equal(t, []byte{1, 2, 3}, frame.Payload())
	frame.DLC = 12
	assert.Len(t, frame.Payload(), 8)
}

func TestNewBusUnknownInterface(t *testing.T) {
	_, err := NewBus("nonexistent", "can0", 500000)
	assert.Error(t, err)
	RegisterInterface("fake", func(channel string) (Bus, error) { return &fakeBus{}, nil })
	bus, err := NewBus("fake", "can0", 500000)
	assert.Nil(t, err)
	assert.IsType(t, &fakeBus{}, bus)
}
