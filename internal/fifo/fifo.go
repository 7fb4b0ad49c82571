package fifo

// Circular Fifo object used for request queues, e.g. the spot value poller
// One slot is kept free to distinguish full from empty.
type Fifo[T any] struct {
	buffer   []T
	writePos int
	readPos  int
}

func NewFifo[T any](size int) *Fifo[T] {
	if size < 1 {
		size = 1
	}
	return &Fifo[T]{buffer: make([]T, size+1)}
}

func (f *Fifo[T]) Reset() {
	f.readPos = 0
	f.writePos = 0
}

func (f *Fifo[T]) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo[T]) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write elements to fifo, returns how many were accepted
func (f *Fifo[T]) Write(elements ...T) int {
	writeCounter := 0
	for _, element := range elements {
		writePosNext := (f.writePos + 1) % len(f.buffer)
		if writePosNext == f.readPos {
			break
		}
		f.buffer[f.writePos] = element
		f.writePos = writePosNext
		writeCounter++
	}
	return writeCounter
}

// Peek at the head without removing it
func (f *Fifo[T]) Peek() (T, bool) {
	var zero T
	if f.readPos == f.writePos {
		return zero, false
	}
	return f.buffer[f.readPos], true
}

// Remove and return the head
func (f *Fifo[T]) Pop() (T, bool) {
	element, ok := f.Peek()
	if !ok {
		return element, false
	}
	var zero T
	f.buffer[f.readPos] = zero
	f.readPos = (f.readPos + 1) % len(f.buffer)
	return element, true
}
