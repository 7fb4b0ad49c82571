package canbridge

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTimeout         = errors.New("function timeout")
	ErrQueueFull       = errors.New("transmit queue full, try again")
	ErrBusy            = errors.New("operation rejected, resource busy")
	ErrNotConnected    = errors.New("not connected")
	ErrAborted         = errors.New("operation aborted")
)
