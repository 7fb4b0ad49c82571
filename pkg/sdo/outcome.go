package sdo

import (
	"errors"

	canbridge "github.com/samsamfire/canbridge"
)

// Caller visible result of a dictionary operation
type Outcome uint8

const (
	OutcomeOk Outcome = iota
	OutcomeRangeError
	OutcomeUnknownIndex
	OutcomeCommError
	OutcomeBusy
)

var outcomeDescription = map[Outcome]string{
	OutcomeOk:           "ok",
	OutcomeRangeError:   "value out of range",
	OutcomeUnknownIndex: "unknown index",
	OutcomeCommError:    "communication error",
	OutcomeBusy:         "busy",
}

func (o Outcome) String() string {
	if s, ok := outcomeDescription[o]; ok {
		return s
	}
	return "unknown"
}

// Classify an error returned by the transaction layer.
// An abort with [AbortInvalidValue] is a range error, any other abort
// means the entry is unknown. Timeouts and transport failures are
// communication errors.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOk
	}
	var abort Abort
	if errors.As(err, &abort) {
		if abort == AbortInvalidValue {
			return OutcomeRangeError
		}
		return OutcomeUnknownIndex
	}
	if errors.Is(err, canbridge.ErrBusy) {
		return OutcomeBusy
	}
	return OutcomeCommError
}
