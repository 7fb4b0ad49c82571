package sdo

import (
	"time"

	canbridge "github.com/samsamfire/canbridge"
)

// A write that was transmitted but not yet acknowledged
type PendingWrite struct {
	NodeId   uint8
	Index    uint16
	Subindex uint8
	ParamId  uint32
	Value    uint32
	Issued   time.Time
}

// Result of a pending write, either matched or reaped by timeout
type WriteResult struct {
	PendingWrite
	Outcome Outcome
	Err     error
}

// Transmit a write without waiting for the acknowledgement.
// Only one such write may be pending, a second one fails with
// [canbridge.ErrBusy]. A full transmit queue fails with [canbridge.ErrQueueFull].
func (c *SDOClient) SetValueAsync(nodeId uint8, index uint16, subindex uint8, paramId uint32, value uint32, now time.Time) error {
	if c.pending != nil {
		return canbridge.ErrBusy
	}
	if !c.TryRequestWrite(nodeId, index, subindex, value) {
		return canbridge.ErrQueueFull
	}
	c.pending = &PendingWrite{
		NodeId:   nodeId,
		Index:    index,
		Subindex: subindex,
		ParamId:  paramId,
		Value:    value,
		Issued:   now,
	}
	c.logger.Debugf("[TX] async write | x%x:x%x:x%x param %v value x%x", nodeId, index, subindex, paramId, value)
	return nil
}

// Whether a write is currently pending
func (c *SDOClient) HasPendingWrite() bool {
	return c.pending != nil
}

// Compare a received response against the pending write.
// On match the slot is freed and the result returned.
func (c *SDOClient) MatchPendingWrite(msg Message) (WriteResult, bool) {
	p := c.pending
	if p == nil || !msg.Matches(p.NodeId, p.Index, p.Subindex) {
		return WriteResult{}, false
	}
	if !msg.IsAbort() && !msg.IsDownloadResponse() {
		// Read reply for the same entry, not ours
		return WriteResult{}, false
	}
	c.pending = nil
	result := WriteResult{PendingWrite: *p}
	if msg.IsAbort() {
		result.Err = msg.AbortCode()
	}
	result.Outcome = OutcomeOf(result.Err)
	return result, true
}

// Reap the pending write if it has been waiting longer than the async
// write timeout. The result reports a communication error.
func (c *SDOClient) CheckPendingWriteTimeout(now time.Time) (WriteResult, bool) {
	p := c.pending
	if p == nil || now.Sub(p.Issued) < c.asyncWriteTimeout {
		return WriteResult{}, false
	}
	c.pending = nil
	c.logger.Warnf("async write x%x:x%x:x%x timed out", p.NodeId, p.Index, p.Subindex)
	return WriteResult{PendingWrite: *p, Outcome: OutcomeCommError, Err: canbridge.ErrTimeout}, true
}
