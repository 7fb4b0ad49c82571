// Package spot samples a list of parameters of the connected device at a
// fixed period and reports each round as one batch.
package spot

import (
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/internal/fifo"
	"github.com/samsamfire/canbridge/pkg/device"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMinSpacing = 2 * time.Millisecond
	MaxParams         = 256
)

// Requester is what the poller needs to issue reads
type Requester interface {
	TryRequestRead(nodeId uint8, index uint16, subindex uint8) bool
}

// Called with the values collected during one round
type FlushFunc func(values map[uint32]float64)

// Poller requests every parameter once per period. Replies are not read
// here : the response router asks [Poller.IsWaitingForParam] and hands
// over matching values through [Poller.HandleResponse].
type Poller struct {
	client      Requester
	logger      *log.Entry
	flush       FlushFunc
	minSpacing  time.Duration
	active      bool
	nodeId      uint8
	ids         []uint32
	period      time.Duration
	queue       *fifo.Fifo[uint32]
	requested   map[uint32]bool
	batch       map[uint32]float64
	latest      map[uint32]float64
	lastReload  time.Time
	lastRequest time.Time
}

func NewPoller(client Requester, logger *log.Logger, flush FlushFunc) *Poller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Poller{
		client:     client,
		logger:     logger.WithField("service", "[SPOT]"),
		flush:      flush,
		minSpacing: DefaultMinSpacing,
		queue:      fifo.NewFifo[uint32](MaxParams),
		requested:  map[uint32]bool{},
		batch:      map[uint32]float64{},
		latest:     map[uint32]float64{},
	}
}

func (p *Poller) SetMinSpacing(spacing time.Duration) {
	if spacing < 0 {
		spacing = DefaultMinSpacing
	}
	p.minSpacing = spacing
}

// Start polling ids of nodeId every period. A running session is flushed
// and replaced.
func (p *Poller) Start(nodeId uint8, period time.Duration, ids []uint32, now time.Time) error {
	if period <= 0 || len(ids) == 0 || len(ids) > MaxParams {
		return canbridge.ErrIllegalArgument
	}
	p.Stop()
	p.logger.Infof("[x%x] polling %v params every %v", nodeId, len(ids), period)
	p.active = true
	p.nodeId = nodeId
	p.period = period
	p.ids = append([]uint32(nil), ids...)
	p.ReloadQueue(now)
	return nil
}

// Flush the current batch then clear the session
func (p *Poller) Stop() {
	p.flushBatch()
	if p.active {
		p.logger.Info("stopped")
	}
	p.active = false
	p.ids = nil
	p.queue.Reset()
	p.requested = map[uint32]bool{}
}

func (p *Poller) Active() bool {
	return p.active
}

func (p *Poller) NodeId() uint8 {
	return p.nodeId
}

// Emit the batch collected so far and queue every parameter again
func (p *Poller) ReloadQueue(now time.Time) {
	p.flushBatch()
	p.queue.Reset()
	p.queue.Write(p.ids...)
	p.lastReload = now
}

func (p *Poller) flushBatch() {
	if len(p.batch) == 0 {
		return
	}
	values := p.batch
	p.batch = map[uint32]float64{}
	if p.flush != nil {
		p.flush(values)
	}
}

// Reload at period boundaries then send the next request
func (p *Poller) Tick(now time.Time) {
	if !p.active {
		return
	}
	if now.Sub(p.lastReload) >= p.period {
		p.ReloadQueue(now)
	}
	p.ProcessQueue(now)
}

// Send the request at the head of the queue. It is removed only once
// queued for transmission, otherwise it is retried next tick.
func (p *Poller) ProcessQueue(now time.Time) bool {
	if !p.active || now.Sub(p.lastRequest) < p.minSpacing {
		return false
	}
	id, ok := p.queue.Peek()
	if !ok {
		return false
	}
	index, subindex := device.ParamAddress(id)
	if !p.client.TryRequestRead(p.nodeId, index, subindex) {
		return false
	}
	p.queue.Pop()
	p.requested[id] = true
	p.lastRequest = now
	return true
}

// Whether a reply for id belongs to this poller
func (p *Poller) IsWaitingForParam(id uint32) bool {
	return p.active && p.requested[id]
}

func (p *Poller) HandleResponse(id uint32, value float64) {
	delete(p.requested, id)
	p.batch[id] = value
	p.latest[id] = value
}

// Forget an outstanding request, e.g. after an abort
func (p *Poller) Discard(id uint32) {
	delete(p.requested, id)
}

// Requests still waiting to be sent this round
func (p *Poller) Queued() int {
	return p.queue.GetOccupied()
}

// Last known value of every parameter seen, never cleared by a flush
func (p *Poller) Latest() map[uint32]float64 {
	latest := make(map[uint32]float64, len(p.latest))
	for id, value := range p.latest {
		latest[id] = value
	}
	return latest
}
