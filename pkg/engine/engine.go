// Package engine runs every protocol component on a single bus task.
//
// Commands are submitted from any goroutine and executed on the bus task,
// results and notifications come back as events. Each tick the task :
//
//   - executes the commands queued so far
//   - feeds bootloader frames to the firmware session
//   - routes received SDO responses to their owner
//   - reaps a timed out asynchronous write
//   - advances connection, scanner, interval and spot value timers
package engine

import (
	"context"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/pkg/device"
	"github.com/samsamfire/canbridge/pkg/firmware"
	"github.com/samsamfire/canbridge/pkg/interval"
	"github.com/samsamfire/canbridge/pkg/lock"
	"github.com/samsamfire/canbridge/pkg/scanner"
	"github.com/samsamfire/canbridge/pkg/sdo"
	"github.com/samsamfire/canbridge/pkg/spot"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTick         = time.Millisecond
	DefaultCommandQueue = 32
	DefaultEventQueue   = 256
)

type Options struct {
	Tick              time.Duration
	CommandQueue      int
	EventQueue        int
	SdoTimeout        time.Duration
	AsyncWriteTimeout time.Duration
	ConnectionTimeout time.Duration
	MaxPageRetries    int
	InactivityTimeout time.Duration
	SpotMinSpacing    time.Duration
	ScanStepInterval  time.Duration
	ScanProbeTimeout  time.Duration
}

// Zero values are replaced by package defaults
func DefaultOptions() Options {
	return Options{
		Tick:              DefaultTick,
		CommandQueue:      DefaultCommandQueue,
		EventQueue:        DefaultEventQueue,
		SdoTimeout:        sdo.DefaultClientTimeout,
		AsyncWriteTimeout: sdo.DefaultAsyncWriteTimeout,
		ConnectionTimeout: device.DefaultStateTimeout,
		MaxPageRetries:    firmware.DefaultMaxPageRetries,
		InactivityTimeout: firmware.DefaultInactivityTimeout,
		SpotMinSpacing:    spot.DefaultMinSpacing,
		ScanStepInterval:  scanner.DefaultStepInterval,
		ScanProbeTimeout:  scanner.DefaultProbeTimeout,
	}
}

type Engine struct {
	logger    *log.Entry
	bus       *canbridge.BusManager
	client    *sdo.SDOClient
	conn      *device.Connection
	scanner   *scanner.Scanner
	updater   *firmware.Updater
	intervals *interval.Scheduler
	canio     *interval.CanIO
	spot      *spot.Poller
	locks     *lock.Manager
	commands  chan Command
	events    chan Event
	tick      time.Duration

	// Correlation ids of the commands that started long running work
	connectId uint32
	scanId    uint32
	asyncId   uint32
	updateId  uint32
	spotId    uint32
}

// Create an engine on top of a connected bus manager
func New(bus *canbridge.BusManager, logger *log.Logger, options Options) (*Engine, error) {
	if bus == nil {
		return nil, canbridge.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if options.Tick <= 0 {
		options.Tick = DefaultTick
	}
	if options.CommandQueue <= 0 {
		options.CommandQueue = DefaultCommandQueue
	}
	if options.EventQueue <= 0 {
		options.EventQueue = DefaultEventQueue
	}
	e := &Engine{
		logger:   logger.WithField("service", "[ENGINE]"),
		bus:      bus,
		locks:    lock.NewManager(),
		commands: make(chan Command, options.CommandQueue),
		events:   make(chan Event, options.EventQueue),
		tick:     options.Tick,
	}
	client, err := sdo.NewSDOClient(bus, logger, options.SdoTimeout)
	if err != nil {
		return nil, err
	}
	client.SetAsyncWriteTimeout(options.AsyncWriteTimeout)
	e.client = client

	e.conn = device.NewConnection(client, logger, device.Callbacks{
		Serial: func(nodeId uint8, serial device.Serial) {
			e.emit(Connected{EventBase{e.connectId}, nodeId, serial})
		},
		Progress: func(nodeId uint8, received int, size uint32) {
			e.emit(DictionaryProgress{EventBase{e.connectId}, nodeId, received, size})
		},
		Complete: func(nodeId uint8, dictionary *device.Dictionary) {
			e.emit(DictionaryReady{EventBase{e.connectId}, nodeId, dictionary})
		},
		Failed: func(nodeId uint8, err error) {
			e.emit(ConnectionFailed{EventBase{e.connectId}, nodeId, e.conn.Retries(), err})
		},
	})
	e.conn.SetTimeout(options.ConnectionTimeout)

	e.scanner = scanner.NewScanner(client, logger, scanner.Callbacks{
		Discovered: func(nodeId uint8, serial device.Serial) {
			e.emit(DeviceDiscovered{EventBase{e.scanId}, nodeId, serial})
		},
		Progress: func(nodeId uint8, start uint8, end uint8) {
			e.emit(ScanProgress{EventBase{e.scanId}, nodeId, start, end})
		},
	})
	e.scanner.SetTiming(options.ScanStepInterval, options.ScanProbeTimeout)

	e.updater, err = firmware.NewUpdater(bus, logger, firmware.Callbacks{
		Progress: func(nodeId uint8, page int, total int) {
			e.emit(UpdateProgress{EventBase{e.updateId}, nodeId, page, total})
		},
		Finished: func(result firmware.Result) {
			e.emit(UpdateFinished{EventBase{e.updateId}, result.NodeId, result.Success(), result.Pages, result.CrcFailures, result.Err})
		},
	})
	if err != nil {
		return nil, err
	}
	e.updater.SetMaxPageRetries(options.MaxPageRetries)
	e.updater.SetInactivityTimeout(options.InactivityTimeout)

	e.intervals = interval.NewScheduler(bus, logger)
	e.canio = interval.NewCanIO(bus, logger)
	e.spot = spot.NewPoller(client, logger, func(values map[uint32]float64) {
		e.emit(SpotValues{EventBase{e.spotId}, values})
	})
	if options.SpotMinSpacing > 0 {
		e.spot.SetMinSpacing(options.SpotMinSpacing)
	}
	return e, nil
}

// Queue a command for the bus task, never blocks
func (e *Engine) Submit(cmd Command) error {
	if cmd == nil {
		return canbridge.ErrIllegalArgument
	}
	select {
	case e.commands <- cmd:
		return nil
	default:
		return canbridge.ErrQueueFull
	}
}

// Events emitted by the bus task
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warnf("event queue full, dropped %T", ev)
	}
}

func (e *Engine) reject(cmd Command, reason error) {
	e.logger.Debugf("rejected %T : %v", cmd, reason)
	e.emit(Rejected{EventBase{cmd.CorrelationId()}, cmd, reason})
}

// Run the bus task until ctx is cancelled
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	e.logger.Infof("starting bus task, tick %v", e.tick)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			e.logger.Info("exited bus task")
			return
		case now := <-ticker.C:
			e.Tick(now)
		}
	}
}

func (e *Engine) shutdown() {
	e.updater.Abort(context.Canceled)
	e.spot.Stop()
	e.scanner.Stop()
	e.canio.Stop()
	e.intervals.StopAll()
}

// Run one iteration of the bus task
func (e *Engine) Tick(now time.Time) {
	pending := len(e.commands)
	for i := 0; i < pending; i++ {
		e.dispatch(<-e.commands, now)
	}

	e.updater.Process(now)

	for {
		msg, ok := e.client.Poll()
		if !ok {
			break
		}
		e.route(msg, now)
	}

	if result, ok := e.client.CheckPendingWriteTimeout(now); ok {
		e.emitWriteResult(result)
	}

	flashing := e.updater.Active()
	e.conn.Tick(now)
	idle := e.conn.State() == device.StateIdle && !flashing
	e.scanner.Tick(now, idle)
	e.intervals.SendPendingMessages(now)
	e.canio.Tick(now)
	// Spot values only address the device while the connection is idle
	if idle {
		e.spot.Tick(now)
	}
}

// Hand a response to the first interested component, in priority order :
// firmware session, asynchronous write, spot values, scanner, connection
func (e *Engine) route(msg sdo.Message, now time.Time) {
	if e.updater.Active() && msg.Node() == e.updater.NodeId() {
		return
	}
	if result, ok := e.client.MatchPendingWrite(msg); ok {
		e.emitWriteResult(result)
		return
	}
	if e.spot.Active() && msg.Node() == e.spot.NodeId() {
		if id, ok := device.ParamIdOf(msg.Index(), msg.Subindex()); ok && e.spot.IsWaitingForParam(id) {
			if msg.IsAbort() {
				e.spot.Discard(id)
			} else if msg.IsUploadResponse() {
				e.spot.HandleResponse(id, device.FromFixed(msg.Value()))
			}
			return
		}
	}
	if e.conn.State() == device.StateIdle && e.scanner.Handle(msg, now) {
		return
	}
	if e.conn.Handle(msg, now) {
		return
	}
	e.logger.Debugf("[RX] unclaimed response %v", msg)
}

func (e *Engine) emitWriteResult(result sdo.WriteResult) {
	e.emit(ValueSet{EventBase{e.asyncId}, result.ParamId, device.FromFixed(result.Value), result.Outcome})
}

func (e *Engine) Connection() *device.Connection {
	return e.conn
}

func (e *Engine) Scanner() *scanner.Scanner {
	return e.scanner
}

func (e *Engine) Updater() *firmware.Updater {
	return e.updater
}

func (e *Engine) Spot() *spot.Poller {
	return e.spot
}

func (e *Engine) Locks() *lock.Manager {
	return e.locks
}
