package engine

import (
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/pkg/device"
	"github.com/samsamfire/canbridge/pkg/sdo"
)

// Fails unless the connected device can be addressed by cmd's client
func (e *Engine) requireDevice(cmd Command) error {
	if e.updater.Active() {
		return canbridge.ErrBusy
	}
	if err := e.conn.RequireDevice(); err != nil {
		return err
	}
	if client := cmd.ClientId(); client != 0 && !e.locks.Allowed(e.conn.NodeId(), client) {
		return canbridge.ErrBusy
	}
	return nil
}

func (e *Engine) configurator() *device.Configurator {
	return device.NewConfigurator(e.conn.NodeId(), e.client)
}

func (e *Engine) dispatch(cmd Command, now time.Time) {
	e.logger.Debugf("command %T (id %v)", cmd, cmd.CorrelationId())
	id := cmd.CorrelationId()

	switch c := cmd.(type) {

	case Connect:
		if e.updater.Active() {
			e.reject(cmd, canbridge.ErrBusy)
			return
		}
		// Checked first so a rejected connect leaves the client's lock alone
		if err := e.conn.CanConnect(c.NodeId); err != nil {
			e.reject(cmd, err)
			return
		}
		if c.Client != 0 {
			if err := e.locks.TryAcquire(c.NodeId, c.Client); err != nil {
				e.reject(cmd, err)
				return
			}
		}
		if err := e.conn.Connect(c.NodeId, c.Baudrate, c.Pins, now); err != nil {
			e.reject(cmd, err)
			return
		}
		if e.spot.Active() && e.spot.NodeId() != c.NodeId {
			e.spot.Stop()
		}
		e.connectId = id

	case ReloadDictionary:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		e.conn.Reload(now)
		e.connectId = id

	case StartScan:
		if err := e.conn.RequireIdle(); err != nil {
			e.reject(cmd, err)
			return
		}
		if err := e.scanner.Start(c.Start, c.End); err != nil {
			e.reject(cmd, err)
			return
		}
		e.scanId = id

	case StopScan:
		e.scanner.Stop()

	case GetValue:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		value, err := e.configurator().GetValue(c.ParamId)
		e.emit(ValueRead{EventBase{id}, c.ParamId, value, sdo.OutcomeOf(err)})

	case SetValue:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		err := e.configurator().SetValue(c.ParamId, c.Value)
		e.emit(ValueSet{EventBase{id}, c.ParamId, c.Value, sdo.OutcomeOf(err)})

	case SetValueAsync:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		index, subindex := device.ParamAddress(c.ParamId)
		err := e.client.SetValueAsync(e.conn.NodeId(), index, subindex, c.ParamId, device.ToFixed(c.Value), now)
		if err != nil {
			e.reject(cmd, err)
			return
		}
		e.asyncId = id

	case AddMapping:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		err := e.configurator().AddMapping(c.Mapping)
		e.emit(MappingAdded{EventBase{id}, c.Mapping, sdo.OutcomeOf(err)})

	case RemoveMapping:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		err := e.configurator().RemoveMapping(c.Rx, c.MessageIndex, c.ParamIndex)
		e.emit(MappingRemoved{EventBase{id}, sdo.OutcomeOf(err)})

	case ListMappings:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		mappings, err := e.configurator().ListMappings()
		e.emit(MappingList{EventBase{id}, mappings, sdo.OutcomeOf(err)})

	case DeviceCommand:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		err := e.configurator().Command(c.Command, c.Arg)
		e.emit(CommandDone{EventBase{id}, c.Command, sdo.OutcomeOf(err)})

	case StartUpdate:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		nodeId := e.conn.NodeId()
		if err := e.updater.StartFile(nodeId, c.Path, now); err != nil {
			e.reject(cmd, err)
			return
		}
		e.updateId = id
		// Session is armed, the bootloader starts right after the reset
		if err := e.configurator().CommandNoWait(device.CommandReset, 0); err != nil {
			e.updater.Abort(err)
		}

	case StartInterval:
		if err := e.intervals.Start(c.Name, c.CanId, c.Data, c.Period, now); err != nil {
			e.reject(cmd, err)
		}

	case StopInterval:
		e.intervals.Stop(c.Name)

	case StartCanIO:
		if err := e.canio.Start(c.CanId, c.Fields, c.Period, c.UseCrc, now); err != nil {
			e.reject(cmd, err)
		}

	case UpdateCanIO:
		if !e.canio.Update(c.Fields) {
			e.logger.Debug("CAN-IO update ignored, not running")
		}

	case StopCanIO:
		e.canio.Stop()

	case StartSpotValues:
		if err := e.requireDevice(cmd); err != nil {
			e.reject(cmd, err)
			return
		}
		if err := e.spot.Start(e.conn.NodeId(), c.Period, c.Ids, now); err != nil {
			e.reject(cmd, err)
			return
		}
		e.spotId = id

	case StopSpotValues:
		e.spot.Stop()

	case ReleaseClient:
		e.locks.ReleaseAll(c.Client)

	default:
		e.logger.Debugf("ignoring unknown command %T", cmd)
	}
}
