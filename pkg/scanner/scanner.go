// Package scanner discovers devices by probing a range of node ids for
// their serial number. It never blocks : one probe step is issued per
// tick and replies are handed over by the response router.
package scanner

import (
	"sort"
	"time"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/pkg/device"
	"github.com/samsamfire/canbridge/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultStepInterval = 50 * time.Millisecond
	DefaultProbeTimeout = 100 * time.Millisecond
)

// A device seen while scanning
type Sighting struct {
	NodeId   uint8
	Serial   device.Serial
	LastSeen time.Time
}

type Callbacks struct {
	Discovered func(nodeId uint8, serial device.Serial)
	Progress   func(nodeId uint8, start uint8, end uint8)
}

// Requester is what the scanner needs to issue probes
type Requester interface {
	TryRequestRead(nodeId uint8, index uint16, subindex uint8) bool
}

type Scanner struct {
	client       Requester
	logger       *log.Entry
	callbacks    Callbacks
	stepInterval time.Duration
	probeTimeout time.Duration
	active       bool
	start        uint8
	end          uint8
	node         uint8
	part         int
	serial       device.Serial
	probing      bool
	probeSent    time.Time
	lastStep     time.Time
	sightings    map[uint8]Sighting
}

func NewScanner(client Requester, logger *log.Logger, callbacks Callbacks) *Scanner {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scanner{
		client:       client,
		logger:       logger.WithField("service", "[SCANNER]"),
		callbacks:    callbacks,
		stepInterval: DefaultStepInterval,
		probeTimeout: DefaultProbeTimeout,
		sightings:    map[uint8]Sighting{},
	}
}

// Change step interval and probe timeout, zero keeps the default
func (s *Scanner) SetTiming(stepInterval time.Duration, probeTimeout time.Duration) {
	if stepInterval <= 0 {
		stepInterval = DefaultStepInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	s.stepInterval = stepInterval
	s.probeTimeout = probeTimeout
}

// Start probing nodes start..end (inclusive), forever, until [Scanner.Stop]
func (s *Scanner) Start(start uint8, end uint8) error {
	if start == 0 || end > sdo.MaxNodeId || start > end {
		return canbridge.ErrIllegalArgument
	}
	s.logger.Infof("scanning nodes x%x..x%x", start, end)
	s.active = true
	s.start = start
	s.end = end
	s.node = start
	s.resetProbe()
	s.lastStep = time.Time{}
	return nil
}

func (s *Scanner) Stop() {
	if s.active {
		s.logger.Info("scan stopped")
	}
	s.active = false
	s.node = 0
	s.resetProbe()
}

func (s *Scanner) Active() bool {
	return s.active
}

// Node currently being probed, 0 when inactive
func (s *Scanner) Node() uint8 {
	return s.node
}

func (s *Scanner) resetProbe() {
	s.part = 0
	s.serial = device.Serial{}
	s.probing = false
}

func (s *Scanner) advance() {
	if s.node >= s.end {
		s.node = s.start
	} else {
		s.node++
	}
	s.resetProbe()
}

// Run one scan step. idle tells whether the bus may be used for probing,
// i.e. the device connection is idle. An outstanding probe is dropped
// when the bus is taken by something else, the node is then probed again.
func (s *Scanner) Tick(now time.Time, idle bool) {
	if !s.active {
		return
	}
	if !idle {
		if s.probing {
			s.resetProbe()
		}
		return
	}
	if s.probing {
		if now.Sub(s.probeSent) < s.probeTimeout {
			return
		}
		s.logger.Debugf("[x%x] no reply for serial part %v", s.node, s.part)
		s.advance()
	}
	if !s.lastStep.IsZero() && now.Sub(s.lastStep) < s.stepInterval {
		return
	}
	if !s.client.TryRequestRead(s.node, device.IndexSerial, uint8(s.part)) {
		// Transmit queue full, retry next tick
		return
	}
	s.probing = true
	s.probeSent = now
	s.lastStep = now
	if s.part == 0 && s.callbacks.Progress != nil {
		s.callbacks.Progress(s.node, s.start, s.end)
	}
}

// Offer a received response, returns true if it was the reply to the
// current probe
func (s *Scanner) Handle(msg sdo.Message, now time.Time) bool {
	if !s.active || !s.probing {
		return false
	}
	if msg.Node() != s.node || msg.Index() != device.IndexSerial {
		return false
	}
	if msg.IsAbort() || !msg.IsUploadResponse() || msg.Subindex() != uint8(s.part) {
		s.logger.Debugf("[x%x] unexpected probe reply %v", s.node, msg)
		s.advance()
		return true
	}
	s.serial[s.part] = msg.Value()
	s.part++
	s.probing = false
	if s.part < device.SerialParts {
		return true
	}
	serial := s.serial
	nodeId := s.node
	s.sightings[nodeId] = Sighting{NodeId: nodeId, Serial: serial, LastSeen: now}
	s.logger.Infof("[x%x] found device %v", nodeId, serial)
	if s.callbacks.Discovered != nil {
		s.callbacks.Discovered(nodeId, serial)
	}
	s.advance()
	return true
}

// Devices seen so far, sorted by node id
func (s *Scanner) Sightings() []Sighting {
	sightings := make([]Sighting, 0, len(s.sightings))
	for _, sighting := range s.sightings {
		sightings = append(sightings, sighting)
	}
	sort.Slice(sightings, func(i, j int) bool { return sightings[i].NodeId < sightings[j].NodeId })
	return sightings
}
