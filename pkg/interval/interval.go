// Package interval sends frames on a fixed cadence : arbitrary user
// defined messages, and the bit packed control frame of [CanIO].
package interval

import (
	"time"

	canbridge "github.com/samsamfire/canbridge"
	log "github.com/sirupsen/logrus"
)

const MaxMessages = 32

// A frame sent every period
type Message struct {
	Name     string
	CanId    uint32
	Data     []byte
	Period   time.Duration
	lastSent time.Time
}

func (m *Message) LastSent() time.Time {
	return m.lastSent
}

// Scheduler owns the set of generic interval messages, keyed by name
type Scheduler struct {
	bus      canbridge.Sender
	logger   *log.Entry
	messages []*Message
}

func NewScheduler(bus canbridge.Sender, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{bus: bus, logger: logger.WithField("service", "[INTERVAL]")}
}

// Add a message, replacing any message with the same name.
// The first transmission happens one period after now.
func (s *Scheduler) Start(name string, canId uint32, data []byte, period time.Duration, now time.Time) error {
	if name == "" || canId > canbridge.CanSffMask || len(data) > 8 || period <= 0 {
		return canbridge.ErrIllegalArgument
	}
	msg := &Message{
		Name:     name,
		CanId:    canId,
		Data:     append([]byte(nil), data...),
		Period:   period,
		lastSent: now,
	}
	for i, existing := range s.messages {
		if existing.Name == name {
			s.logger.Debugf("replacing %v", name)
			s.messages[i] = msg
			return nil
		}
	}
	if len(s.messages) >= MaxMessages {
		return canbridge.ErrQueueFull
	}
	s.logger.Infof("started %v, id x%x every %v", name, canId, period)
	s.messages = append(s.messages, msg)
	return nil
}

// Remove a message, returns false if it did not exist
func (s *Scheduler) Stop(name string) bool {
	for i, existing := range s.messages {
		if existing.Name == name {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.logger.Infof("stopped %v", name)
			return true
		}
	}
	return false
}

func (s *Scheduler) StopAll() {
	s.messages = nil
}

func (s *Scheduler) Len() int {
	return len(s.messages)
}

func (s *Scheduler) Get(name string) (*Message, bool) {
	for _, msg := range s.messages {
		if msg.Name == name {
			return msg, true
		}
	}
	return nil, false
}

// Send every message that is due. A message is due once a full period
// elapsed since its last transmission, late ticks do not catch up.
// A message that could not be queued stays due for the next tick.
func (s *Scheduler) SendPendingMessages(now time.Time) int {
	sent := 0
	for _, msg := range s.messages {
		if now.Sub(msg.lastSent) < msg.Period {
			continue
		}
		frame := canbridge.NewFrame(msg.CanId, 0, uint8(len(msg.Data)))
		copy(frame.Data[:], msg.Data)
		if !s.bus.TrySend(frame) {
			continue
		}
		msg.lastSent = now
		sent++
	}
	return sent
}
