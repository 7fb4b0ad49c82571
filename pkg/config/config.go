// Package config loads the gateway configuration from an INI file.
//
//	[bus]
//	interface = socketcan
//	channel   = can0
//	bitrate   = 500000
//	tx_queue  = 64
//
//	[sdo]
//	timeout_ms             = 10
//	async_write_timeout_ms = 500
//
//	[scanner]
//	enabled          = false
//	start            = 1
//	end              = 32
//	step_interval_ms = 50
//	probe_timeout_ms = 100
//
//	[firmware]
//	max_page_retries      = 5
//	inactivity_timeout_ms = 5000
//
//	[engine]
//	tick_ms       = 1
//	command_queue = 32
//	event_queue   = 256
//
//	[log]
//	level = info
package config

import (
	"fmt"
	"time"

	"github.com/samsamfire/canbridge/pkg/engine"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

type Bus struct {
	Interface string
	Channel   string
	Bitrate   int
	TxQueue   int
}

type Scanner struct {
	Enabled bool
	Start   uint8
	End     uint8
}

type Config struct {
	Bus      Bus
	Scanner  Scanner
	Engine   engine.Options
	LogLevel log.Level
}

func Default() *Config {
	return &Config{
		Bus: Bus{
			Interface: "socketcan",
			Channel:   "can0",
			Bitrate:   500000,
			TxQueue:   64,
		},
		Scanner:  Scanner{Start: 1, End: 32},
		Engine:   engine.DefaultOptions(),
		LogLevel: log.InfoLevel,
	}
}

// Load a configuration file
// file can be either a path, an *os.File or []byte, as accepted by [ini.Load]
// Missing keys keep their default value
func Load(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	config := Default()
	if err := config.parse(f); err != nil {
		return nil, err
	}
	return config, nil
}

func millis(section *ini.Section, key string, def time.Duration) time.Duration {
	return time.Duration(section.Key(key).MustInt64(def.Milliseconds())) * time.Millisecond
}

func (c *Config) parse(f *ini.File) error {
	bus := f.Section("bus")
	c.Bus.Interface = bus.Key("interface").MustString(c.Bus.Interface)
	c.Bus.Channel = bus.Key("channel").MustString(c.Bus.Channel)
	c.Bus.Bitrate = bus.Key("bitrate").MustInt(c.Bus.Bitrate)
	c.Bus.TxQueue = bus.Key("tx_queue").MustInt(c.Bus.TxQueue)

	sdo := f.Section("sdo")
	c.Engine.SdoTimeout = millis(sdo, "timeout_ms", c.Engine.SdoTimeout)
	c.Engine.AsyncWriteTimeout = millis(sdo, "async_write_timeout_ms", c.Engine.AsyncWriteTimeout)

	scanner := f.Section("scanner")
	c.Scanner.Enabled = scanner.Key("enabled").MustBool(c.Scanner.Enabled)
	start := scanner.Key("start").MustUint(uint(c.Scanner.Start))
	end := scanner.Key("end").MustUint(uint(c.Scanner.End))
	if start == 0 || end > 0x7F || start > end {
		return fmt.Errorf("invalid scan range %v..%v", start, end)
	}
	c.Scanner.Start = uint8(start)
	c.Scanner.End = uint8(end)
	c.Engine.ScanStepInterval = millis(scanner, "step_interval_ms", c.Engine.ScanStepInterval)
	c.Engine.ScanProbeTimeout = millis(scanner, "probe_timeout_ms", c.Engine.ScanProbeTimeout)

	firmware := f.Section("firmware")
	c.Engine.MaxPageRetries = firmware.Key("max_page_retries").MustInt(c.Engine.MaxPageRetries)
	c.Engine.InactivityTimeout = millis(firmware, "inactivity_timeout_ms", c.Engine.InactivityTimeout)

	eng := f.Section("engine")
	c.Engine.Tick = millis(eng, "tick_ms", c.Engine.Tick)
	c.Engine.CommandQueue = eng.Key("command_queue").MustInt(c.Engine.CommandQueue)
	c.Engine.EventQueue = eng.Key("event_queue").MustInt(c.Engine.EventQueue)

	if key := f.Section("log").Key("level"); key.String() != "" {
		level, err := log.ParseLevel(key.String())
		if err != nil {
			return err
		}
		c.LogLevel = level
	}
	return nil
}
