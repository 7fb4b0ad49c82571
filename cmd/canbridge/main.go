package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	canbridge "github.com/samsamfire/canbridge"
	_ "github.com/samsamfire/canbridge/pkg/can/socketcan"
	_ "github.com/samsamfire/canbridge/pkg/can/socketcanv2"
	_ "github.com/samsamfire/canbridge/pkg/can/virtual"
	"github.com/samsamfire/canbridge/pkg/config"
	"github.com/samsamfire/canbridge/pkg/engine"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("c", "", "configuration file (ini)")
	canInterface := flag.String("i", "", "override bus interface e.g. socketcan, virtualcan")
	channel := flag.String("ch", "", "override bus channel e.g. can0, localhost:18888")
	nodeId := flag.Int("n", 0, "connect to this node on startup")
	firmware := flag.String("f", "", "flash this image to the node given with -n")
	logLevel := flag.String("l", "", "override log level e.g. debug, info, warn")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration : %v", err)
		}
	}
	if *canInterface != "" {
		cfg.Bus.Interface = *canInterface
	}
	if *channel != "" {
		cfg.Bus.Channel = *channel
	}
	if *logLevel != "" {
		level, err := log.ParseLevel(*logLevel)
		if err != nil {
			log.Fatalf("invalid log level : %v", err)
		}
		cfg.LogLevel = level
	}
	log.SetLevel(cfg.LogLevel)
	logger := log.StandardLogger()

	bus, err := canbridge.NewBus(cfg.Bus.Interface, cfg.Bus.Channel, cfg.Bus.Bitrate)
	if err != nil {
		log.Fatalf("failed to create bus : %v", err)
	}
	bm := canbridge.NewBusManager(bus, cfg.Bus.TxQueue, logger)
	if err := bm.Connect(); err != nil {
		log.Fatalf("failed to connect to %v (%v) : %v", cfg.Bus.Channel, cfg.Bus.Interface, err)
	}
	defer bm.Disconnect()

	gateway, err := engine.New(bm, logger, cfg.Engine)
	if err != nil {
		log.Fatalf("failed to create engine : %v", err)
	}

	var startup engine.Command
	switch {
	case *nodeId > 0:
		startup = engine.Connect{CommandBase: engine.CommandBase{Id: 1}, NodeId: uint8(*nodeId), Baudrate: cfg.Bus.Bitrate}
	case *firmware != "":
		log.Fatal("flashing requires a node id (-n)")
	case cfg.Scanner.Enabled:
		startup = engine.StartScan{CommandBase: engine.CommandBase{Id: 1}, Start: cfg.Scanner.Start, End: cfg.Scanner.End}
	}
	if startup != nil {
		if err := gateway.Submit(startup); err != nil {
			log.Fatalf("failed to submit %T : %v", startup, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	go func() {
		gateway.Run(ctx)
		close(done)
	}()

	exitCode := 0
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case ev := <-gateway.Events():
			logEvent(ev)
			if *firmware == "" {
				continue
			}
			switch ev := ev.(type) {
			case engine.DictionaryReady:
				// Flashing starts once the device answered
				err := gateway.Submit(engine.StartUpdate{CommandBase: engine.CommandBase{Id: 2}, Path: *firmware})
				if err != nil {
					log.Errorf("failed to start update : %v", err)
					exitCode = 1
					stop()
				}
			case engine.ConnectionFailed, engine.Rejected:
				exitCode = 1
				stop()
			case engine.UpdateFinished:
				if !ev.Success {
					exitCode = 1
				}
				stop()
			}
		}
	}
	<-done
	log.Info("exiting")
	if exitCode != 0 {
		bm.Disconnect()
		os.Exit(exitCode)
	}
}

func logEvent(ev engine.Event) {
	entry := log.WithField("event", ev.CorrelationId())
	switch ev := ev.(type) {
	case engine.Connected:
		entry.Infof("connected to x%x, serial %v", ev.NodeId, ev.Serial)
	case engine.ConnectionFailed:
		entry.Errorf("connection to x%x failed after %v retries : %v", ev.NodeId, ev.Retries, ev.Err)
	case engine.DictionaryProgress:
		entry.Debugf("dictionary x%x : %v/%v bytes", ev.NodeId, ev.Received, ev.Size)
	case engine.DictionaryReady:
		entry.Infof("dictionary of x%x ready", ev.NodeId)
	case engine.DeviceDiscovered:
		entry.Infof("discovered x%x, serial %v", ev.NodeId, ev.Serial)
	case engine.ScanProgress:
		entry.Debugf("scanning x%x (x%x..x%x)", ev.NodeId, ev.Start, ev.End)
	case engine.UpdateProgress:
		entry.Infof("flashing x%x : page %v/%v", ev.NodeId, ev.Page, ev.Total)
	case engine.UpdateFinished:
		entry.Infof("update of x%x finished, success %v, %v pages, %v crc failures", ev.NodeId, ev.Success, ev.Pages, ev.CrcFailures)
	case engine.Rejected:
		entry.Warnf("%T rejected : %v", ev.Command, ev.Reason)
	default:
		entry.Infof("%+v", ev)
	}
}
