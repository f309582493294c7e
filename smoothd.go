package main

import (
	"fmt"
	"log"
	"time"

	"github.com/cinderblock/smooth-control/api"
	"github.com/cinderblock/smooth-control/core"
	"github.com/cinderblock/smooth-control/internal/config"
	"github.com/cinderblock/smooth-control/internal/logs"
	"github.com/cinderblock/smooth-control/internal/server"
	"github.com/cinderblock/smooth-control/recorder"
	"github.com/cinderblock/smooth-control/usb"
)

const version = "1.0.0"

func main() {
	options := parseFlags()

	if options.versionFlag {
		fmt.Printf("smoothd version %s\n", version)
		return
	}

	cfg, err := config.Load(options.configFile)
	if err != nil {
		log.Fatalf("config: %s", err)
	}
	if options.port != 0 {
		cfg.Server.Port = options.port
	}

	// the -l flag wins; the config file provides the fallback logfile
	logfile := options.logfile
	if logfile == "" {
		logfile = cfg.Log.Path
	}

	stderrWriter, stderrLogger, shortMemoryWriter, longMemoryWriter := initLoggers(
		logfile, options.verbose,
	)
	logger := &logs.Logger{Writer: longMemoryWriter}

	stderrLogger.Print("smoothd is starting.")

	var buses []core.Bus
	if options.withusb {
		for _, backend := range cfg.USB.Backends {
			switch backend {
			case "libusb":
				logger.Log("initing libusb")
				g, err := usb.InitGoUSB(logger, cfg.USB.VendorID, cfg.USB.ProductID)
				if err != nil {
					stderrLogger.Fatalf("libusb: %s", err)
				}
				defer g.Close()
				buses = append(buses, g)
			case "hidapi":
				logger.Log("initing hidapi")
				h, err := usb.InitHIDAPI(logger, cfg.USB.VendorID, cfg.USB.ProductID)
				if err != nil {
					stderrLogger.Fatalf("hidapi: %s", err)
				}
				buses = append(buses, h)
			}
		}
	}

	if len(buses) == 0 {
		stderrLogger.Fatalf("No transports enabled")
	}

	b := usb.Init(buses...)

	registry := core.NewRegistry(b, logger, core.RegistryOptions{
		ScanInterval:     time.Duration(cfg.Probe.ScanIntervalMs) * time.Millisecond,
		ProbeBackoff:     time.Duration(cfg.Probe.BackoffMs) * time.Millisecond,
		MaxProbeAttempts: cfg.Probe.MaxAttempts,
	})
	registry.Start()
	defer registry.Stop()

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.Open(cfg.Recorder.DBPath, logger)
		if err != nil {
			stderrLogger.Fatalf("recorder: %s", err)
		}
		defer rec.Close()
	}

	a := api.New(registry, rec, logger)
	defer a.Close()

	for _, m := range cfg.Motors {
		if err := a.Acquire(m.Serial, m.Polling); err != nil {
			stderrLogger.Fatalf("acquire %s: %s", m.Serial, err)
		}
	}

	logger.Log("creating HTTP server")
	s, err := server.New(a, stderrWriter, shortMemoryWriter, longMemoryWriter, version, cfg.Server.Port)
	if err != nil {
		stderrLogger.Fatalf("http: %s", err)
	}

	logger.Log("running HTTP server")
	err = s.Run()
	if err != nil {
		stderrLogger.Fatalf("http: %s", err)
	}

	logger.Log("main ended successfully")
}
