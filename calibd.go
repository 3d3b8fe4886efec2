package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dualshock-tools/calibd-go/config"
	"github.com/dualshock-tools/calibd-go/core"
	"github.com/dualshock-tools/calibd-go/hid"
	"github.com/dualshock-tools/calibd-go/server"
)

const version = "1.1.0"

func main() {
	var (
		logfile     string
		configfile  string
		bindAddr    string
		verbose     bool
		withusb     bool
		autoconnect bool
		touples     emulatorTouples
	)

	flag.StringVar(&logfile, "l", "", "Log into a file, rotating after 20MB")
	flag.StringVar(&configfile, "c", "", "Read configuration from a TOML file")
	flag.StringVar(&bindAddr, "b", "", "Bind address, overrides the config file")
	flag.BoolVar(&verbose, "v", false, "Write the detailed log to stderr too")
	flag.BoolVar(&withusb, "u", true, "Use USB devices. Can be disabled for testing environments. Example: calibd -e 21324:21325 -u=false")
	flag.BoolVar(&autoconnect, "a", true, "Automatically connect to a recognized controller")
	flag.Var(&touples, "e", "Use UDP port pair for an emulated controller (stream:control). Can be repeated for more emulators. Example: calibd -e 21324:21325 -e 21326:21327")
	flag.Parse()

	cfg, err := config.Load(configfile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logfile == "" {
		logfile = cfg.LogFile
	}
	if bindAddr == "" {
		bindAddr = cfg.Address
	}
	verbose = verbose || cfg.Verbose
	withusb = withusb && !cfg.DisableUSB
	autoconnect = autoconnect && cfg.AutoConnect
	for _, e := range cfg.Emulators {
		touples = append(touples, hid.PortTouple{Stream: e.Stream, Control: e.Control})
	}

	stderrWriter, stderrLogger, shortMemoryWriter, longMemoryWriter := initLoggers(logfile, verbose)

	stderrLogger.Print("calibd is starting.")

	var buses []core.Bus
	if withusb {
		longMemoryWriter.Log("initing hidapi")
		h, err := hid.InitHIDAPI(longMemoryWriter)
		if err != nil {
			stderrLogger.Fatalf("hidapi: %s", err)
		}
		defer func() {
			errTeardown := h.Teardown()
			if errTeardown != nil {
				stderrLogger.Printf("hidapi teardown: %s", errTeardown)
			}
		}()
		buses = append(buses, h)
	}

	longMemoryWriter.Log(fmt.Sprintf("emulator count - %d", len(touples)))

	if len(touples) > 0 {
		e, errEmu := hid.InitEmulator(touples, longMemoryWriter)
		if errEmu != nil {
			stderrLogger.Fatalf("emulator: %s", errEmu)
		}
		buses = append(buses, e)
	}

	if len(buses) == 0 {
		stderrLogger.Fatalf("No transports enabled")
	}

	b := hid.Init(buses...)
	c := core.New(b, longMemoryWriter, cfg.HistogramBuckets)

	if autoconnect {
		go autoConnectLoop(c)
	}

	longMemoryWriter.Log("creating HTTP server")
	s, err := server.New(c, stderrWriter, shortMemoryWriter, longMemoryWriter, version, bindAddr, cfg.AllowedOrigins)
	if err != nil {
		stderrLogger.Fatalf("http: %s", err)
	}

	longMemoryWriter.Log("running HTTP server")
	err = s.Run()
	if err != nil {
		stderrLogger.Fatalf("http: %s", err)
	}

	longMemoryWriter.Log("main ended successfully")
}

// autoConnectLoop keeps trying the silent allow-list-only connect
// path, the same way previously authorized devices reconnect in the
// browser. Failures other than "nothing attached" land in the event
// queue, the loop itself never gives up.
func autoConnectLoop(c *core.Core) {
	for {
		if !c.IsConnected() {
			// failures are surfaced via /state and /events
			_ = c.Connect(context.Background(), false)
		}
		time.Sleep(2 * time.Second)
	}
}
