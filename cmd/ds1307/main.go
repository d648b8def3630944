// The ds1307 command reads and sets a DS1307 real-time clock, either through a Telemetrix
// board on a serial port or on a local I2C bus.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/juju/gnuflag"
	"github.com/rs/zerolog"

	"github.com/ajanata/drivers"
	"github.com/ajanata/drivers/busbridge"
	"github.com/ajanata/drivers/i2cdev"
	"github.com/ajanata/drivers/periphbus"
	"github.com/ajanata/drivers/telemetrix"
)

const commandHelp = `Commands:
	read              print the RTC time
	set [time|now]    set the RTC to time (yyyy-mm-ddThh:mm:ss[Z]) or to the system clock
	sync-ntp [host]   set the RTC from an NTP server
	publish           publish the RTC time to MQTT until interrupted
	shell             read commands from standard input
`

const usage = "usage: ds1307 [flags] <command> [args]\n\n" + commandHelp + "\nFlags:\n"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := gnuflag.NewFlagSet("ds1307", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	var (
		configPath string
		flagCfg    Config
		debug      bool
	)
	fs.StringVar(&configPath, "config", "", "configuration file (YAML)")
	fs.StringVar(&flagCfg.Backend, "backend", "", "telemetrix, i2cdev or periph")
	fs.StringVar(&flagCfg.Port, "port", "", "serial port, I2C device file or periph bus name")
	fs.DurationVar(&flagCfg.Timeout, "timeout", 0, "timeout for each RTC read")
	fs.DurationVar(&flagCfg.Settle, "settle", 0, "wait after configuring the bus")
	fs.BoolVar(&debug, "debug", false, "log protocol details")
	if err := fs.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	log := newLogger(stderr, debug)
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("cannot load configuration")
		return 1
	}
	fs.Visit(func(f *gnuflag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = flagCfg.Backend
		case "port":
			cfg.Port = flagCfg.Port
		case "timeout":
			cfg.Timeout = flagCfg.Timeout
		case "settle":
			cfg.Settle = flagCfg.Settle
		}
	})
	if err := cfg.validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 2
	}

	opener, err := newOpener(cfg.Backend, log)
	if err != nil {
		log.Error().Err(err).Msg("")
		return 2
	}
	a := newApp(cfg, log, opener, stdin, stdout)
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := a.run(ctx, fs.Args()); err != nil {
		log.Error().Err(err).Msg(fs.Arg(0) + " failed")
		return 1
	}
	return 0
}

func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.TraceLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// newOpener returns the bridge opener for a backend.
func newOpener(backend string, log zerolog.Logger) (drivers.BridgeOpener, error) {
	switch backend {
	case "telemetrix":
		return telemetrix.Opener{Config: telemetrix.Config{Logger: &log}}, nil
	case "i2cdev":
		return busbridge.Opener{
			Open: func(port string) (drivers.I2C, error) {
				return i2cdev.Open(port), nil
			},
			Config: busbridge.Config{Logger: &log},
		}, nil
	case "periph":
		return busbridge.Opener{
			Open: func(port string) (drivers.I2C, error) {
				bus, err := periphbus.Open(port)
				if err != nil {
					return nil, err
				}
				return bus, nil
			},
			Config: busbridge.Config{Logger: &log},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}
