package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajanata/drivers"
	"github.com/ajanata/drivers/ds1307"
	"github.com/ajanata/drivers/mqttpub"
	"github.com/ajanata/drivers/ntp"
)

const (
	// printLayout is how read shows the clock.
	printLayout = "2006-01-02 15:04:05"
	// inputLayout is accepted by set as an alternative to RFC 3339. It is read in the local
	// time zone.
	inputLayout = "2006-01-02T15:04:05"
)

type publisher interface {
	Publish(t time.Time) error
	Close()
}

// app runs commands against one RTC. The RTC holds wall-clock time in loc.
type app struct {
	cfg    Config
	log    zerolog.Logger
	opener drivers.BridgeOpener
	stdin  io.Reader
	stdout io.Writer

	now      func() time.Time
	loc      *time.Location
	ntpQuery func(ctx context.Context, host string) (time.Time, error)
	dialMQTT func(c mqttpub.Config) (publisher, error)

	dev *ds1307.Device
}

func newApp(cfg Config, log zerolog.Logger, opener drivers.BridgeOpener, stdin io.Reader, stdout io.Writer) *app {
	return &app{
		cfg:      cfg,
		log:      log,
		opener:   opener,
		stdin:    stdin,
		stdout:   stdout,
		now:      time.Now,
		loc:      time.Local,
		ntpQuery: ntp.Query,
		dialMQTT: func(c mqttpub.Config) (publisher, error) {
			p, err := mqttpub.Dial(c)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

// device opens the RTC on first use.
func (a *app) device() (*ds1307.Device, error) {
	if a.dev != nil {
		return a.dev, nil
	}
	d, err := ds1307.Open(a.opener, a.cfg.Port, ds1307.Config{
		Address:     a.cfg.Address,
		SettleDelay: a.cfg.Settle,
	})
	if err != nil {
		return nil, err
	}
	a.log.Debug().Str("backend", a.cfg.Backend).Str("port", a.cfg.Port).Msg("rtc open")
	a.dev = d
	return d, nil
}

func (a *app) close() {
	if a.dev == nil {
		return
	}
	if err := a.dev.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close rtc")
	}
	a.dev = nil
}

func (a *app) run(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "read":
		return a.read(ctx, args)
	case "set":
		return a.set(args)
	case "sync-ntp":
		return a.syncNTP(ctx, args)
	case "publish":
		return a.publish(ctx, args)
	case "shell":
		return a.shell(ctx, args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func usageError(synopsis string) error {
	return fmt.Errorf("usage: %s", synopsis)
}

// readTime reads the RTC, waiting at most the configured timeout.
func (a *app) readTime(ctx context.Context) (time.Time, error) {
	d, err := a.device()
	if err != nil {
		return time.Time{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return d.Now(ctx)
}

func (a *app) read(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return usageError("read")
	}
	t, err := a.readTime(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, t.Format(printLayout))
	if a.dev.Halted() {
		a.log.Warn().Msg("clock is halted; set it to start the oscillator")
	}
	return nil
}

func (a *app) set(args []string) error {
	if len(args) != 1 {
		return usageError("set <time>|now")
	}
	t, err := a.parseTime(args[0])
	if err != nil {
		return err
	}
	return a.adjust(t)
}

// parseTime accepts "now", RFC 3339, or inputLayout in the local zone. The result is in loc.
func (a *app) parseTime(s string) (time.Time, error) {
	if s == "now" {
		return a.now().In(a.loc), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(a.loc), nil
	}
	t, err := time.ParseInLocation(inputLayout, s, a.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return t, nil
}

func (a *app) adjust(t time.Time) error {
	d, err := a.device()
	if err != nil {
		return err
	}
	if err := d.Adjust(t); err != nil {
		return err
	}
	a.log.Info().Str("time", t.Format(printLayout)).Msg("clock set")
	return nil
}

func (a *app) syncNTP(ctx context.Context, args []string) error {
	host := a.cfg.NTPHost
	switch len(args) {
	case 0:
	case 1:
		host = args[0]
	default:
		return usageError("sync-ntp [host]")
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	t, err := a.ntpQuery(ctx, host)
	if err != nil {
		return fmt.Errorf("ntp query %s: %w", host, err)
	}
	a.log.Debug().Str("host", host).Time("ntp", t).Msg("ntp reply")
	return a.adjust(t.In(a.loc))
}

// publish reads the RTC every interval and publishes each reading until ctx is done. Readings
// that fail to decode are skipped.
func (a *app) publish(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return usageError("publish")
	}
	if _, err := a.device(); err != nil {
		return err
	}
	p, err := a.dialMQTT(mqttpub.Config{
		Broker:   a.cfg.MQTT.Broker,
		Topic:    a.cfg.MQTT.Topic,
		ClientID: a.cfg.MQTT.ClientID,
		Timeout:  a.cfg.Timeout,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	times := make(chan time.Time)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(times)
		tick := time.NewTicker(a.cfg.Interval)
		defer tick.Stop()
		for {
			t, err := a.readTime(ctx)
			var derr *ds1307.DecodeError
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.As(err, &derr):
				a.log.Warn().Err(err).Msg("bad reading")
			case err != nil:
				return err
			default:
				select {
				case times <- t:
				case <-ctx.Done():
					return nil
				}
			}
			select {
			case <-tick.C:
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for t := range times {
			if err := p.Publish(t); err != nil {
				return err
			}
			a.log.Debug().Str("time", t.Format(printLayout)).Msg("published")
		}
		return nil
	})
	return g.Wait()
}

// shell runs one command per input line until end of input, quit or exit. Command errors are
// printed and do not end the shell.
func (a *app) shell(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return usageError("shell")
	}
	sc := bufio.NewScanner(a.stdin)
	for {
		fmt.Fprint(a.stdout, "> ")
		if !sc.Scan() {
			fmt.Fprintln(a.stdout)
			return sc.Err()
		}
		words, err := shlex.Split(sc.Text())
		if err != nil {
			fmt.Fprintf(a.stdout, "error: %v\n", err)
			continue
		}
		if len(words) == 0 {
			continue
		}
		switch words[0] {
		case "quit", "exit":
			return nil
		case "shell":
			fmt.Fprintln(a.stdout, "error: already in shell")
			continue
		case "help":
			fmt.Fprint(a.stdout, commandHelp)
			continue
		}
		if err := a.run(ctx, words); err != nil {
			fmt.Fprintf(a.stdout, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
