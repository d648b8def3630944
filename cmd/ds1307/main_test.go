package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"github.com/ajanata/drivers/ds1307"
	"github.com/ajanata/drivers/mqttpub"
	"github.com/ajanata/drivers/tester"
)

// 2023-07-04 10:15:30, a Tuesday.
var rtcRegs = []byte{0x30, 0x15, 0x10, 0x03, 0x04, 0x07, 0x23}

// lockedBuffer is written by the publish goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testApp struct {
	*app
	bridge *tester.Bridge
	opener *tester.BridgeOpener
	stdout *bytes.Buffer
	logs   *lockedBuffer
}

func newTestApp(c *qt.C, stdin string) *testApp {
	cfg := defaultConfig()
	cfg.Settle = -1
	cfg.Timeout = time.Second
	cfg.Interval = time.Millisecond
	b := &tester.Bridge{
		AutoRespond: func(addr, register uint8, n int) []byte {
			return rtcRegs
		},
	}
	o := &tester.BridgeOpener{Bridge: b}
	var stdout bytes.Buffer
	logs := &lockedBuffer{}
	a := newApp(cfg, zerolog.New(logs), o, strings.NewReader(stdin), &stdout)
	a.loc = time.UTC
	a.now = func() time.Time {
		return time.Date(2024, time.February, 29, 13, 45, 7, 0, time.UTC)
	}
	a.ntpQuery = func(ctx context.Context, host string) (time.Time, error) {
		return time.Time{}, errors.New("unexpected ntp query")
	}
	a.dialMQTT = func(mqttpub.Config) (publisher, error) {
		return nil, errors.New("unexpected mqtt dial")
	}
	c.Cleanup(a.close)
	return &testApp{app: a, bridge: b, opener: o, stdout: &stdout, logs: logs}
}

func TestRead(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	c.Assert(a.run(context.Background(), []string{"read"}), qt.IsNil)
	c.Assert(a.stdout.String(), qt.Equals, "2023-07-04 10:15:30\n")
	c.Assert(a.opener.Ports, qt.DeepEquals, []string{"/dev/ttyACM0"})
	c.Assert(a.logs.String(), qt.Not(qt.Contains), "halted")
}

func TestReadHalted(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	a.bridge.AutoRespond = func(addr, register uint8, n int) []byte {
		regs := append([]byte(nil), rtcRegs...)
		regs[0] |= 0x80
		return regs
	}
	c.Assert(a.run(context.Background(), []string{"read"}), qt.IsNil)
	c.Assert(a.stdout.String(), qt.Equals, "2023-07-04 10:15:30\n")
	c.Assert(a.logs.String(), qt.Contains, "clock is halted")
}

func TestReadTimeout(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	a.cfg.Timeout = 10 * time.Millisecond
	a.bridge.AutoRespond = nil
	err := a.run(context.Background(), []string{"read"})
	c.Assert(err, qt.Equals, context.DeadlineExceeded)
}

func TestReadOpenError(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	a.opener.Err = errors.New("no such port")
	err := a.run(context.Background(), []string{"read"})
	c.Assert(err, qt.ErrorMatches, `ds1307: open: no such port`)
}

var setWrites = []tester.BridgeWrite{
	{Addr: 0x68, Data: []byte{ds1307.Day, 0x29}},
	{Addr: 0x68, Data: []byte{ds1307.Month, 0x02}},
	{Addr: 0x68, Data: []byte{ds1307.Year, 0x24}},
	{Addr: 0x68, Data: []byte{ds1307.Seconds, 0x07}},
	{Addr: 0x68, Data: []byte{ds1307.Minutes, 0x45}},
	{Addr: 0x68, Data: []byte{ds1307.Hours, 0x13}},
}

func TestSet(t *testing.T) {
	c := qt.New(t)
	for _, arg := range []string{
		"now",
		"2024-02-29T13:45:07Z",
		"2024-02-29T15:45:07+02:00",
		"2024-02-29T13:45:07",
	} {
		c.Run(arg, func(c *qt.C) {
			a := newTestApp(c, "")
			c.Assert(a.run(context.Background(), []string{"set", arg}), qt.IsNil)
			c.Assert(a.bridge.Writes(), qt.DeepEquals, setWrites)
			c.Assert(a.logs.String(), qt.Contains, "clock set")
		})
	}
}

func TestSetLocalZone(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	a.loc = time.FixedZone("CET", 3600)
	c.Assert(a.run(context.Background(), []string{"set", "2024-02-29T12:45:07Z"}), qt.IsNil)
	c.Assert(a.bridge.Writes(), qt.DeepEquals, setWrites)
}

func TestSetErrors(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	c.Assert(a.run(context.Background(), []string{"set"}), qt.ErrorMatches, `usage: set <time>\|now`)
	c.Assert(a.run(context.Background(), []string{"set", "yesterday"}), qt.ErrorMatches, `cannot parse time "yesterday"`)
	c.Assert(a.bridge.Writes(), qt.HasLen, 0)
}

func TestSyncNTP(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	var hosts []string
	a.ntpQuery = func(ctx context.Context, host string) (time.Time, error) {
		hosts = append(hosts, host)
		_, ok := ctx.Deadline()
		c.Check(ok, qt.IsTrue)
		return time.Date(2024, time.February, 29, 13, 45, 7, 0, time.UTC), nil
	}
	c.Assert(a.run(context.Background(), []string{"sync-ntp"}), qt.IsNil)
	c.Assert(a.bridge.Writes(), qt.DeepEquals, setWrites)
	c.Assert(a.run(context.Background(), []string{"sync-ntp", "time.example.com"}), qt.IsNil)
	c.Assert(hosts, qt.DeepEquals, []string{"pool.ntp.org", "time.example.com"})
}

func TestSyncNTPError(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	a.ntpQuery = func(ctx context.Context, host string) (time.Time, error) {
		return time.Time{}, errors.New("refused")
	}
	err := a.run(context.Background(), []string{"sync-ntp"})
	c.Assert(err, qt.ErrorMatches, `ntp query pool.ntp.org: refused`)
	c.Assert(a.bridge.Writes(), qt.HasLen, 0)
	c.Assert(a.opener.Ports, qt.HasLen, 0)
}

type fakePublisher struct {
	mu     sync.Mutex
	times  []time.Time
	closed bool
	err    error
	// published is called after each Publish with the count so far.
	published func(n int)
}

func (p *fakePublisher) Publish(t time.Time) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	p.times = append(p.times, t)
	n := len(p.times)
	p.mu.Unlock()
	if p.published != nil {
		p.published(n)
	}
	return nil
}

func (p *fakePublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func TestPublish(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakePublisher{published: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	var cfg mqttpub.Config
	a.dialMQTT = func(c mqttpub.Config) (publisher, error) {
		cfg = c
		return p, nil
	}
	c.Assert(a.run(ctx, []string{"publish"}), qt.IsNil)
	c.Assert(cfg, qt.Equals, mqttpub.Config{
		Broker:   "tcp://localhost:1883",
		Topic:    "ds1307/time",
		ClientID: "ds1307",
		Timeout:  time.Second,
	})
	c.Assert(p.closed, qt.IsTrue)
	c.Assert(len(p.times) >= 3, qt.IsTrue)
	c.Assert(p.times[0], qt.Equals, time.Date(2023, time.July, 4, 10, 15, 30, 0, time.UTC))
}

func TestPublishSkipsBadReadings(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	var mu sync.Mutex
	reads := 0
	a.bridge.AutoRespond = func(addr, register uint8, n int) []byte {
		mu.Lock()
		defer mu.Unlock()
		reads++
		if reads == 1 {
			// Month 0x13.
			return []byte{0x30, 0x15, 0x10, 0x03, 0x04, 0x13, 0x23}
		}
		return rtcRegs
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakePublisher{published: func(int) { cancel() }}
	a.dialMQTT = func(mqttpub.Config) (publisher, error) { return p, nil }
	c.Assert(a.run(ctx, []string{"publish"}), qt.IsNil)
	c.Assert(p.times[0], qt.Equals, time.Date(2023, time.July, 4, 10, 15, 30, 0, time.UTC))
	c.Assert(a.logs.String(), qt.Contains, "bad reading")
}

func TestPublishError(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	p := &fakePublisher{err: mqttpub.ErrTimeout}
	a.dialMQTT = func(mqttpub.Config) (publisher, error) { return p, nil }
	err := a.run(context.Background(), []string{"publish"})
	c.Assert(err, qt.Equals, mqttpub.ErrTimeout)
	c.Assert(p.closed, qt.IsTrue)
}

func TestPublishDialError(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	a.dialMQTT = func(mqttpub.Config) (publisher, error) {
		return nil, errors.New("connection refused")
	}
	c.Assert(a.run(context.Background(), []string{"publish"}), qt.ErrorMatches, `connection refused`)
}

func TestShell(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, `
read
set 'not a time'
bogus
shell
set "2024-02-29T13:45:07Z"
quit
read
`)
	c.Assert(a.run(context.Background(), []string{"shell"}), qt.IsNil)
	c.Assert(a.stdout.String(), qt.Equals, ""+
		"> "+
		"> 2023-07-04 10:15:30\n"+
		"> error: cannot parse time \"not a time\"\n"+
		"> error: unknown command \"bogus\"\n"+
		"> error: already in shell\n"+
		"> "+
		"> ")
	c.Assert(a.bridge.Writes(), qt.DeepEquals, setWrites)
	// The device is opened once for the whole session.
	c.Assert(a.opener.Ports, qt.HasLen, 1)
}

func TestShellEOF(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "read")
	c.Assert(a.run(context.Background(), []string{"shell"}), qt.IsNil)
	c.Assert(a.stdout.String(), qt.Equals, "> 2023-07-04 10:15:30\n> \n")
}

func TestShellBadQuoting(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "set \"unterminated\n")
	c.Assert(a.run(context.Background(), []string{"shell"}), qt.IsNil)
	c.Assert(a.stdout.String(), qt.Matches, `> error: .*\n> \n`)
}

func TestUnknownCommand(t *testing.T) {
	c := qt.New(t)
	a := newTestApp(c, "")
	c.Assert(a.run(context.Background(), []string{"frob"}), qt.ErrorMatches, `unknown command "frob"`)
	c.Assert(a.run(context.Background(), []string{"read", "x"}), qt.ErrorMatches, `usage: read`)
}

func TestRunUsage(t *testing.T) {
	c := qt.New(t)
	var stdout, stderr bytes.Buffer
	c.Assert(run(nil, strings.NewReader(""), &stdout, &stderr), qt.Equals, 2)
	c.Assert(stderr.String(), qt.Contains, "usage: ds1307 [flags] <command> [args]")
	c.Assert(stderr.String(), qt.Contains, "sync-ntp [host]")
}

func TestRunBadBackend(t *testing.T) {
	c := qt.New(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"-backend", "carrier-pigeon", "read"}, strings.NewReader(""), &stdout, &stderr)
	c.Assert(code, qt.Equals, 2)
	c.Assert(stderr.String(), qt.Contains, "carrier-pigeon")
}

func TestRunBadConfig(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "ds1307.yaml")
	c.Assert(os.WriteFile(path, []byte("timeout: [1"), 0o666), qt.IsNil)
	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", path, "read"}, strings.NewReader(""), &stdout, &stderr)
	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr.String(), qt.Contains, "cannot load configuration")
}
