// Package ds1307 implements a driver for the DS1307 Real-Time Clock (RTC), reached through an
// asynchronous I2C bridge such as a Telemetrix board. It reads and sets the time and date, the
// control register and the 56 bytes of battery-backed RAM.
//
// Reads are asynchronous: RequestTime returns as soon as the bridge has accepted the request,
// and the decoded time is stored when the response arrives. Date returns the latest value; Now
// waits for a fresh one.
//
// The chip stores a two-digit year. Years are written modulo 100 and read back in 2000-2099.
//
// Datasheet: https://datasheets.maximintegrated.com/en/ds/DS1307.pdf
package ds1307

import (
	"context"
	"sync"
	"time"

	"github.com/ajanata/drivers"
)

// DefaultSettleDelay is how long Configure waits after switching the bridge to I2C mode.
const DefaultSettleDelay = 100 * time.Millisecond

type Config struct {
	Address uint8
	// SettleDelay is the wait after bus configuration. Zero means DefaultSettleDelay, a negative
	// value skips the wait.
	SettleDelay time.Duration
	// OnRead, if set, is called after every time read response with the decoded time or the
	// decode error. It runs on the bridge's delivery goroutine.
	OnRead func(t time.Time, err error)
}

// Device is a session with one DS1307. Writes are not ordered against in-flight reads; use a
// bridge that serialises its commands if that matters.
type Device struct {
	bridge  drivers.Bridge
	Address uint8

	onRead func(time.Time, error)

	mu      sync.Mutex
	closed  bool
	current time.Time
	first   time.Time
	valid   bool
	halted  bool
	waiters []chan readResult
}

type readResult struct {
	t   time.Time
	err error
}

// New creates a driver on an already open bridge. Call Configure before use.
func New(b drivers.Bridge) *Device {
	return &Device{
		bridge:  b,
		Address: Address,
	}
}

// Open opens the bridge on port and configures it for the RTC.
func Open(o drivers.BridgeOpener, port string, c Config) (*Device, error) {
	b, err := o.OpenBridge(port)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	d := New(b)
	if err := d.Configure(c); err != nil {
		b.Close()
		return nil, err
	}
	return d, nil
}

// Configure switches the bridge to I2C mode and waits for the bus to settle.
func (d *Device) Configure(c Config) error {
	if c.Address == 0 {
		c.Address = Address
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	d.Address = c.Address
	d.onRead = c.OnRead

	if err := d.bridge.SetPinModeI2C(); err != nil {
		return &TransportError{Op: "configure", Err: err}
	}
	if c.SettleDelay > 0 {
		time.Sleep(c.SettleDelay)
	}
	return nil
}

// Close releases the bridge. Every later call on d returns ErrClosed, and pending Now calls
// return ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	for _, w := range waiters {
		w <- readResult{err: ErrClosed}
	}
	if err := d.bridge.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Date returns the time decoded by the latest successful read. ok is false until a read has
// completed.
func (d *Device) Date() (t time.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.valid
}

// StartTime returns the time decoded by the first successful read of the session.
func (d *Device) StartTime() (t time.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.first, d.valid
}

// Halted reports whether the oscillator was stopped at the latest successful read. Writing the
// time with WriteTime or Adjust restarts it.
func (d *Device) Halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// RequestTime asks the bridge to read the time registers. It does not wait for the response.
func (d *Device) RequestTime() error {
	if d.isClosed() {
		return ErrClosed
	}
	err := d.bridge.I2CRead(d.Address, Seconds, timeLen, func(data []byte, ts time.Time) {
		d.HandleData(data, ts)
	})
	if err != nil {
		return &TransportError{Op: "read", Register: Seconds, Err: err}
	}
	return nil
}

// Now requests the time and waits for the next completed read, or for ctx to be done. Reads
// complete in request order, so if an earlier RequestTime is still outstanding Now returns
// its response. A response that arrives after ctx is done still updates the stored time.
func (d *Device) Now(ctx context.Context) (time.Time, error) {
	ch := make(chan readResult, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return time.Time{}, ErrClosed
	}
	d.waiters = append(d.waiters, ch)
	d.mu.Unlock()

	if err := d.RequestTime(); err != nil {
		d.dropWaiter(ch)
		return time.Time{}, err
	}
	select {
	case r := <-ch:
		return r.t, r.err
	case <-ctx.Done():
		d.dropWaiter(ch)
		return time.Time{}, ctx.Err()
	}
}

// HandleData decodes a time read response. On success it stores the time, and on the first
// success of the session also the start time. A malformed response leaves the stored values
// alone and returns a *DecodeError.
func (d *Device) HandleData(data []byte, ts time.Time) error {
	var t time.Time
	f, err := ParseFrame(data)
	if err == nil {
		t, err = f.Time()
	}

	d.mu.Lock()
	if err == nil {
		d.current = t
		d.halted = f.Halted()
		if !d.valid {
			d.first = t
			d.valid = true
		}
	}
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	for _, w := range waiters {
		w <- readResult{t: t, err: err}
	}
	if d.onRead != nil {
		d.onRead(t, err)
	}
	return err
}

// WriteTime sets the time of day, in 24-hour format. The seconds, minutes and hours registers
// are written in that order. Writing the seconds clears the clock halt flag.
func (d *Device) WriteTime(hours, minutes, seconds int) error {
	if err := checkRange("hours", hours, 0, 23); err != nil {
		return err
	}
	if err := checkRange("minutes", minutes, 0, 59); err != nil {
		return err
	}
	if err := checkRange("seconds", seconds, 0, 59); err != nil {
		return err
	}
	return d.writeRegs(
		regValue{Seconds, seconds},
		regValue{Minutes, minutes},
		regValue{Hours, hours},
	)
}

// WriteDate sets the date. Only the last two digits of the year are stored. The day, month and
// year registers are written in that order.
func (d *Device) WriteDate(day, month, year int) error {
	if err := checkRange("day", day, 1, 31); err != nil {
		return err
	}
	if err := checkRange("month", month, 1, 12); err != nil {
		return err
	}
	if err := checkRange("year", year, 0, -1); err != nil {
		return err
	}
	return d.writeRegs(
		regValue{Day, day},
		regValue{Month, month},
		regValue{Year, year % 100},
	)
}

// Adjust sets the date and then the time from t. The two steps are not atomic: if the second
// fails the chip keeps the new date with the old time.
func (d *Device) Adjust(t time.Time) error {
	if err := d.WriteDate(t.Day(), int(t.Month()), t.Year()); err != nil {
		return err
	}
	return d.WriteTime(t.Hour(), t.Minute(), t.Second())
}

// WriteWeekday sets the day-of-week register, which counts 1 to 7 with Sunday as 1. The chip
// increments it at midnight but never relates it to the date.
func (d *Device) WriteWeekday(wd time.Weekday) error {
	if err := checkRange("weekday", int(wd), int(time.Sunday), int(time.Saturday)); err != nil {
		return err
	}
	return d.writeRegs(regValue{Weekday, int(wd) + 1})
}

// SetControl writes the control register, which drives the SQW/OUT pin.
func (d *Device) SetControl(c ControlFlags) error {
	return d.write(Control, []byte{uint8(c)})
}

type regValue struct {
	reg uint8
	v   int
}

// writeRegs issues one single-register write per value, stopping at the first failure.
func (d *Device) writeRegs(values ...regValue) error {
	for _, rv := range values {
		if err := d.write(rv.reg, []byte{toBCD(rv.v)}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) write(reg uint8, data []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	buf := make([]byte, 0, 1+len(data))
	buf = append(buf, reg)
	buf = append(buf, data...)
	if err := d.bridge.I2CWrite(d.Address, buf); err != nil {
		return &TransportError{Op: "write", Register: reg, Err: err}
	}
	return nil
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) dropWaiter(ch chan readResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.waiters {
		if w == ch {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}
