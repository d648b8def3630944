// Package busbridge turns a synchronous I2C bus into a drivers.Bridge.
//
// Every read and write goes through one command queue served by a single goroutine, so
// transactions reach the bus in the order they were submitted and a read can never interleave
// with a write. Read responses are delivered as the same frames a Telemetrix board produces.
package busbridge

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajanata/drivers"
)

// DefaultQueueSize is the command queue length used when Config.QueueSize is zero.
const DefaultQueueSize = 16

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("busbridge: closed")

type Config struct {
	// Port is reported in the port field of read frames.
	Port uint8
	// QueueSize bounds the number of commands waiting for the bus.
	QueueSize int
	// Logger receives bus errors. Nil disables logging.
	Logger *zerolog.Logger
	// OnError, if set, is called with every bus error. Write errors have no other way back to
	// the caller.
	OnError func(error)
	// Now stamps read responses. It defaults to time.Now.
	Now func() time.Time
}

// Bridge serves bridge commands from a bus. Read handlers run on the bridge goroutine; a
// handler that submits more commands must not wait for them. A handler must not call Close,
// directly or through a device such as ds1307.Device.Close, because Close waits for the bridge
// goroutine. Such a handler should start the Close in a new goroutine.
type Bridge struct {
	bus     drivers.I2C
	port    uint8
	log     zerolog.Logger
	onError func(error)
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	cmds   chan command
	wg     sync.WaitGroup
}

type command struct {
	addr uint8
	// write holds the bytes of a write; nil for a read.
	write    []byte
	register uint8
	n        int
	h        drivers.ReadHandler
}

// New starts a bridge on bus. If bus is also an io.Closer it is closed by Close.
func New(bus drivers.I2C, c Config) *Bridge {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	log := zerolog.Nop()
	if c.Logger != nil {
		log = c.Logger.With().Str("component", "busbridge").Logger()
	}
	b := &Bridge{
		bus:     bus,
		port:    c.Port,
		log:     log,
		onError: c.OnError,
		now:     c.Now,
		cmds:    make(chan command, c.QueueSize),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// SetPinModeI2C does nothing: the bus is configured by whoever created it.
func (b *Bridge) SetPinModeI2C() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// I2CWrite queues a write of data to addr. It returns once the write is queued.
func (b *Bridge) I2CWrite(addr uint8, data []byte) error {
	if len(data) == 0 {
		return errors.New("busbridge: empty write")
	}
	return b.submit(command{addr: addr, write: append([]byte(nil), data...)})
}

// I2CRead queues a read of n bytes from register of addr. h is called with the response frame
// once the read has run. A failed read is reported as a frame with no data.
func (b *Bridge) I2CRead(addr, register uint8, n int, h drivers.ReadHandler) error {
	if n <= 0 || n > 0xFF {
		return errors.New("busbridge: invalid read length")
	}
	return b.submit(command{addr: addr, register: register, n: n, h: h})
}

// Close stops accepting commands, waits for the queued ones to finish and closes the bus if
// it can be closed. Calling Close from a read handler deadlocks.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	close(b.cmds)
	b.mu.Unlock()

	b.wg.Wait()
	if c, ok := b.bus.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *Bridge) submit(cmd command) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.cmds <- cmd
	return nil
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for cmd := range b.cmds {
		if cmd.write != nil {
			b.doWrite(cmd)
		} else {
			b.doRead(cmd)
		}
	}
}

func (b *Bridge) doWrite(cmd command) {
	if err := b.bus.Tx(uint16(cmd.addr), cmd.write, nil); err != nil {
		b.log.Error().Err(err).
			Uint8("addr", cmd.addr).
			Uint8("register", cmd.write[0]).
			Msg("i2c write failed")
		b.fail(err)
	}
}

func (b *Bridge) doRead(cmd command) {
	buf := make([]byte, cmd.n)
	if err := b.bus.ReadRegister(cmd.addr, cmd.register, buf); err != nil {
		b.log.Error().Err(err).
			Uint8("addr", cmd.addr).
			Uint8("register", cmd.register).
			Int("len", cmd.n).
			Msg("i2c read failed")
		b.fail(err)
		buf = nil
	}
	cmd.h(drivers.ReadFrame(b.port, cmd.addr, cmd.register, buf), b.now())
}

func (b *Bridge) fail(err error) {
	if b.onError != nil {
		b.onError(err)
	}
}

// Opener opens a bridge on the bus returned by Open for each port.
type Opener struct {
	Open   func(port string) (drivers.I2C, error)
	Config Config
}

func (o Opener) OpenBridge(port string) (drivers.Bridge, error) {
	bus, err := o.Open(port)
	if err != nil {
		return nil, err
	}
	return New(bus, o.Config), nil
}
