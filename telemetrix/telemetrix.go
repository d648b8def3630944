// Package telemetrix implements drivers.Bridge for boards running the Telemetrix4Arduino
// firmware, reached over a serial link.
//
// Every message in either direction is a length byte followed by that many bytes, the first of
// which is the command or report type. Reports arrive on a reader goroutine, which also runs
// the I2C read handlers.
//
// Protocol: https://mryslab.github.io/telemetrix/
package telemetrix

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/ajanata/drivers"
)

// Commands sent to the board.
const (
	cmdGetFirmwareVersion = 5
	cmdAreYouThere        = 6
	cmdI2CBegin           = 10
	cmdI2CRead            = 11
	cmdI2CWrite           = 12
	cmdStopAllReports     = 15
)

// Reports sent by the board.
const (
	reportFirmware        = 5
	reportIAmHere         = 6
	reportI2CTooFewBytes  = 8
	reportI2CTooManyBytes = 9
	reportI2CRead         = drivers.I2CReadReport
	reportDebugPrint      = 99
)

const (
	// BaudRate is the serial speed the firmware uses.
	BaudRate = 115200
	// DefaultResetDelay is how long Open waits for the board to reboot after the port opens.
	DefaultResetDelay = 4 * time.Second
	// DefaultHandshakeTimeout bounds each handshake step.
	DefaultHandshakeTimeout = 2 * time.Second

	// maxPayload is the largest message the length byte can describe.
	maxPayload = 0xFF
	// i2cWriteHeader is the command, address, length and port preceding written bytes.
	i2cWriteHeader = 4
)

var (
	// ErrHandshake is returned when the board does not identify itself in time.
	ErrHandshake = errors.New("telemetrix: handshake failed")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("telemetrix: closed")
)

type Config struct {
	// Port is the board's I2C port, 0 or 1.
	Port uint8
	// InstanceID, if not zero, must match the ID the firmware reports.
	InstanceID uint8
	// ResetDelay is waited before the handshake. Open uses DefaultResetDelay when it is zero.
	ResetDelay time.Duration
	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// Logger receives protocol events. Nil disables logging.
	Logger *zerolog.Logger
	// Now stamps read responses. It defaults to time.Now.
	Now func() time.Time
}

// Firmware is the firmware version reported by the board.
type Firmware struct {
	Major, Minor uint8
}

func (f Firmware) String() string {
	return fmt.Sprintf("%d.%d", f.Major, f.Minor)
}

// Client is a connection to a Telemetrix board.
type Client struct {
	rw   io.ReadWriteCloser
	port uint8
	log  zerolog.Logger
	now  func() time.Time

	// wmu keeps messages whole on the wire.
	wmu sync.Mutex

	mu       sync.Mutex
	closing  bool
	closed   bool
	pending  map[uint8][]*pendingRead
	firmware Firmware

	iAmHere    chan uint8
	firmwareCh chan Firmware
	done       chan struct{}
}

// Open opens the serial port and performs the handshake.
func Open(port string, c Config) (*Client, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: BaudRate})
	if err != nil {
		return nil, fmt.Errorf("telemetrix: open %s: %w", port, err)
	}
	if c.ResetDelay == 0 {
		c.ResetDelay = DefaultResetDelay
	}
	return New(p, c)
}

// New performs the handshake over rw, which is closed if the handshake fails.
func New(rw io.ReadWriteCloser, c Config) (*Client, error) {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	log := zerolog.Nop()
	if c.Logger != nil {
		log = c.Logger.With().Str("component", "telemetrix").Logger()
	}
	cl := &Client{
		rw:         rw,
		port:       c.Port,
		log:        log,
		now:        c.Now,
		pending:    make(map[uint8][]*pendingRead),
		iAmHere:    make(chan uint8, 1),
		firmwareCh: make(chan Firmware, 1),
		done:       make(chan struct{}),
	}
	go cl.readLoop()

	if c.ResetDelay > 0 {
		time.Sleep(c.ResetDelay)
	}
	if err := cl.handshake(c.InstanceID, c.HandshakeTimeout); err != nil {
		cl.shutdown(false)
		return nil, err
	}
	return cl, nil
}

func (cl *Client) handshake(instance uint8, timeout time.Duration) error {
	if err := cl.send(cmdAreYouThere); err != nil {
		return fmt.Errorf("telemetrix: %w", err)
	}
	id, err := wait(cl, cl.iAmHere, timeout)
	if err != nil {
		return fmt.Errorf("%w: no reply to are-you-there: %v", ErrHandshake, err)
	}
	if instance != 0 && id != instance {
		return fmt.Errorf("%w: instance id %d, want %d", ErrHandshake, id, instance)
	}

	if err := cl.send(cmdGetFirmwareVersion); err != nil {
		return fmt.Errorf("telemetrix: %w", err)
	}
	fw, err := wait(cl, cl.firmwareCh, timeout)
	if err != nil {
		return fmt.Errorf("%w: no firmware report: %v", ErrHandshake, err)
	}
	cl.mu.Lock()
	cl.firmware = fw
	cl.mu.Unlock()
	cl.log.Info().Uint8("instance", id).Stringer("firmware", fw).Msg("board connected")
	return nil
}

func wait[T any](cl *Client, ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v := <-ch:
		return v, nil
	case <-cl.done:
		return zero, errors.New("connection lost")
	case <-t.C:
		return zero, errors.New("timed out")
	}
}

// Firmware returns the version reported during the handshake.
func (cl *Client) Firmware() Firmware {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.firmware
}

// SetPinModeI2C starts the board's I2C port.
func (cl *Client) SetPinModeI2C() error {
	return cl.send(cmdI2CBegin, cl.port)
}

// I2CWrite sends data to the device at addr.
func (cl *Client) I2CWrite(addr uint8, data []byte) error {
	if len(data)+i2cWriteHeader > maxPayload {
		return fmt.Errorf("telemetrix: write of %d bytes too long", len(data))
	}
	msg := make([]byte, 0, i2cWriteHeader+len(data))
	msg = append(msg, cmdI2CWrite, addr, uint8(len(data)), cl.port)
	msg = append(msg, data...)
	return cl.send(msg...)
}

// I2CRead asks the board to read n bytes from register of addr. Responses for one address are
// matched to requests in order.
func (cl *Client) I2CRead(addr, register uint8, n int, h drivers.ReadHandler) error {
	if n <= 0 || n > maxPayload-drivers.FrameHeaderLen {
		return fmt.Errorf("telemetrix: invalid read length %d", n)
	}
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return ErrClosed
	}
	p := &pendingRead{h: h}
	cl.pending[addr] = append(cl.pending[addr], p)
	cl.mu.Unlock()

	const stop, writeRegister = 1, 1
	err := cl.send(cmdI2CRead, addr, register, uint8(n), stop, cl.port, writeRegister)
	if err != nil {
		cl.dropPending(addr, p)
	}
	return err
}

// pendingRead is one read waiting for its report. Entries are compared by pointer, since
// handlers cannot be.
type pendingRead struct {
	h drivers.ReadHandler
}

// dropPending removes p from the queue for addr. Other callers may have queued reads behind it.
func (cl *Client) dropPending(addr uint8, p *pendingRead) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	q := cl.pending[addr]
	for i, e := range q {
		if e == p {
			cl.pending[addr] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// Close stops reporting on the board and closes the link. Reads still pending never complete.
func (cl *Client) Close() error {
	cl.mu.Lock()
	if cl.closed || cl.closing {
		cl.mu.Unlock()
		return ErrClosed
	}
	cl.closing = true
	cl.mu.Unlock()
	return cl.shutdown(true)
}

func (cl *Client) shutdown(stopReports bool) error {
	if stopReports {
		if d, ok := cl.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
			d.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		}
		if err := cl.send(cmdStopAllReports); err != nil {
			cl.log.Debug().Err(err).Msg("stop reports")
		}
	}
	cl.mu.Lock()
	cl.closed = true
	cl.pending = nil
	cl.mu.Unlock()

	err := cl.rw.Close()
	<-cl.done
	return err
}

func (cl *Client) send(msg ...byte) error {
	cl.mu.Lock()
	closed := cl.closed
	cl.mu.Unlock()
	if closed {
		return ErrClosed
	}

	buf := make([]byte, 0, 1+len(msg))
	buf = append(buf, uint8(len(msg)))
	buf = append(buf, msg...)

	cl.wmu.Lock()
	defer cl.wmu.Unlock()
	if _, err := cl.rw.Write(buf); err != nil {
		return fmt.Errorf("telemetrix: write: %w", err)
	}
	cl.log.Trace().Hex("msg", msg).Msg("sent")
	return nil
}

func (cl *Client) readLoop() {
	defer close(cl.done)
	r := bufio.NewReader(cl.rw)
	for {
		n, err := r.ReadByte()
		if err != nil {
			cl.readFailed(err)
			return
		}
		if n == 0 {
			continue
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			cl.readFailed(err)
			return
		}
		cl.dispatch(msg[0], msg[1:])
	}
}

func (cl *Client) readFailed(err error) {
	cl.mu.Lock()
	closed := cl.closed
	cl.mu.Unlock()
	if !closed {
		cl.log.Error().Err(err).Msg("serial read failed")
	}
}

func (cl *Client) dispatch(report uint8, payload []byte) {
	switch report {
	case reportIAmHere:
		if len(payload) < 1 {
			cl.log.Warn().Msg("short i-am-here report")
			return
		}
		select {
		case cl.iAmHere <- payload[0]:
		default:
		}
	case reportFirmware:
		if len(payload) < 2 {
			cl.log.Warn().Msg("short firmware report")
			return
		}
		select {
		case cl.firmwareCh <- Firmware{Major: payload[0], Minor: payload[1]}:
		default:
		}
	case reportI2CRead:
		// port, count, address, register, data...
		if len(payload) < drivers.FrameHeaderLen-1 {
			cl.log.Warn().Hex("payload", payload).Msg("short i2c read report")
			return
		}
		cl.deliver(report, payload[2], payload)
	case reportI2CTooFewBytes, reportI2CTooManyBytes:
		// port, address
		if len(payload) < 2 {
			cl.log.Warn().Uint8("report", report).Msg("short i2c error report")
			return
		}
		cl.log.Warn().
			Uint8("report", report).
			Uint8("port", payload[0]).
			Uint8("addr", payload[1]).
			Msg("i2c read returned the wrong number of bytes")
		cl.deliver(report, payload[1], payload)
	case reportDebugPrint:
		if len(payload) >= 3 {
			cl.log.Debug().
				Uint8("id", payload[0]).
				Uint16("value", uint16(payload[1])<<8|uint16(payload[2])).
				Msg("firmware debug")
		}
	default:
		cl.log.Debug().Uint8("report", report).Hex("payload", payload).Msg("ignored report")
	}
}

// deliver passes the report to the oldest read waiting on addr.
func (cl *Client) deliver(report, addr uint8, payload []byte) {
	cl.mu.Lock()
	q := cl.pending[addr]
	var h drivers.ReadHandler
	if len(q) > 0 {
		h = q[0].h
		cl.pending[addr] = q[1:]
	}
	cl.mu.Unlock()

	if h == nil {
		cl.log.Debug().Uint8("addr", addr).Msg("unsolicited i2c report")
		return
	}
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, report)
	frame = append(frame, payload...)
	h(frame, cl.now())
}

// Opener opens Telemetrix boards by serial port name.
type Opener struct {
	Config Config
}

func (o Opener) OpenBridge(port string) (drivers.Bridge, error) {
	cl, err := Open(port, o.Config)
	if err != nil {
		return nil, err
	}
	return cl, nil
}
