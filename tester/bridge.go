package tester

import (
	"sync"
	"time"

	"github.com/ajanata/drivers"
)

// BridgeWrite records one I2CWrite call.
type BridgeWrite struct {
	Addr uint8
	Data []byte
}

// BridgeRead is an I2CRead call waiting for Respond.
type BridgeRead struct {
	Addr     uint8
	Register uint8
	N        int
	Handler  drivers.ReadHandler
}

// Bridge is a drivers.Bridge that records requests. Read handlers run only when the test calls
// Respond, or straight away from I2CRead if AutoRespond is set.
type Bridge struct {
	// Errors returned by the corresponding methods.
	ConfigureErr, WriteErr, ReadErr, CloseErr error

	// AutoRespond, if set, supplies the data for each read as it is issued. Returning nil
	// leaves the read pending.
	AutoRespond func(addr, register uint8, n int) []byte

	// Now stamps responses. It defaults to time.Now.
	Now func() time.Time

	mu         sync.Mutex
	configured int
	closed     bool
	writes     []BridgeWrite
	pending    []BridgeRead
}

func (b *Bridge) SetPinModeI2C() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConfigureErr != nil {
		return b.ConfigureErr
	}
	b.configured++
	return nil
}

func (b *Bridge) I2CWrite(addr uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WriteErr != nil {
		return b.WriteErr
	}
	b.writes = append(b.writes, BridgeWrite{Addr: addr, Data: append([]byte(nil), data...)})
	return nil
}

func (b *Bridge) I2CRead(addr, register uint8, n int, h drivers.ReadHandler) error {
	b.mu.Lock()
	if b.ReadErr != nil {
		b.mu.Unlock()
		return b.ReadErr
	}
	auto := b.AutoRespond
	b.mu.Unlock()

	if auto != nil {
		if data := auto(addr, register, n); data != nil {
			h(drivers.ReadFrame(0, addr, register, data), b.now())
			return nil
		}
	}
	b.mu.Lock()
	b.pending = append(b.pending, BridgeRead{Addr: addr, Register: register, N: n, Handler: h})
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.CloseErr
}

// Respond completes the oldest pending read with a frame holding data. It reports false if no
// read was pending.
func (b *Bridge) Respond(data []byte) bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	r := b.pending[0]
	b.pending = b.pending[1:]
	b.mu.Unlock()

	r.Handler(drivers.ReadFrame(0, r.Addr, r.Register, data), b.now())
	return true
}

// RespondRaw completes the oldest pending read with frame passed through unchanged.
func (b *Bridge) RespondRaw(frame []byte) bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	r := b.pending[0]
	b.pending = b.pending[1:]
	b.mu.Unlock()

	r.Handler(frame, b.now())
	return true
}

// Writes returns the recorded writes in order.
func (b *Bridge) Writes() []BridgeWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BridgeWrite(nil), b.writes...)
}

// Pending returns the reads still waiting for a response.
func (b *Bridge) Pending() []BridgeRead {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BridgeRead(nil), b.pending...)
}

// Configured reports how many times SetPinModeI2C succeeded.
func (b *Bridge) Configured() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configured
}

// Closed reports whether Close was called.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// BridgeOpener opens the same Bridge for every port and records the ports asked for.
type BridgeOpener struct {
	Bridge *Bridge
	Err    error
	Ports  []string
}

func (o *BridgeOpener) OpenBridge(port string) (drivers.Bridge, error) {
	o.Ports = append(o.Ports, port)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Bridge, nil
}
