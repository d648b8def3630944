// Package tester contains test doubles for the bus contracts in package drivers.
package tester

import (
	"errors"
	"fmt"
	"sync"
)

// Failer is implemented by *testing.T and *quicktest.C.
type Failer interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

// ErrNoDevice is returned for transactions addressed to a device that isn't on the bus, as a
// real bus would report a missing acknowledge.
var ErrNoDevice = errors.New("tester: no device at address")

// Write records one register write seen by an I2CBus.
type Write struct {
	Addr     uint8
	Register uint8
	Data     []byte
}

// I2CBus is an in-memory I2C bus. It is safe for concurrent use.
type I2CBus struct {
	c Failer

	mu      sync.Mutex
	devices map[uint8]*I2CDevice8
	writes  []Write
}

// NewI2CBus returns an empty bus.
func NewI2CBus(c Failer) *I2CBus {
	return &I2CBus{
		c:       c,
		devices: make(map[uint8]*I2CDevice8),
	}
}

// AddDevice attaches d to the bus. Adding two devices with the same address is a test failure.
func (b *I2CBus) AddDevice(d *I2CDevice8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[d.addr]; ok {
		b.c.Helper()
		b.c.Fatalf("device already added at address %#02x", d.addr)
	}
	b.devices[d.addr] = d
}

// Writes returns every register write seen so far, in order.
func (b *I2CBus) Writes() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Write(nil), b.writes...)
}

func (b *I2CBus) ReadRegister(addr uint8, r uint8, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.device(uint16(addr))
	if err != nil {
		return err
	}
	return d.read(r, buf)
}

func (b *I2CBus) WriteRegister(addr uint8, r uint8, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.device(uint16(addr))
	if err != nil {
		return err
	}
	b.writes = append(b.writes, Write{Addr: addr, Register: r, Data: append([]byte(nil), buf...)})
	return d.write(r, buf)
}

// Tx treats the first byte of w as a register pointer and the rest as data written from there.
// r is then read from the register following the last byte written.
func (b *I2CBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.device(addr)
	if err != nil {
		return err
	}
	if len(w) == 0 {
		return d.read(d.pointer, r)
	}
	reg := w[0]
	if len(w) > 1 {
		b.writes = append(b.writes, Write{Addr: uint8(addr), Register: reg, Data: append([]byte(nil), w[1:]...)})
		if err := d.write(reg, w[1:]); err != nil {
			return err
		}
		reg += uint8(len(w) - 1)
	}
	if len(r) == 0 {
		d.pointer = reg
		return nil
	}
	return d.read(reg, r)
}

func (b *I2CBus) device(addr uint16) (*I2CDevice8, error) {
	if addr > 0x7F {
		return nil, fmt.Errorf("tester: invalid 7-bit address %#x", addr)
	}
	d, ok := b.devices[uint8(addr)]
	if !ok {
		return nil, ErrNoDevice
	}
	return d, nil
}

// I2CDevice8 is a device with 256 8-bit registers. The register pointer wraps after 0xFF.
type I2CDevice8 struct {
	addr    uint8
	pointer uint8

	// Registers holds the device memory. Tests may change it directly while no transaction
	// is running.
	Registers [256]uint8

	// Err, if set, is returned by every transaction with the device.
	Err error
}

// NewI2CDevice8 returns a device at addr with all registers zero.
func NewI2CDevice8(addr uint8) *I2CDevice8 {
	return &I2CDevice8{addr: addr}
}

func (d *I2CDevice8) read(r uint8, buf []byte) error {
	if d.Err != nil {
		return d.Err
	}
	for i := range buf {
		buf[i] = d.Registers[r]
		r++
	}
	d.pointer = r
	return nil
}

func (d *I2CDevice8) write(r uint8, buf []byte) error {
	if d.Err != nil {
		return d.Err
	}
	for _, v := range buf {
		d.Registers[r] = v
		r++
	}
	d.pointer = r
	return nil
}
