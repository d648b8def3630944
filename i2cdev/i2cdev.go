// Package i2cdev provides a drivers.I2C bus on the Linux /dev/i2c-N interface, for running
// drivers directly on a single-board computer such as a Raspberry Pi.
package i2cdev

import (
	"fmt"
	"sync"

	"golang.org/x/exp/io/i2c"
	"golang.org/x/exp/io/i2c/driver"
)

// Bus opens one device handle per address on first use and keeps it until Close.
type Bus struct {
	opener driver.Opener

	mu   sync.Mutex
	devs map[uint16]*i2c.Device
}

// Open returns a bus on the given device file, for example "/dev/i2c-1". The file is not opened
// until the first transaction.
func Open(dev string) *Bus {
	return New(&i2c.Devfs{Dev: dev})
}

// New returns a bus using o to reach each address.
func New(o driver.Opener) *Bus {
	return &Bus{
		opener: o,
		devs:   make(map[uint16]*i2c.Device),
	}
}

func (b *Bus) ReadRegister(addr uint8, r uint8, buf []byte) error {
	d, err := b.device(uint16(addr))
	if err != nil {
		return err
	}
	return d.ReadReg(r, buf)
}

func (b *Bus) WriteRegister(addr uint8, r uint8, buf []byte) error {
	d, err := b.device(uint16(addr))
	if err != nil {
		return err
	}
	return d.WriteReg(r, buf)
}

// Tx writes w and then reads r. The kernel interface issues them as two transfers with a stop
// condition between, which register-pointer devices like the DS1307 tolerate.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	d, err := b.device(addr)
	if err != nil {
		return err
	}
	if len(w) > 0 {
		if err := d.Write(w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		return d.Read(r)
	}
	return nil
}

// Close closes every device handle.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for addr, d := range b.devs {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.devs, addr)
	}
	return first
}

func (b *Bus) device(addr uint16) (*i2c.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devs[addr]; ok {
		return d, nil
	}
	d, err := i2c.Open(b.opener, int(addr))
	if err != nil {
		return nil, fmt.Errorf("i2cdev: open address %#02x: %w", addr, err)
	}
	b.devs[addr] = d
	return d, nil
}
