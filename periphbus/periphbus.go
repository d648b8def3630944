// Package periphbus adapts a periph.io I2C bus to drivers.I2C.
package periphbus

import (
	"fmt"
	"io"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

type Bus struct {
	bus i2c.Bus
}

// Open initialises the host drivers and opens the named bus. An empty name selects the first
// bus found.
func Open(name string) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periphbus: host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("periphbus: open %q: %w", name, err)
	}
	return Wrap(b), nil
}

// Wrap adapts an already open bus.
func Wrap(b i2c.Bus) *Bus {
	return &Bus{bus: b}
}

func (b *Bus) ReadRegister(addr uint8, r uint8, buf []byte) error {
	return b.bus.Tx(uint16(addr), []byte{r}, buf)
}

func (b *Bus) WriteRegister(addr uint8, r uint8, buf []byte) error {
	w := make([]byte, 0, 1+len(buf))
	w = append(w, r)
	w = append(w, buf...)
	return b.bus.Tx(uint16(addr), w, nil)
}

func (b *Bus) Tx(addr uint16, w, r []byte) error {
	return b.bus.Tx(addr, w, r)
}

// Close closes the underlying bus if it was opened by Open or can otherwise be closed.
func (b *Bus) Close() error {
	if c, ok := b.bus.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *Bus) String() string {
	return b.bus.String()
}
