package ds1307

import (
	"time"

	"github.com/ajanata/drivers"
)

// WriteRAM writes data to the battery-backed RAM starting at offset, in a single transaction.
func (d *Device) WriteRAM(offset int, data []byte) error {
	if err := checkRAM(offset, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return d.write(RAMStart+uint8(offset), data)
}

// RequestRAM asks the bridge to read n bytes of RAM starting at offset. h receives a copy of the
// bytes, or a *DecodeError if the response was short. Like RequestTime it does not wait.
func (d *Device) RequestRAM(offset, n int, h func(data []byte, err error)) error {
	if err := checkRange("ram length", n, 1, RAMSize); err != nil {
		return err
	}
	if err := checkRAM(offset, n); err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}
	reg := RAMStart + uint8(offset)
	err := d.bridge.I2CRead(d.Address, reg, n, func(data []byte, _ time.Time) {
		if len(data) < drivers.FrameHeaderLen+n {
			h(nil, &DecodeError{Len: len(data)})
			return
		}
		buf := make([]byte, n)
		copy(buf, data[len(data)-n:])
		h(buf, nil)
	})
	if err != nil {
		return &TransportError{Op: "read", Register: reg, Err: err}
	}
	return nil
}

func checkRAM(offset, n int) error {
	if err := checkRange("ram offset", offset, 0, RAMSize-1); err != nil {
		return err
	}
	return checkRange("ram end", offset+n, 0, RAMSize)
}
