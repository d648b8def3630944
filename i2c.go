// Package drivers holds the bus contracts shared by the device packages in this repository.
//
// Device drivers accept either a synchronous I2C bus or an asynchronous Bridge, so they can run
// on a microcontroller, a Linux host or a serial-attached bridge board without change.
package drivers

// I2C represents an I2C bus. It is notably implemented by the machine.I2C type on TinyGo, and by
// the host adapters in this repository.
type I2C interface {
	ReadRegister(addr uint8, r uint8, buf []byte) error
	WriteRegister(addr uint8, r uint8, buf []byte) error
	Tx(addr uint16, w, r []byte) error
}
