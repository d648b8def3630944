package drivers

import "time"

// I2CReadReport is the command byte at the start of a read response frame.
const I2CReadReport = 10

// FrameHeaderLen is the number of framing bytes (command, port, count, address, register) that
// precede the data in a read response frame.
const FrameHeaderLen = 5

// ReadHandler receives the response of an asynchronous I2C read. The data is a frame laid out as
// [command, port, count, address, register, data...]. A frame whose command is not
// I2CReadReport, or which carries fewer data bytes than were asked for, reports a failed read.
// ts is the time at which the bridge received the response.
//
// Handlers run on the bridge's delivery goroutine and must not block for long.
type ReadHandler func(data []byte, ts time.Time)

// Bridge is a connection to a microcontroller (or adapter) that performs I2C transactions on the
// host's behalf. Writes are fire-and-forget: a nil error only means the bridge accepted the
// request. Reads complete later through the supplied handler, or never if the link fails.
type Bridge interface {
	// SetPinModeI2C configures the bridge's bus for I2C.
	SetPinModeI2C() error
	// I2CWrite writes data to the device at addr. The first byte is normally a register.
	I2CWrite(addr uint8, data []byte) error
	// I2CRead reads n bytes from the device at addr starting at register.
	I2CRead(addr, register uint8, n int, h ReadHandler) error
	// Close releases the connection.
	Close() error
}

// BridgeOpener opens a Bridge by port identifier, such as a serial device path.
type BridgeOpener interface {
	OpenBridge(port string) (Bridge, error)
}

// ReadFrame builds a read response frame for the given request and data.
func ReadFrame(port, addr, register uint8, data []byte) []byte {
	frame := make([]byte, 0, FrameHeaderLen+len(data))
	frame = append(frame, I2CReadReport, port, uint8(len(data)), addr, register)
	return append(frame, data...)
}
