package ds1307

const (
	Address  = 0x68 // I2C address for DS1307
	Seconds  = 0x00 // Seconds register, bit 7 is the clock halt flag
	Minutes  = 0x01 // Minutes register
	Hours    = 0x02 // Hours register, bit 6 selects 12-hour mode
	Weekday  = 0x03 // Day of week register, 1-7
	Day      = 0x04 // Day of month register
	Month    = 0x05 // Month register
	Year     = 0x06 // Year register, two digits
	Control  = 0x07 // Square wave output control register
	RAMStart = 0x08 // First byte of the battery-backed RAM
	RAMSize  = 56   // Bytes of RAM, 0x08 to 0x3F
)

// timeLen is the size of the time and date register block starting at Seconds.
const timeLen = Year - Seconds + 1

const (
	clockHalt  = 0x80 // CH bit in the seconds register
	mode12Hour = 0x40 // 12/24 bit in the hours register
	hourPM     = 0x20 // AM/PM bit in 12-hour mode
)

// ControlFlags is the value of the control register.
type ControlFlags uint8

const (
	ControlOut  ControlFlags = 0x80 // output level of SQW/OUT while the square wave is disabled
	ControlSQWE ControlFlags = 0x10 // enable the square wave output

	Rate1Hz     ControlFlags = 0x00
	Rate4096Hz  ControlFlags = 0x01
	Rate8192Hz  ControlFlags = 0x02
	Rate32768Hz ControlFlags = 0x03
)
