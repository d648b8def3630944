package ds1307

import (
	"time"

	"github.com/ajanata/drivers"
)

// century is added to the two-digit year register. The chip has no century bit.
const century = 2000

// Frame is a time and date read response from the bridge.
type Frame struct {
	Command  uint8
	Port     uint8
	Count    uint8
	Addr     uint8
	Register uint8

	// Regs holds the raw time registers, Seconds through Year.
	Regs [timeLen]uint8
}

// ParseFrame splits a read response into its header and the seven time registers, which are
// taken from the end of the frame. It fails with a *DecodeError if the frame cannot hold them.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < drivers.FrameHeaderLen+timeLen {
		return Frame{}, &DecodeError{Len: len(data)}
	}
	f := Frame{
		Command:  data[0],
		Port:     data[1],
		Count:    data[2],
		Addr:     data[3],
		Register: data[4],
	}
	copy(f.Regs[:], data[len(data)-timeLen:])
	return f, nil
}

// Halted reports whether the oscillator was stopped when the registers were read.
func (f Frame) Halted() bool {
	return f.Regs[Seconds]&clockHalt != 0
}

// Time decodes the registers. The result is in UTC, which stands in for the chip's naive local
// time. The day-of-week register is ignored. A register holding a digit above 9, or a field
// outside its calendar range, is a *DecodeError.
func (f Frame) Time() (time.Time, error) {
	hourMask := uint8(0x3F)
	if f.Regs[Hours]&mode12Hour != 0 {
		hourMask = 0x1F
	}
	fields := [...]struct {
		name     string
		reg      uint8
		min, max int
	}{
		{"second", f.Regs[Seconds] &^ clockHalt, 0, 59},
		{"minute", f.Regs[Minutes], 0, 59},
		{"hour", f.Regs[Hours] & hourMask, 0, 23},
		{"day", f.Regs[Day], 1, 31},
		{"month", f.Regs[Month], 1, 12},
		{"year", f.Regs[Year], 0, 99},
	}
	var v [len(fields)]int
	for i, fl := range fields {
		if !isBCD(fl.reg) {
			return time.Time{}, &DecodeError{Field: fl.name, Value: int(fl.reg), NotBCD: true}
		}
		v[i] = DecodeBCD(fl.reg)
		if fl.name == "hour" {
			v[i] = decodeHour(f.Regs[Hours])
		}
		if v[i] < fl.min || v[i] > fl.max {
			return time.Time{}, &DecodeError{Field: fl.name, Value: v[i]}
		}
	}
	second, minute, hour, day, month, year := v[0], v[1], v[2], v[3], v[4], v[5]

	t := time.Date(year+century, time.Month(month), day, hour, minute, second, 0, time.UTC)
	if t.Day() != day {
		// e.g. February 30th
		return time.Time{}, &DecodeError{Field: "day", Value: day}
	}
	return t, nil
}

func isBCD(b uint8) bool {
	return b&0x0F <= 9 && b>>4 <= 9
}

func decodeHour(reg uint8) int {
	if reg&mode12Hour == 0 {
		return DecodeBCD(reg & 0x3F)
	}
	hour := DecodeBCD(reg & 0x1F)
	if hour < 1 || hour > 12 {
		// let the range check reject it
		return 24 + hour
	}
	hour %= 12
	if reg&hourPM != 0 {
		hour += 12
	}
	return hour
}
