package ds1307

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a Device after Close.
var ErrClosed = errors.New("ds1307: device closed")

// TransportError reports a failure of the bridge while opening, configuring, or dispatching a
// transaction.
type TransportError struct {
	Op       string // "open", "configure", "read", "write" or "close"
	Register uint8  // register addressed by a read or write
	Err      error
}

func (e *TransportError) Error() string {
	switch e.Op {
	case "read", "write":
		return fmt.Sprintf("ds1307: %s register %#02x: %v", e.Op, e.Register, e.Err)
	}
	return fmt.Sprintf("ds1307: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError reports a read response that could not be turned into a value: the frame is too
// short, a register is not valid BCD, or a decoded field is outside its calendar range.
type DecodeError struct {
	Len   int    // length of a short frame
	Field string // empty for a short frame
	Value int    // the decoded value, or the raw register if NotBCD is set
	// NotBCD is set when the register held a digit above 9.
	NotBCD bool
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("ds1307: short read response: %d bytes", e.Len)
	case e.NotBCD:
		return fmt.Sprintf("ds1307: %s register %#02x is not BCD", e.Field, e.Value)
	}
	return fmt.Sprintf("ds1307: decoded %s %d out of range", e.Field, e.Value)
}

// RangeError reports a value that cannot be written to the chip.
type RangeError struct {
	Field    string
	Value    int
	Min, Max int // Max < Min means there is no upper bound
}

func (e *RangeError) Error() string {
	if e.Max < e.Min {
		return fmt.Sprintf("ds1307: %s %d below %d", e.Field, e.Value, e.Min)
	}
	return fmt.Sprintf("ds1307: %s %d out of range [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

func checkRange(field string, v, min, max int) error {
	if v < min || (max >= min && v > max) {
		return &RangeError{Field: field, Value: v, Min: min, Max: max}
	}
	return nil
}
