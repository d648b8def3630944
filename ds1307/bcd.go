package ds1307

// EncodeBCD converts v, which must be between 0 and 99, to packed BCD: tens in the high nibble,
// units in the low nibble.
func EncodeBCD(v int) (uint8, error) {
	if err := checkRange("bcd value", v, 0, 99); err != nil {
		return 0, err
	}
	return toBCD(v), nil
}

// DecodeBCD converts packed BCD to an integer. Nibbles above 9 are not rejected, so a malformed
// byte decodes to a value that may exceed 99.
func DecodeBCD(bcd uint8) int {
	return int(bcd>>4)*10 + int(bcd&0x0F)
}

// toBCD encodes a value already known to be in range.
func toBCD(v int) uint8 {
	return uint8(v/10<<4 | v%10)
}
