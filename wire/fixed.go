package wire

import "math"

// Fixed is the 24.8 signed fixed-point number of the wire protocol.
type Fixed int32

// FixedFromInt converts an integer to Fixed.
func FixedFromInt(v int) Fixed {
	return Fixed(v * 256)
}

// FixedFromFloat converts a float to Fixed, rounding to the nearest 1/256.
func FixedFromFloat(v float64) Fixed {
	d := v + float64(int64(3)<<(51-8))
	return Fixed(int32(math.Float64bits(d)))
}

// Float converts f to float64 without loss.
func (f Fixed) Float() float64 {
	dat := ((int64(1023 + 44)) << 52) + (1 << 51) + int64(f)
	return math.Float64frombits(uint64(dat)) - float64(3<<43)
}

// Int truncates f towards zero.
func (f Fixed) Int() int {
	return int(f / 256)
}
