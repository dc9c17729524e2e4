package gcode

import (
	"strconv"
	"strings"
)

// Word is a letter and its argument, e.g. `X10.5`.
type Word struct {
	W   byte
	Arg float64
}

// wordPrecision is the number of decimals sent to the controller. GRBL
// works in micrometers internally.
const wordPrecision = 3

// IsAxis reports if w is a coordinate of one of the three motors.
func (w Word) IsAxis() bool {
	switch w.W {
	case 'X', 'Y', 'Z':
		return true
	}
	return false
}

// IsValid reports if the letter of w is A through Z.
func (w Word) IsValid() bool { return w.W >= 'A' && w.W <= 'Z' }

func formatFloat(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		return "0"
	}
	return s
}

// String renders w without spaces, trailing zeros or a trailing point.
func (w Word) String() string {
	return string(w.W) + formatFloat(w.Arg, wordPrecision)
}
