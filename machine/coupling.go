package machine

import (
	"errors"
	"fmt"

	"github.com/mastercactapus/lasercnc/gcode"
)

var (
	// ErrUncoupledMotion is returned for a block that would move the two Y
	// motors apart.
	ErrUncoupledMotion = errors.New("machine: Z is the second Y motor and can not move on its own")

	// ErrUnsupportedMotion is returned for arcs, which GRBL would trace as a
	// helix in Z and skew the gantry.
	ErrUnsupportedMotion = errors.New("machine: arcs are not supported")
)

func isArc(b gcode.Block) bool {
	return b.Has(gcode.Word{W: 'G', Arg: 2}) || b.Has(gcode.Word{W: 'G', Arg: 3})
}

// Couple returns b with a Z word matching the Y word, placed right after
// it, so both Y motors receive the same target in the same line.
//
// A block that already carries a matching Z is returned unchanged.
func Couple(b gcode.Block) (gcode.Block, error) {
	if isArc(b) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMotion, b)
	}

	hasY, y := b.Arg('Y')
	hasZ, z := b.Arg('Z')
	switch {
	case hasY && hasZ:
		if y != z {
			return nil, fmt.Errorf("%w: Y%g != Z%g", ErrUncoupledMotion, y, z)
		}
		return b, nil
	case hasZ:
		return nil, fmt.Errorf("%w: %s", ErrUncoupledMotion, b)
	case !hasY:
		return b, nil
	}

	res := make(gcode.Block, 0, len(b)+1)
	for _, w := range b {
		res = append(res, w)
		if w.W == 'Y' {
			res = append(res, gcode.Word{W: 'Z', Arg: w.Arg})
		}
	}
	return res, nil
}

