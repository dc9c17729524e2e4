package gcode

import (
	"errors"

	"github.com/mastercactapus/lasercnc/coord"
)

// VM will track state and interpret gcode.
//
// It is used to predict where the machine ends up after a block
// has been accepted by the controller.
type VM struct {
	pos coord.Point
	wco coord.Point

	modal [256]float64
}

// NewVM constructs a new VM with default state.
func NewVM() *VM {
	vm := &VM{}

	// using grbl defaults
	vm.modal[ModalGroupMotion] = 0
	vm.modal[ModalGroupCoordinateSystem] = 54
	vm.modal[ModalGroupPlaneSelection] = 17
	vm.modal[ModalGroupDistanceMode] = 90
	vm.modal[ModalGroupArcDistanceMode] = 91.1
	vm.modal[ModalGroupFeedRateMode] = 94
	vm.modal[ModalGroupUnits] = 21
	vm.modal[ModalGroupCutterCompensationMode] = 40
	vm.modal[ModalGroupToolLength] = 49
	vm.modal[ModalGroupStopping] = 0
	vm.modal[ModalGroupSpindle] = 5
	vm.modal[ModalGroupCoolant] = 9

	return vm
}

func (vm VM) Inches() bool         { return vm.modal[ModalGroupUnits] == 20 }
func (vm VM) RelativeMotion() bool { return vm.modal[ModalGroupDistanceMode] == 91 }
func (vm VM) LaserOn() bool        { return vm.modal[ModalGroupSpindle] != 5 }
func (vm VM) Feed() float64        { return vm.modal[ModalGroupFeedRate] }
func (vm VM) Power() float64       { return vm.modal[ModalGroupPower] }

func (vm VM) WPos() coord.Point {
	return vm.pos.Sub(vm.wco)
}
func (vm VM) MPos() coord.Point {
	return vm.pos
}
func (vm *VM) SetMPos(p coord.Point) {
	vm.pos = p
}
func (vm *VM) SetWCO(p coord.Point) {
	vm.wco = p
}
func (vm VM) WCO() coord.Point {
	return vm.wco
}

func isSupported(g Word) bool {
	if g.IsAxis() {
		return true
	}

	switch g.W {
	case 'G':
		switch g.Arg {
		case 0, 1, 4, 17, 20, 21, 53, 54, 90, 91, 92, 94:
			return true
		}
	case 'M':
		switch g.Arg {
		case 0, 2, 3, 4, 5, 8, 9, 30:
			return true
		}
	case 'F', 'S', 'P':
		return true
	}

	return false
}

func applyBlock(p coord.Point, b Block, mul float64) coord.Point {
	for _, g := range b {
		switch g.W {
		case 'X':
			p.X = g.Arg * mul
		case 'Y':
			p.Y = g.Arg * mul
		case 'Z':
			p.Z = g.Arg * mul
		}
	}

	return p
}

func axisWords(b Block) Block {
	res := make(Block, 0, len(b))
	for _, g := range b {
		if g.IsAxis() {
			res = append(res, g)
		}
	}
	return res
}

// Check returns an error if the block can not be interpreted, without
// changing VM state.
func (vm VM) Check(b Block) error {
	return vm.Run(b)
}

func (vm *VM) Run(b Block) error {
	err := b.Validate()
	if err != nil {
		return err
	}
	var machineCoords, setOffset, dwell bool
	for _, g := range b {
		if !isSupported(g) {
			return errors.New("unsupported code: " + g.String())
		}
	}
	for _, g := range b {
		mg := g.ModalGroup()
		if mg != ModalGroupNone && mg != ModalGroupNonModal {
			vm.modal[mg] = g.Arg
		}
		switch g {
		case Word{W: 'G', Arg: 53}:
			machineCoords = true
		case Word{W: 'G', Arg: 92}:
			setOffset = true
		case Word{W: 'G', Arg: 4}:
			dwell = true
		}
	}

	args := axisWords(b)
	if len(args) == 0 || dwell {
		return nil
	}

	mul := 1.0
	if vm.Inches() {
		mul = 25.4
	}

	if setOffset {
		// the current position becomes the given work position
		wpos := applyBlock(vm.WPos(), args, mul)
		vm.wco = vm.pos.Sub(wpos)
		return nil
	}

	// apply motion
	if machineCoords {
		vm.pos = applyBlock(vm.pos, args, 1)
	} else if vm.RelativeMotion() {
		vm.pos = vm.pos.Add(applyBlock(coord.Point{}, args, mul))
	} else {
		vm.pos = applyBlock(vm.WPos(), args, mul).Add(vm.wco)
	}

	return nil
}
