package gcode

import (
	"testing"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVM_Run(t *testing.T) {
	vm := NewVM()
	for _, b := range MustParse(`
G90 G1 X10 Y20 Z20 F1000
G91 G1 X-5 Y5 Z5
G4 P0.5
`) {
		require.NoError(t, vm.Run(b))
	}

	assert.Equal(t, coord.Point{X: 5, Y: 25, Z: 25}, vm.MPos())
	assert.Equal(t, 1000.0, vm.Feed())
}

func TestVM_Run_SetOffset(t *testing.T) {
	vm := NewVM()
	vm.SetMPos(coord.Point{X: 100, Y: 200, Z: 200})

	require.NoError(t, vm.Run(Block{{W: 'G', Arg: 92}, {W: 'X', Arg: 0}, {W: 'Y', Arg: 0}, {W: 'Z', Arg: 0}}))
	assert.Equal(t, coord.Point{X: 100, Y: 200, Z: 200}, vm.MPos())
	assert.Equal(t, coord.Point{}, vm.WPos())

	require.NoError(t, vm.Run(Block{{W: 'G', Arg: 90}, {W: 'G', Arg: 0}, {W: 'X', Arg: 10}}))
	assert.Equal(t, coord.Point{X: 110, Y: 200, Z: 200}, vm.MPos())
}

func TestVM_Run_Inches(t *testing.T) {
	vm := NewVM()
	require.NoError(t, vm.Run(Block{{W: 'G', Arg: 20}, {W: 'G', Arg: 1}, {W: 'X', Arg: 1}}))
	assert.InDelta(t, 25.4, vm.MPos().X, 1e-9)
}

func TestVM_Check(t *testing.T) {
	vm := NewVM()

	assert.Error(t, vm.Check(Block{{W: 'G', Arg: 2}, {W: 'X', Arg: 1}}))
	assert.NoError(t, vm.Check(Block{{W: 'G', Arg: 1}, {W: 'X', Arg: 1}}))
	assert.Equal(t, coord.Point{}, vm.MPos(), "check must not move the vm")
}

func TestVM_Run_Laser(t *testing.T) {
	vm := NewVM()
	assert.False(t, vm.LaserOn())

	require.NoError(t, vm.Run(Block{{W: 'M', Arg: 4}, {W: 'S', Arg: 800}}))
	assert.True(t, vm.LaserOn())
	assert.Equal(t, 800.0, vm.Power())

	require.NoError(t, vm.Run(Block{{W: 'M', Arg: 5}}))
	assert.False(t, vm.LaserOn())
}

func TestWord_ModalGroup(t *testing.T) {
	assert.Equal(t, ModalGroupMotion, Word{W: 'G', Arg: 1}.ModalGroup())
	assert.Equal(t, ModalGroupNonModal, Word{W: 'G', Arg: 92}.ModalGroup())
	assert.Equal(t, ModalGroupPower, Word{W: 'S', Arg: 1000}.ModalGroup())
	assert.Equal(t, ModalGroupNone, Word{W: 'G', Arg: 33}.ModalGroup())
	assert.Equal(t, "distance", Word{W: 'G', Arg: 91}.ModalGroup().String())

	assert.Error(t, Block{{W: 'G', Arg: 90}, {W: 'G', Arg: 91}}.Validate())
}
