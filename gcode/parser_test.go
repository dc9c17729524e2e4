package gcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	b, err := Parse(`
%
(Header: svg compiler)
N10 g21 ; metric
G90
g1 x-1.5 Y2 f3000
M3 S1000
%
`)
	require.NoError(t, err)
	require.Len(t, b, 4)

	assert.Equal(t, "G21", b[0].String())
	assert.Equal(t, "G90", b[1].String())
	assert.Equal(t, "G1X-1.5Y2F3000", b[2].String())
	assert.Equal(t, "M3S1000", b[3].String())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("G1 X10\n$H\n")
	assert.EqualError(t, err, "line 2: invalid or unhandled line: $H")
}

func TestBlock_WithArg(t *testing.T) {
	b := Block{{W: 'G', Arg: 1}, {W: 'Y', Arg: 5}}

	c := b.WithArg('Z', 5)
	assert.Equal(t, "G1Y5Z5", c.String())
	assert.Equal(t, "G1Y5", b.String(), "original block must not change")

	c = c.WithArg('Y', 7)
	assert.Equal(t, "G1Y7Z5", c.String())
}

func TestWord_String(t *testing.T) {
	assert.Equal(t, "X0.123", Word{W: 'X', Arg: 0.12345}.String())
	assert.Equal(t, "Y0", Word{W: 'Y', Arg: -0.0001}.String())
	assert.Equal(t, "G38.2", Word{W: 'G', Arg: 38.2}.String())
}
