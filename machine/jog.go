package machine

import (
	"context"
	"errors"

	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl"
)

// ErrZeroJog is returned by Jog when there is nowhere to go.
var ErrZeroJog = errors.New("machine: jog distance is zero")

// JogOptions describe a relative jog.
type JogOptions struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Feed float64 `json:"feed,omitempty"`
}

func (opt JogOptions) generate(defaultFeed float64) gcode.Block {
	feed := opt.Feed
	if feed <= 0 {
		feed = defaultFeed
	}
	b := gcode.Block{
		{W: 'G', Arg: 91},
		{W: 'G', Arg: 21},
	}
	if opt.X != 0 {
		b = append(b, gcode.Word{W: 'X', Arg: opt.X})
	}
	if opt.Y != 0 {
		b = append(b, gcode.Word{W: 'Y', Arg: opt.Y})
	}
	return append(b, gcode.Word{W: 'F', Arg: feed})
}

// Jog moves relative to the current position and waits for the move to
// finish.
func (c *Coordinator) Jog(ctx context.Context, opt JogOptions) error {
	if opt.X == 0 && opt.Y == 0 {
		return ErrZeroJog
	}
	b, err := Couple(opt.generate(c.p.JogFeed))
	if err != nil {
		return err
	}

	return c.do(ctx, PhaseJogging, func(ctx context.Context) error {
		err := c.send(ctx, grbl.Jog(b))
		if err != nil {
			return err
		}
		return c.send(ctx, grbl.Sync())
	})
}

// GoHome moves to the work origin.
func (c *Coordinator) GoHome(ctx context.Context, feed float64) error {
	if feed <= 0 {
		feed = c.p.TravelFeed
	}
	b := gcode.Block{
		{W: 'G', Arg: 90},
		{W: 'G', Arg: 1},
		{W: 'X', Arg: 0},
		{W: 'Y', Arg: 0},
		{W: 'F', Arg: feed},
	}
	return c.do(ctx, PhaseJogging, func(ctx context.Context) error {
		return c.runBlocks(ctx, b)
	})
}
