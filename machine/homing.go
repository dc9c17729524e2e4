package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl"
	log "github.com/sirupsen/logrus"
)

// axis is one homing axis. Y moves are coupled to Z before sending.
type axis struct {
	W byte
	AxisProfile

	stepsPerMM []int
}

func (c *Coordinator) axisX() axis {
	return axis{W: 'X', AxisProfile: c.p.X, stepsPerMM: []int{grbl.SettingStepsPerMMX}}
}

func (c *Coordinator) axisY() axis {
	return axis{W: 'Y', AxisProfile: c.p.Y, stepsPerMM: []int{grbl.SettingStepsPerMMY, grbl.SettingStepsPerMMZ}}
}

func (a axis) name() string { return string(a.W) }

func (a axis) pos(p coord.Point) float64 {
	if a.W == 'X' {
		return p.X
	}
	return p.Y
}

func (a axis) steps(s Settings) float64 {
	v := s.StepsPerMM.Y
	if a.W == 'X' {
		v = s.StepsPerMM.X
	}
	if v <= 0 {
		return a.DefaultStepsPerMM
	}
	return v
}

func (a axis) switches(dir float64) []int {
	if dir > 0 {
		return a.PositiveSwitches
	}
	return a.NegativeSwitches
}

// move generates a relative move. G91 is repeated on every move since a
// soft reset restores absolute mode.
func (a axis) move(dist, feed float64) gcode.Block {
	return gcode.Block{
		{W: 'G', Arg: 91},
		{W: 'G', Arg: 1},
		{W: a.W, Arg: dist},
		{W: 'F', Arg: feed},
	}
}

func dirName(dir float64) string {
	if dir > 0 {
		return "+"
	}
	return "-"
}

// position returns the current machine position of the axis.
func (c *Coordinator) position(ctx context.Context, a axis) (float64, error) {
	s, err := c.a.Status(ctx)
	if err != nil {
		return 0, err
	}
	return a.pos(s.MPos), nil
}

// fastSeek starts a long move towards the switches in dir, stops it as
// soon as one is pressed, and returns the position it stopped at.
func (c *Coordinator) fastSeek(ctx context.Context, a axis, dir float64) (float64, error) {
	switches := a.switches(dir)
	l := log.WithFields(log.Fields{"axis": a.name(), "dir": dirName(dir), "switches": switches})

	_, pressed, err := c.lim.Pressed(switches...)
	if err != nil {
		return 0, err
	}
	if pressed {
		l.Infoln("already at limit")
		return c.position(ctx, a)
	}

	l.Infoln("fast seek")
	b, err := Couple(a.move(dir*c.p.SeekDistance, a.SeekFeed))
	if err != nil {
		return 0, err
	}
	err = c.send(ctx, grbl.Motion(b))
	if err != nil {
		return 0, err
	}

	wctx, cancel := context.WithTimeout(ctx, c.p.SeekTimeout)
	id, err := c.lim.WaitPressed(wctx, switches...)
	cancel()
	if err != nil {
		if hErr := c.halt(ctx); hErr != nil {
			l.WithError(hErr).Errorln("halt after failed seek")
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("%w: %s%s", ErrLimitTimeout, a.name(), dirName(dir))
		}
		return 0, fmt.Errorf("seek %s%s: %w", a.name(), dirName(dir), err)
	}

	err = c.halt(ctx)
	if err != nil {
		return 0, err
	}
	pos, err := c.position(ctx, a)
	if err != nil {
		return 0, err
	}
	l.WithFields(log.Fields{"switch": id, "pos": pos}).Infoln("limit reached")
	return pos, nil
}

// fineSeek steps towards the switches in dir, waiting for each step to
// complete, until one is pressed.
func (c *Coordinator) fineSeek(ctx context.Context, a axis, dir float64) (float64, error) {
	switches := a.switches(dir)
	b, err := Couple(a.move(dir*c.p.FineStep, c.p.FineFeed))
	if err != nil {
		return 0, err
	}

	for traveled := 0.0; traveled <= c.p.FineMaxTravel; traveled += c.p.FineStep {
		sctx, cancel := context.WithTimeout(ctx, c.p.SwitchSettle)
		_, err := c.lim.WaitPressed(sctx, switches...)
		cancel()
		if err == nil {
			pos, err := c.position(ctx, a)
			if err != nil {
				return 0, err
			}
			log.WithFields(log.Fields{"axis": a.name(), "dir": dirName(dir), "pos": pos, "traveled": traveled}).Infoln("fine seek complete")
			return pos, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}

		err = c.runBlocks(ctx, b)
		if err != nil {
			return 0, err
		}
	}

	return 0, fmt.Errorf("%w: %s%s after %gmm", ErrLimitTimeout, a.name(), dirName(dir), c.p.FineMaxTravel)
}

// roughPass finds both limits with fast seeks, then moves to the center.
// It returns the measured length.
func (c *Coordinator) roughPass(ctx context.Context, a axis) (float64, error) {
	pos, err := c.fastSeek(ctx, a, 1)
	if err != nil {
		return 0, err
	}
	neg, err := c.fastSeek(ctx, a, -1)
	if err != nil {
		return 0, err
	}

	length := pos - neg
	if length <= 2*c.p.SafetyMargin {
		return 0, fmt.Errorf("%s: measured length %gmm is too short", a.name(), length)
	}
	log.WithFields(log.Fields{"axis": a.name(), "length": length}).Infoln("rough length")

	err = c.runBlocks(ctx, a.move(length/2, c.p.TravelFeed))
	if err != nil {
		return 0, err
	}
	return length, nil
}

// withMotorsLocked keeps the steppers energized for the duration of fn so
// position isn't lost between moves.
func (c *Coordinator) withMotorsLocked(ctx context.Context, fn func() error) error {
	err := c.writeSetting(ctx, grbl.SettingStepIdleDelay, c.p.LockIdleDelay)
	if err != nil {
		return err
	}
	err = fn()
	if err != nil {
		if rErr := c.restoreIdleDelay(); rErr != nil {
			log.WithError(rErr).Errorln("restore step idle delay")
		}
		return err
	}
	return c.writeSetting(ctx, grbl.SettingStepIdleDelay, c.p.IdleDelay)
}

// restoreIdleDelay lets the motors idle again after a failure.
func (c *Coordinator) restoreIdleDelay() error {
	ctx := context.Background()
	if c.a.Degraded() {
		err := c.a.SoftReset(ctx)
		if err != nil {
			return err
		}
	}
	return c.writeSetting(ctx, grbl.SettingStepIdleDelay, c.p.IdleDelay)
}

// setOrigin makes the current position the work origin of axes.
func setOrigin(axes ...axis) gcode.Block {
	b := gcode.Block{
		{W: 'G', Arg: 90},
		{W: 'G', Arg: 92},
	}
	for _, a := range []byte{'X', 'Y'} {
		for _, ax := range axes {
			if ax.W == a {
				b = append(b, gcode.Word{W: a, Arg: 0})
			}
		}
	}
	return b
}

// Home finds the limits of Y then X, moves to the center of the work area
// and makes it the origin.
func (c *Coordinator) Home() (*Job, error) {
	job, err := c.begin(PhaseHoming, 0)
	if err != nil {
		return nil, err
	}
	c.start(job, c.home)
	return job, nil
}

func (c *Coordinator) home(ctx context.Context) error {
	err := c.withMotorsLocked(ctx, func() error {
		for _, a := range []axis{c.axisY(), c.axisX()} {
			_, err := c.roughPass(ctx, a)
			if err != nil {
				return fmt.Errorf("home %s: %w", a.name(), err)
			}
		}
		return c.runBlocks(ctx, setOrigin(c.axisX(), c.axisY()))
	})
	if err != nil {
		return err
	}

	c.st.update(func(s *State) { s.Homed = true })
	return nil
}
