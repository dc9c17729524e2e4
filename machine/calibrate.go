package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mastercactapus/lasercnc/gcode"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownAxis is returned for an axis other than X or Y.
var ErrUnknownAxis = errors.New("machine: unknown axis")

// CalibrateOptions configure a calibration run.
type CalibrateOptions struct {
	// Axes to calibrate, "x" and/or "y". Empty means both.
	Axes []string `json:"axes,omitempty"`

	// Outline traces the work area border after calibrating.
	Outline bool `json:"outline"`
}

// calibrationAxes returns the selected axes, Y first.
func (c *Coordinator) calibrationAxes(opt CalibrateOptions) ([]axis, error) {
	if len(opt.Axes) == 0 {
		return []axis{c.axisY(), c.axisX()}, nil
	}
	var x, y bool
	for _, name := range opt.Axes {
		switch strings.ToLower(name) {
		case "x":
			x = true
		case "y":
			y = true
		default:
			return nil, fmt.Errorf("%w: '%s'", ErrUnknownAxis, name)
		}
	}
	var res []axis
	if y {
		res = append(res, c.axisY())
	}
	if x {
		res = append(res, c.axisX())
	}
	return res, nil
}

// AxisCalibration is the result for a single axis.
type AxisCalibration struct {
	Axis           string  `json:"axis"`
	KnownLength    float64 `json:"knownLength"`
	MeasuredLength float64 `json:"measuredLength"`
	OldStepsPerMM  float64 `json:"oldStepsPerMM"`
	StepsPerMM     float64 `json:"stepsPerMM"`
}

// Calibration is the result of the last successful calibration.
type Calibration struct {
	Axes     []AxisCalibration `json:"axes"`
	Finished time.Time         `json:"finished"`
}

// Calibrate measures the axes between their limit switches and corrects
// steps/mm so the measured length matches the known length. The center of
// each calibrated axis becomes its origin.
func (c *Coordinator) Calibrate(opt CalibrateOptions) (*Job, error) {
	axes, err := c.calibrationAxes(opt)
	if err != nil {
		return nil, err
	}
	job, err := c.begin(PhaseCalibrating, 0)
	if err != nil {
		return nil, err
	}
	c.start(job, func(ctx context.Context) error { return c.calibrate(ctx, axes, opt) })
	return job, nil
}

func (c *Coordinator) calibrate(ctx context.Context, axes []axis, opt CalibrateOptions) error {
	var res Calibration
	err := c.withMotorsLocked(ctx, func() error {
		for _, a := range axes {
			ac, err := c.calibrateAxis(ctx, a)
			if err != nil {
				return fmt.Errorf("calibrate %s: %w", a.name(), err)
			}
			res.Axes = append(res.Axes, *ac)
		}
		err := c.runBlocks(ctx, setOrigin(axes...))
		if err != nil {
			return err
		}
		if opt.Outline {
			return c.runBlocks(ctx, c.generateOutline()...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	res.Finished = time.Now()
	c.st.update(func(s *State) {
		// a single axis doesn't home the other one
		s.Homed = s.Homed || len(axes) == 2
		if s.Calibration != nil {
			res.Axes = mergeAxes(s.Calibration.Axes, res.Axes)
		}
		s.Calibration = &res
	})
	return nil
}

// mergeAxes keeps old results for axes that were not calibrated again,
// Y before X.
func mergeAxes(old, cur []AxisCalibration) []AxisCalibration {
	byName := make(map[string]AxisCalibration, 2)
	for _, ac := range old {
		byName[ac.Axis] = ac
	}
	for _, ac := range cur {
		byName[ac.Axis] = ac
	}
	var res []AxisCalibration
	for _, name := range []string{"Y", "X"} {
		if ac, ok := byName[name]; ok {
			res = append(res, ac)
		}
	}
	return res
}

// calibrateAxis leaves the axis at its center.
func (c *Coordinator) calibrateAxis(ctx context.Context, a axis) (*AxisCalibration, error) {
	rough, err := c.roughPass(ctx, a)
	if err != nil {
		return nil, err
	}

	// fine pass, starting from the center
	approach := rough/2 - c.p.SafetyMargin
	err = c.runBlocks(ctx, a.move(approach, c.p.TravelFeed))
	if err != nil {
		return nil, err
	}
	pos, err := c.fineSeek(ctx, a, 1)
	if err != nil {
		return nil, err
	}
	err = c.runBlocks(ctx, a.move(-(rough-c.p.SafetyMargin), c.p.TravelFeed))
	if err != nil {
		return nil, err
	}
	neg, err := c.fineSeek(ctx, a, -1)
	if err != nil {
		return nil, err
	}

	measured := pos - neg
	if measured <= 0 {
		return nil, fmt.Errorf("invalid measured length %gmm", measured)
	}
	cur := a.steps(c.st.Snapshot().Settings)
	ac := &AxisCalibration{
		Axis:           a.name(),
		KnownLength:    a.Length,
		MeasuredLength: measured,
		OldStepsPerMM:  cur,
		StepsPerMM:     cur * measured / a.Length,
	}
	log.WithFields(log.Fields{
		"axis":     ac.Axis,
		"measured": ac.MeasuredLength,
		"known":    ac.KnownLength,
		"old":      ac.OldStepsPerMM,
		"new":      ac.StepsPerMM,
	}).Infoln("calibrated")

	err = c.writeMirrored(ctx, ac.StepsPerMM, a.stepsPerMM...)
	if err != nil {
		return nil, err
	}

	// the negative switch is at -Length/2 with the new calibration
	err = c.runBlocks(ctx, a.move(a.Length/2, c.p.TravelFeed))
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// generateOutline traces the work area border, clockwise from the bottom
// left, and returns to the origin.
func (c *Coordinator) generateOutline() []gcode.Block {
	hx := c.p.X.Length/2 - c.p.Outline.Margin
	hy := c.p.Y.Length/2 - c.p.Outline.Margin
	feed := c.p.Outline.Feed

	to := func(x, y float64) gcode.Block {
		return gcode.Block{
			{W: 'G', Arg: 90},
			{W: 'G', Arg: 1},
			{W: 'X', Arg: x},
			{W: 'Y', Arg: y},
			{W: 'F', Arg: feed},
		}
	}
	return []gcode.Block{
		to(-hx, -hy),
		to(hx, -hy),
		to(hx, hy),
		to(-hx, hy),
		to(-hx, -hy),
		to(0, 0),
	}
}
