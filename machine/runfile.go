package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl"
	log "github.com/sirupsen/logrus"
)

// MaxLaserPower is the S value for full power, GRBL's default `$30`.
const MaxLaserPower = 1000

// RunOptions adjust a file before it runs.
type RunOptions struct {
	// OriginX and OriginY, in mm, shift every absolute X and Y target so
	// the whole toolpath moves relative to the work origin.
	OriginX float64 `json:"originX"`
	OriginY float64 `json:"originY"`

	// Power, if set, replaces every S value and is added to any M3 or
	// M4 without one.
	Power *float64 `json:"power,omitempty"`
}

func (opt RunOptions) validate() error {
	if p := opt.Power; p != nil && (*p < 0 || *p > MaxLaserPower) {
		return fmt.Errorf("%w: power %g not in 0-%d", ErrInvalidProgram, *p, MaxLaserPower)
	}
	return nil
}

var (
	laserCW  = gcode.Word{W: 'M', Arg: 3}
	laserCCW = gcode.Word{W: 'M', Arg: 4}
)

// apply returns b adjusted by opt. vm has the modal state before b.
func (opt RunOptions) apply(vm *gcode.VM, b gcode.Block) gcode.Block {
	if opt.Power != nil {
		if ok, _ := b.Arg('S'); ok || b.Has(laserCW) || b.Has(laserCCW) {
			b = b.WithArg('S', *opt.Power)
		}
	}
	if opt.OriginX == 0 && opt.OriginY == 0 {
		return b
	}
	if b.Has(gcode.Word{W: 'G', Arg: 53}) || b.Has(gcode.Word{W: 'G', Arg: 92}) {
		return b
	}

	// G90/G91 and G20/G21 in b itself apply to its own coordinates
	next := *vm
	if next.Run(b) != nil || next.RelativeMotion() {
		return b
	}
	scale := 1.0
	if next.Inches() {
		scale = 1 / 25.4
	}

	res := b.Clone()
	for i, w := range res {
		switch w.W {
		case 'X':
			res[i].Arg += opt.OriginX * scale
		case 'Y', 'Z':
			res[i].Arg += opt.OriginY * scale
		}
	}
	return res
}

// prepare couples, adjusts and checks every block before anything is
// sent.
func (c *Coordinator) prepare(blocks []gcode.Block, opt RunOptions) ([]gcode.Block, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidProgram)
	}
	err := opt.validate()
	if err != nil {
		return nil, err
	}

	vm := gcode.NewVM()
	prog := make([]gcode.Block, 0, len(blocks))
	for i, b := range blocks {
		if len(b) == 0 {
			continue
		}
		cb, err := Couple(b)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %w", ErrInvalidProgram, i+1, err)
		}
		err = vm.Check(cb)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d '%s': %w", ErrInvalidProgram, i+1, b, err)
		}
		cb = opt.apply(vm, cb)
		err = vm.Run(cb)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d '%s': %w", ErrInvalidProgram, i+1, cb, err)
		}
		prog = append(prog, cb)
	}
	return prog, nil
}

// RunFile starts executing blocks in order. Every block is coupled,
// adjusted by opt and validated first; nothing is sent if any is rejected.
//
// Each block is sent only after the previous one was acknowledged. The
// first failure stops the run and leaves the machine in the error phase.
func (c *Coordinator) RunFile(blocks []gcode.Block, opt RunOptions) (*Job, error) {
	prog, err := c.prepare(blocks, opt)
	if err != nil {
		return nil, err
	}

	job, err := c.begin(PhaseRunningFile, len(prog))
	if err != nil {
		return nil, err
	}

	start := c.st.Snapshot()
	c.start(job, func(ctx context.Context) error {
		return c.runFile(ctx, job, prog, start)
	})
	return job, nil
}

func (c *Coordinator) runFile(ctx context.Context, job *Job, prog []gcode.Block, start State) error {
	vm := gcode.NewVM()
	vm.SetMPos(start.MPos)
	vm.SetWCO(start.WCO)

	for i, b := range prog {
		if job.stopping() {
			return c.stop(i)
		}

		// in-flight commands are allowed to complete, so no job context here
		err := c.send(context.Background(), grbl.Motion(b))
		if err != nil {
			c.holdAfterFailure()
			return fmt.Errorf("block %d '%s': %w", i+1, b, err)
		}
		vm.Run(b)
		c.st.commitProgress(i+1, vm)
	}
	if job.stopping() {
		return c.stop(len(prog))
	}

	// wait for the queued motion to finish
	err := c.send(ctx, grbl.Sync())
	if job.stopping() {
		return c.stop(len(prog))
	}
	if err != nil {
		c.holdAfterFailure()
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

// holdAfterFailure stops motion that was already queued when a command fails.
func (c *Coordinator) holdAfterFailure() {
	err := c.a.FeedHold()
	if err != nil {
		log.WithError(err).Warnln("feed hold after failure")
	}
}

// stop halts a canceled run.
func (c *Coordinator) stop(sent int) error {
	log.WithField("sent", sent).Infoln("canceling run")
	err := c.halt(context.Background())
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return ErrCanceled
}

// Cancel stops the running file. No further blocks are sent, motion is
// stopped with a feed hold and the planner is cleared.
//
// It returns once the machine is idle again.
func (c *Coordinator) Cancel(ctx context.Context) error {
	job := c.Job()
	if job == nil || job.Kind != PhaseRunningFile {
		return ErrNotRunning
	}

	job.requestStop()
	// only interrupts waiting for the final sync
	job.cancel()

	select {
	case <-job.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	err := job.Err()
	if err == nil || errors.Is(err, ErrCanceled) {
		return nil
	}
	return err
}
