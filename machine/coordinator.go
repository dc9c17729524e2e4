package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned when another operation is in progress. Nothing
	// is sent to the controller.
	ErrBusy = errors.New("machine: busy")

	// ErrFaulted is returned, wrapped with ErrBusy, while in the error
	// phase; Reset is required.
	ErrFaulted = errors.New("machine: in error state, reset required")

	// ErrNotRunning is returned by Cancel when no file is running.
	ErrNotRunning = errors.New("machine: no file running")

	// ErrCanceled is the result of a canceled job.
	ErrCanceled = errors.New("machine: canceled")

	// ErrInvalidProgram is returned by RunFile before anything is sent.
	ErrInvalidProgram = errors.New("machine: invalid program")

	// ErrLimitTimeout is returned when a limit switch is not reached.
	ErrLimitTimeout = errors.New("machine: limit switch not reached")

	// ErrHoldTimeout is returned when motion does not stop after a feed hold.
	ErrHoldTimeout = errors.New("machine: feed hold did not complete")

	// ErrSettingsMismatch is returned instead of starting motion while the
	// Y and Z motors are configured differently.
	ErrSettingsMismatch = errors.New("machine: Y and Z motor settings differ")
)

// Coordinator runs every operation on the machine, one at a time.
type Coordinator struct {
	a   Adapter
	lim LimitSensor
	st  *Store
	p   Profile

	mx  sync.Mutex
	job *Job
}

// NewCoordinator ties the controller, limit switches and store together.
// Status reports from a are recorded in st.
func NewCoordinator(a Adapter, lim LimitSensor, p Profile, st *Store) *Coordinator {
	a.OnStatus(func(s grbl.Status) { st.applyStatus(s, a.Degraded()) })
	return &Coordinator{a: a, lim: lim, st: st, p: p}
}

// Store returns the state store.
func (c *Coordinator) Store() *Store { return c.st }

// Profile returns the machine profile.
func (c *Coordinator) Profile() Profile { return c.p }

// Job returns the active job, if any.
func (c *Coordinator) Job() *Job {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.job
}

// begin claims the machine for a new job.
func (c *Coordinator) begin(kind Phase, total int) (*Job, error) {
	return c.claim(kind, total, false)
}

func (c *Coordinator) claim(kind Phase, total int, fromError bool) (*Job, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.job != nil {
		return nil, fmt.Errorf("%w: %s", ErrBusy, c.job.Kind)
	}
	s := c.st.Snapshot()
	if !fromError && s.Phase == PhaseError {
		return nil, fmt.Errorf("%w: %w", ErrBusy, ErrFaulted)
	}
	if kind.moves() {
		if err := s.Settings.mismatch(); err != nil {
			return nil, err
		}
	}

	job := newJob(kind)
	c.job = job
	c.st.setPhase(kind, &JobInfo{Kind: kind, Total: total, Started: job.Started})
	log.WithField("phase", kind).Infoln("started")
	return job, nil
}

// finish releases the machine. Any error other than cancellation leaves
// it in the error phase.
func (c *Coordinator) finish(job *Job, err error) {
	l := log.WithFields(log.Fields{"phase": job.Kind, "elapsed": time.Since(job.Started).Round(time.Millisecond)})
	c.st.setDegraded(c.a.Degraded())
	switch {
	case err == nil:
		c.st.setPhase(PhaseIdle, nil)
		l.Infoln("complete")
	case errors.Is(err, ErrCanceled):
		c.st.setPhase(PhaseIdle, nil)
		l.Infoln("canceled")
	default:
		c.st.fail(err)
		l.WithError(err).Errorln("failed")
	}

	c.mx.Lock()
	c.job = nil
	c.mx.Unlock()

	job.err = err
	job.cancel()
	close(job.done)
}

// start runs fn for job in the background.
func (c *Coordinator) start(job *Job, fn func(ctx context.Context) error) {
	go func() {
		c.finish(job, fn(job.ctx))
	}()
}

// do runs fn for a short job and waits for it.
func (c *Coordinator) do(ctx context.Context, kind Phase, fn func(ctx context.Context) error) error {
	return c.run(ctx, kind, false, fn)
}

func (c *Coordinator) run(ctx context.Context, kind Phase, fromError bool, fn func(ctx context.Context) error) error {
	job, err := c.claim(kind, 0, fromError)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, job.cancel)
	defer stop()

	err = fn(job.ctx)
	if err != nil && ctx.Err() != nil {
		// the caller gave up, possibly mid-move
		hErr := c.halt(context.Background())
		if hErr != nil {
			err = errors.Join(err, fmt.Errorf("halt: %w", hErr))
		} else {
			err = ErrCanceled
		}
	}
	c.finish(job, err)
	return job.err
}

func (c *Coordinator) send(ctx context.Context, cmd grbl.Command) error {
	_, err := c.a.Send(ctx, cmd)
	return err
}

// runBlocks sends each block and waits for motion to finish.
func (c *Coordinator) runBlocks(ctx context.Context, blocks ...gcode.Block) error {
	for _, b := range blocks {
		b, err := Couple(b)
		if err != nil {
			return err
		}
		err = c.send(ctx, grbl.Motion(b))
		if err != nil {
			return err
		}
	}
	return c.send(ctx, grbl.Sync())
}

// writeMirrored writes val to every setting in nums. When a write fails,
// all of nums are put back to their previous values so the two Y motors
// are never left with different settings.
func (c *Coordinator) writeMirrored(ctx context.Context, val float64, nums ...int) error {
	old := c.st.Snapshot().Settings
	for _, num := range nums {
		err := c.writeSetting(ctx, num, val)
		if err == nil {
			continue
		}
		err = fmt.Errorf("set $%d: %w", num, err)
		if len(nums) > 1 {
			if rErr := c.restoreSettings(old, nums...); rErr != nil {
				return errors.Join(err, rErr)
			}
		}
		return err
	}
	return nil
}

// restoreSettings writes back the values in old. It runs after a failure,
// so it resets a degraded driver first and ignores the job context.
func (c *Coordinator) restoreSettings(old Settings, nums ...int) error {
	ctx := context.Background()
	if c.a.Degraded() {
		err := c.a.SoftReset(ctx)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	for _, num := range nums {
		val, ok := old.value(num)
		if !ok || val <= 0 {
			// never loaded; the mismatch check keeps motion disabled
			continue
		}
		err := c.writeSetting(ctx, num, val)
		if err != nil {
			return fmt.Errorf("restore $%d: %w", num, err)
		}
	}
	log.WithField("settings", nums).Warnln("restored after failed write")
	return nil
}

// writeSetting sends a setting and records it once acknowledged.
func (c *Coordinator) writeSetting(ctx context.Context, num int, val float64) error {
	err := c.send(ctx, grbl.SetSetting(num, val))
	if err != nil {
		return err
	}
	c.st.commitSetting(num, val)
	return nil
}

// waitHold polls status until motion has stopped after a feed hold.
func (c *Coordinator) waitHold(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.p.HoldTimeout)
	defer cancel()
	for {
		s, err := c.a.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ErrHoldTimeout
			}
			return err
		}
		switch s.Name() {
		case "Idle":
			return nil
		case "Hold":
			// Hold:1 is still decelerating
			if s.State == "Hold:0" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ErrHoldTimeout
		case <-time.After(c.p.PollInterval):
		}
	}
}

// halt stops all motion and discards anything still queued in the planner.
//
// The position is kept since motion is decelerated before the reset.
func (c *Coordinator) halt(ctx context.Context) error {
	err := c.a.FeedHold()
	if err != nil {
		return fmt.Errorf("feed hold: %w", err)
	}
	err = c.waitHold(ctx)
	if err != nil {
		return err
	}
	err = c.a.SoftReset(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, grbl.System("$X"))
}

// Reset recovers from the error phase: soft reset, unlock and Idle.
//
// The machine must be homed again afterwards.
func (c *Coordinator) Reset(ctx context.Context) error {
	return c.run(ctx, PhaseConfiguring, true, func(ctx context.Context) error {
		err := c.a.SoftReset(ctx)
		if err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		err = c.send(ctx, grbl.System("$X"))
		if err != nil {
			return fmt.Errorf("unlock: %w", err)
		}
		c.st.update(func(s *State) { s.Homed = false })
		return nil
	})
}

// LoadSettings reads the controller settings into the store.
func (c *Coordinator) LoadSettings(ctx context.Context) error {
	return c.do(ctx, PhaseConfiguring, func(ctx context.Context) error {
		vals, err := c.a.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		c.st.commitSettings(vals)
		if err := c.st.Snapshot().Settings.mismatch(); err != nil {
			log.WithError(err).Warnln("motion disabled until the Y and Z settings match")
		}
		return nil
	})
}
