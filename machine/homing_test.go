package machine

import (
	"strings"
	"testing"
	"time"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/mastercactapus/lasercnc/grbl"
	"github.com/mastercactapus/lasercnc/grbl/grbltest"
	"github.com/mastercactapus/lasercnc/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_Home(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	r.ctrl.SetMPos(coord.Point{X: 100, Y: 300, Z: 300})

	job, err := r.c.Home()
	require.NoError(t, err)
	require.NoError(t, job.Wait())

	p := r.c.Profile()
	mpos := r.ctrl.MPos()
	assertNear(t, p.X.Length/2, mpos.X, "x center")
	assertNear(t, p.Y.Length/2, mpos.Y, "y center")
	assertNear(t, mpos.Y, mpos.Z, "y motors")
	assert.Equal(t, mpos, r.ctrl.WCO(), "center is the origin")

	sent := r.ctrl.Sent()
	assertCoupled(t, sent)
	assert.Contains(t, sent, "$1=255")
	assert.Equal(t, "$1=25", sent[len(sent)-1])
	assert.Equal(t, 25.0, r.ctrl.Setting(grbl.SettingStepIdleDelay))

	s := r.st.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.True(t, s.Homed)
	assert.Equal(t, 25.0, s.Settings.StepIdleDelay)
}

func TestCoordinator_Home_LimitTimeout(t *testing.T) {
	// the switches are never reached
	r := newTestRig(t, grbl.Timeouts{}, &grbltest.Bounds{
		Min: coord.Point{X: -5000, Y: -5000, Z: -5000},
		Max: coord.Point{X: 5000, Y: 5000, Z: 5000},
	})
	r.c.p.SeekTimeout = 20 * time.Millisecond

	job, err := r.c.Home()
	require.NoError(t, err)
	assert.ErrorIs(t, job.Wait(), ErrLimitTimeout)

	// motion was stopped
	assert.Contains(t, r.ctrl.Realtime(), grbl.CmdFeedHold)

	// the motors may idle again
	assert.Equal(t, "$1=25", lastSetting(r.ctrl.Sent(), grbl.SettingStepIdleDelay))
	assert.Equal(t, 25.0, r.ctrl.Setting(grbl.SettingStepIdleDelay))

	s := r.st.Snapshot()
	assert.Equal(t, PhaseError, s.Phase)
	assert.False(t, s.Homed)
}

func TestCoordinator_Home_StaleLimits(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	r.ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		if strings.HasPrefix(line, "G91G1Y") {
			// the limit controller goes quiet as soon as the seek starts
			r.lim.stale.Store(true)
		}
		return nil
	}

	job, err := r.c.Home()
	require.NoError(t, err)
	err = job.Wait()
	assert.ErrorIs(t, err, limits.ErrStale)
	assert.NotErrorIs(t, err, ErrLimitTimeout)

	assert.Contains(t, r.ctrl.Realtime(), grbl.CmdFeedHold)
	assert.Contains(t, r.ctrl.Realtime(), grbl.CmdReset)
	assert.Equal(t, "$1=25", lastSetting(r.ctrl.Sent(), grbl.SettingStepIdleDelay))

	s := r.st.Snapshot()
	assert.Equal(t, PhaseError, s.Phase)
	assert.Contains(t, s.Fault, "seek Y+")
	assert.False(t, s.Homed)
}

func TestCoordinator_Calibrate(t *testing.T) {
	p := testProfile()

	// steps/mm is 1% too low for Y and 2% too high for X
	r := newTestRig(t, grbl.Timeouts{}, &grbltest.Bounds{
		Max: coord.Point{X: p.X.Length * 0.98, Y: p.Y.Length * 1.01, Z: p.Y.Length * 1.01},
	})

	job, err := r.c.Calibrate(CalibrateOptions{Outline: true})
	require.NoError(t, err)
	require.NoError(t, job.Wait())

	assertNear(t, 40*1.01, r.ctrl.Setting(grbl.SettingStepsPerMMY), "$101")
	assertNear(t, 40*1.01, r.ctrl.Setting(grbl.SettingStepsPerMMZ), "$102")
	assertNear(t, 250*0.98, r.ctrl.Setting(grbl.SettingStepsPerMMX), "$100")

	s := r.st.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.True(t, s.Homed)
	assertNear(t, 40*1.01, s.Settings.StepsPerMM.Y, "stored Y")
	assertNear(t, 40*1.01, s.Settings.StepsPerMM.Z, "stored Z")
	assertNear(t, 250*0.98, s.Settings.StepsPerMM.X, "stored X")

	require.NotNil(t, s.Calibration)
	require.Len(t, s.Calibration.Axes, 2)
	assert.Equal(t, "Y", s.Calibration.Axes[0].Axis)
	assertNear(t, p.Y.Length*1.01, s.Calibration.Axes[0].MeasuredLength, "measured Y")
	assert.Equal(t, "X", s.Calibration.Axes[1].Axis)

	sent := r.ctrl.Sent()
	assertCoupled(t, sent)

	// outline ends back at the origin
	hx := p.X.Length/2 - p.Outline.Margin
	hy := p.Y.Length/2 - p.Outline.Margin
	assert.Equal(t, 135.5, hx)
	assert.Equal(t, 439.5, hy)
	assert.Contains(t, sent, "G90G1X-135.5Y-439.5Z-439.5F6000")
	assert.Contains(t, sent, "G90G1X0Y0Z0F6000")
	assertNear(t, 0, r.ctrl.MPos().Sub(r.ctrl.WCO()).X, "x origin")
}

func TestCoordinator_Calibrate_SettingRejected(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	r.ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		if strings.HasPrefix(line, "$101=") {
			return grbltest.Respond("error:12")
		}
		return nil
	}

	job, err := r.c.Calibrate(CalibrateOptions{})
	require.NoError(t, err)
	assert.Error(t, job.Wait())

	s := r.st.Snapshot()
	assert.Equal(t, PhaseError, s.Phase)
	assert.Equal(t, 40.0, s.Settings.StepsPerMM.Y, "rejected value is not stored")
	assert.Nil(t, s.Calibration)
}

func TestCoordinator_Calibrate_SingleAxis(t *testing.T) {
	p := testProfile()
	r := newTestRig(t, grbl.Timeouts{}, &grbltest.Bounds{
		Max: coord.Point{X: p.X.Length * 0.98, Y: p.Y.Length * 1.01, Z: p.Y.Length * 1.01},
	})
	base := len(r.ctrl.Sent())

	_, err := r.c.Calibrate(CalibrateOptions{Axes: []string{"z"}})
	assert.ErrorIs(t, err, ErrUnknownAxis)
	assert.Len(t, r.ctrl.Sent(), base)

	job, err := r.c.Calibrate(CalibrateOptions{Axes: []string{"X"}})
	require.NoError(t, err)
	require.NoError(t, job.Wait())

	sent := r.ctrl.Sent()[base:]
	for _, l := range motionLines(sent) {
		assert.NotContains(t, l, "Y", "Y is left alone")
	}
	assert.Contains(t, sent, "G90G92X0")
	assertNear(t, 250*0.98, r.ctrl.Setting(grbl.SettingStepsPerMMX), "$100")
	assert.Equal(t, 40.0, r.ctrl.Setting(grbl.SettingStepsPerMMY))

	s := r.st.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.False(t, s.Homed, "Y was never found")
	require.NotNil(t, s.Calibration)
	require.Len(t, s.Calibration.Axes, 1)
	assert.Equal(t, "X", s.Calibration.Axes[0].Axis)

	job, err = r.c.Calibrate(CalibrateOptions{Axes: []string{"y"}})
	require.NoError(t, err)
	require.NoError(t, job.Wait())
	assertNear(t, 40*1.01, r.ctrl.Setting(grbl.SettingStepsPerMMZ), "$102")

	s = r.st.Snapshot()
	require.Len(t, s.Calibration.Axes, 2)
	assert.Equal(t, "Y", s.Calibration.Axes[0].Axis)
	assert.Equal(t, "X", s.Calibration.Axes[1].Axis)
}

func TestAxis_Move(t *testing.T) {
	c := &Coordinator{p: testProfile()}

	b, err := Couple(c.axisY().move(-2.5, 200))
	require.NoError(t, err)
	assert.Equal(t, "G91G1Y-2.5Z-2.5F200", b.String())

	b, err = Couple(c.axisX().move(10, 800))
	require.NoError(t, err)
	assert.Equal(t, "G91G1X10F800", b.String())
}
