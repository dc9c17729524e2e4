package machine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mastercactapus/lasercnc/grbl"
	"github.com/mastercactapus/lasercnc/grbl/grbltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestCoordinator_LoadSettings(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)

	s := r.st.Snapshot().Settings
	assert.Equal(t, 250.0, s.StepsPerMM.X)
	assert.Equal(t, 40.0, s.StepsPerMM.Y)
	assert.Equal(t, 40.0, s.StepsPerMM.Z)
	assert.Equal(t, 20000.0, s.MaxRate.Y)
	assert.Equal(t, 1000.0, s.Acceleration.X)
	assert.Equal(t, 25.0, s.StepIdleDelay)
}

func TestCoordinator_SetSettings(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	base := len(r.ctrl.Sent())

	err := r.c.SetSettings(context.Background(), SettingsUpdate{
		StepsPerMMY: fp(40.5),
		MaxRateX:    fp(15000),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"$101=40.5", "$102=40.5", "$110=15000"}, r.ctrl.Sent()[base:])

	s := r.st.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, 40.5, s.Settings.StepsPerMM.Y)
	assert.Equal(t, 40.5, s.Settings.StepsPerMM.Z)
	assert.Equal(t, 15000.0, s.Settings.MaxRate.X)
}

func TestCoordinator_SetSettings_Invalid(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	base := len(r.ctrl.Sent())

	err := r.c.SetSettings(context.Background(), SettingsUpdate{StepsPerMMX: fp(-1)})
	assert.ErrorIs(t, err, ErrInvalidSetting)
	err = r.c.SetSettings(context.Background(), SettingsUpdate{StepIdleDelay: fp(256)})
	assert.ErrorIs(t, err, ErrInvalidSetting)
	err = r.c.SetSettings(context.Background(), SettingsUpdate{})
	assert.ErrorIs(t, err, ErrInvalidSetting)

	assert.Len(t, r.ctrl.Sent(), base)
	assert.Equal(t, PhaseIdle, r.st.Snapshot().Phase)
}

func TestCoordinator_SetSettings_Timeout(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{Setting: 20 * time.Millisecond}, nil)
	base := len(r.ctrl.Sent())
	r.ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		if line == "$102=41" {
			return grbltest.Silent()
		}
		return nil
	}

	err := r.c.SetSettings(context.Background(), SettingsUpdate{StepsPerMMY: fp(41)})
	assert.ErrorIs(t, err, grbl.ErrCommandTimeout)

	// both motors are put back after a reset
	assert.Equal(t, []string{"$101=41", "$102=41", "$101=40", "$102=40"}, r.ctrl.Sent()[base:])
	assert.Contains(t, r.ctrl.Realtime(), grbl.CmdReset)
	assert.Equal(t, 40.0, r.ctrl.Setting(grbl.SettingStepsPerMMY))
	assert.Equal(t, 40.0, r.ctrl.Setting(grbl.SettingStepsPerMMZ))

	s := r.st.Snapshot()
	assert.Equal(t, PhaseError, s.Phase)
	assert.Equal(t, 40.0, s.Settings.StepsPerMM.Y)
	assert.Equal(t, 40.0, s.Settings.StepsPerMM.Z)
	assert.False(t, s.Degraded)
	assert.False(t, r.drv.Degraded())

	require.NoError(t, r.c.Reset(context.Background()))
	assert.Equal(t, PhaseIdle, r.st.Snapshot().Phase)
}

func TestCoordinator_SetSettings_Rollback(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	base := len(r.ctrl.Sent())
	r.ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		if line == "$102=80" {
			return grbltest.Respond("error:3")
		}
		return nil
	}

	err := r.c.SetSettings(context.Background(), SettingsUpdate{StepsPerMMY: fp(80)})
	var gErr *grbl.GrblError
	require.True(t, errors.As(err, &gErr))
	assert.Equal(t, 3, gErr.Code)

	assert.Equal(t, []string{"$101=80", "$102=80", "$101=40", "$102=40"}, r.ctrl.Sent()[base:])
	assert.Equal(t, 40.0, r.ctrl.Setting(grbl.SettingStepsPerMMY))
	assert.Equal(t, 40.0, r.ctrl.Setting(grbl.SettingStepsPerMMZ))

	s := r.st.Snapshot()
	assert.Equal(t, PhaseError, s.Phase)
	assert.NoError(t, s.Settings.mismatch())

	// a file runs normally after the reset
	require.NoError(t, r.c.Reset(context.Background()))
	job, err := r.c.RunFile(blocks("G0 X1 Y1"), RunOptions{})
	require.NoError(t, err)
	require.NoError(t, job.Wait())
	assertNear(t, 1, r.ctrl.MPos().Z, "second Y motor")
}

func TestCoordinator_SettingsMismatch(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)

	// changed behind our back
	r.ctrl.Default("$102=41")
	require.NoError(t, r.c.LoadSettings(context.Background()))
	base := len(r.ctrl.Sent())
	ctx := context.Background()

	_, err := r.c.RunFile(blocks("G0 X1 Y1"), RunOptions{})
	assert.ErrorIs(t, err, ErrSettingsMismatch)
	_, err = r.c.Home()
	assert.ErrorIs(t, err, ErrSettingsMismatch)
	_, err = r.c.Calibrate(CalibrateOptions{})
	assert.ErrorIs(t, err, ErrSettingsMismatch)
	assert.ErrorIs(t, r.c.Jog(ctx, JogOptions{X: 1}), ErrSettingsMismatch)
	assert.ErrorIs(t, r.c.GoHome(ctx, 0), ErrSettingsMismatch)

	assert.Len(t, r.ctrl.Sent(), base)
	assert.Empty(t, r.ctrl.Realtime())
	assert.Equal(t, PhaseIdle, r.st.Snapshot().Phase)

	// writing Y fixes both
	require.NoError(t, r.c.SetSettings(ctx, SettingsUpdate{StepsPerMMY: fp(40)}))
	assert.NoError(t, r.c.Jog(ctx, JogOptions{X: 1}))
}

func TestCoordinator_Jog(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	base := len(r.ctrl.Sent())
	ctx := context.Background()

	require.NoError(t, r.c.Jog(ctx, JogOptions{X: 10, Y: 5}))
	require.NoError(t, r.c.Jog(ctx, JogOptions{Y: -2, Feed: 500}))
	assert.ErrorIs(t, r.c.Jog(ctx, JogOptions{}), ErrZeroJog)

	require.NoError(t, r.c.GoHome(ctx, 0))

	sent := r.ctrl.Sent()[base:]
	assert.Equal(t, []string{
		"$J=G91G21X10Y5Z5F3000",
		"G4P0",
		"$J=G91G21Y-2Z-2F500",
		"G4P0",
		"G90G1X0Y0Z0F20000",
		"G4P0",
	}, sent)
	assertCoupled(t, sent)
	assert.Equal(t, PhaseIdle, r.st.Snapshot().Phase)
}

func TestCoordinator_Jog_Canceled(t *testing.T) {
	r := newTestRig(t, grbl.Timeouts{}, nil)
	r.ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		if line == "G4P0" {
			// the move is still running when the caller gives up
			return grbltest.Silent()
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.c.Jog(ctx, JogOptions{Y: 500})
	assert.ErrorIs(t, err, ErrCanceled)

	rt := r.ctrl.Realtime()
	assert.Contains(t, rt, grbl.CmdFeedHold)
	assert.Contains(t, rt, grbl.CmdReset)
	assert.Equal(t, "$X", r.ctrl.Sent()[len(r.ctrl.Sent())-1])

	s := r.st.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.False(t, s.Degraded)
	assert.False(t, r.drv.Degraded())
}
