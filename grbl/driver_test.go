package grbl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl/grbltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, tm Timeouts) (*Driver, *grbltest.Controller) {
	t.Helper()
	ctrl := grbltest.NewController()
	d := NewDriver(ctrl, tm)
	t.Cleanup(func() { d.Close() })
	return d, ctrl
}

func block(s string) gcode.Block { return gcode.MustParse(s)[0] }

func TestDriver_Send(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})
	ctx := context.Background()

	_, err := d.Send(ctx, Motion(block("G1 X10 Y5 Z5 F1000")))
	require.NoError(t, err)
	assert.Equal(t, []string{"G1X10Y5Z5F1000"}, ctrl.Sent())
	assert.Equal(t, coord.Point{X: 10, Y: 5, Z: 5}, ctrl.MPos())
}

func TestDriver_Send_Error(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})
	ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		return grbltest.Respond("error:22")
	}

	_, err := d.Send(context.Background(), Motion(block("G1 X10")))
	var gErr *GrblError
	require.True(t, errors.As(err, &gErr))
	assert.Equal(t, 22, gErr.Code)
	assert.Equal(t, "G1X10", gErr.Line)
	assert.Contains(t, err.Error(), "Feed rate has not yet been set")

	// errors do not degrade the connection
	assert.False(t, d.Degraded())
}

func TestDriver_Send_Pending(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})
	gate := make(chan struct{})
	ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		if n == 1 {
			return &grbltest.Reply{Lines: []string{"ok"}, Gate: gate}
		}
		return nil
	}

	first := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), Motion(block("G1 X1")))
		first <- err
	}()
	require.Eventually(t, func() bool { return len(ctrl.Sent()) == 1 }, time.Second, time.Millisecond)

	_, err := d.Send(context.Background(), Motion(block("G1 X2")))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Len(t, ctrl.Sent(), 1, "nothing written while a command is pending")

	close(gate)
	assert.NoError(t, <-first)

	_, err = d.Send(context.Background(), Motion(block("G1 X2")))
	assert.NoError(t, err)
}

func TestDriver_Send_Timeout(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{Motion: 20 * time.Millisecond})
	ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		if n == 1 {
			return grbltest.Silent()
		}
		return nil
	}
	ctx := context.Background()

	_, err := d.Send(ctx, Motion(block("G1 X1")))
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.True(t, d.Degraded())

	_, err = d.Send(ctx, Motion(block("G1 X2")))
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Len(t, ctrl.Sent(), 1)

	require.NoError(t, d.SoftReset(ctx))
	assert.False(t, d.Degraded())

	_, err = d.Send(ctx, Motion(block("G1 X2")))
	assert.NoError(t, err)
}

func TestDriver_Send_Canceled(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})
	ctrl.Intercept = func(n int, line string) *grbltest.Reply { return grbltest.Silent() }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := d.Send(ctx, Motion(block("G1 X1")))
	assert.ErrorIs(t, err, context.Canceled)

	// a late ok must not be taken for the next command
	assert.True(t, d.Degraded())
}

func TestDriver_Send_Reset(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})
	ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		return grbltest.Respond(grbltest.Welcome)
	}

	_, err := d.Send(context.Background(), Sync())
	assert.ErrorIs(t, err, ErrGrblReset)
	assert.True(t, d.Degraded())
}

func TestDriver_Send_Alarm(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})
	ctrl.Intercept = func(n int, line string) *grbltest.Reply {
		return grbltest.Respond("ALARM:1")
	}

	_, err := d.Send(context.Background(), Sync())
	var aErr *AlarmError
	require.True(t, errors.As(err, &aErr))
	assert.Equal(t, 1, aErr.Code)
	assert.True(t, d.Degraded())
}

func TestDriver_Settings(t *testing.T) {
	d, _ := newTestDriver(t, Timeouts{})

	vals, err := d.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250.0, vals[SettingStepsPerMMX])
	assert.Equal(t, 40.0, vals[SettingStepsPerMMY])
	assert.Equal(t, 25.0, vals[SettingStepIdleDelay])
}

func TestDriver_Status(t *testing.T) {
	d, _ := newTestDriver(t, Timeouts{})
	ctx := context.Background()

	reports := make(chan Status, 10)
	d.OnStatus(func(s Status) { reports <- s })

	_, err := d.Send(ctx, Motion(block("G0 X10 Y20 Z20")))
	require.NoError(t, err)
	_, err = d.Send(ctx, Motion(block("G92 X0 Y0 Z0")))
	require.NoError(t, err)

	s, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Idle", s.State)
	assert.Equal(t, coord.Point{X: 10, Y: 20, Z: 20}, s.MPos)
	assert.Equal(t, coord.Point{X: 10, Y: 20, Z: 20}, s.WCO)
	assert.Equal(t, coord.Point{}, s.WPos)

	assert.Equal(t, s.MPos, (<-reports).MPos)
}

func TestDriver_Status_WPosOnly(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})

	reports := make(chan Status, 10)
	d.OnStatus(func(s Status) { reports <- s })

	ctrl.Push("<Idle|WPos:1.000,2.000,2.000|WCO:5.000,5.000,5.000>")
	ctrl.Push("<Idle|WPos:2.000,2.000,2.000>")

	<-reports
	s := <-reports
	assert.Equal(t, coord.Point{X: 7, Y: 7, Z: 7}, s.MPos)
}

func TestDriver_UnexpectedReset(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})

	ctrl.Push(grbltest.Welcome)
	require.Eventually(t, d.Degraded, time.Second, time.Millisecond)

	_, err := d.Send(context.Background(), Sync())
	assert.ErrorIs(t, err, ErrDegraded)
}

func TestDriver_Realtime(t *testing.T) {
	d, ctrl := newTestDriver(t, Timeouts{})

	require.NoError(t, d.FeedHold())
	require.NoError(t, d.SoftReset(context.Background()))

	assert.Equal(t, []byte{'!', 0x18}, ctrl.Realtime())
}

func TestDriver_Close(t *testing.T) {
	d, _ := newTestDriver(t, Timeouts{})
	require.NoError(t, d.Close())

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}

	_, err := d.Send(context.Background(), Sync())
	assert.ErrorIs(t, err, ErrClosed)
}
