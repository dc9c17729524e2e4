package machine

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl"
	"github.com/mastercactapus/lasercnc/grbl/grbltest"
	"github.com/mastercactapus/lasercnc/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simLimits presses the switches of an axis when the simulated controller
// sits at its bound. Setting stale makes it behave like a limit controller
// that stopped reporting.
type simLimits struct {
	ctrl  *grbltest.Controller
	p     Profile
	stale atomic.Bool
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (s *simLimits) pressed(ids []int) (int, bool) {
	const eps = 1e-6
	pos := s.ctrl.MPos()
	b := s.ctrl.Bounds
	for _, id := range ids {
		switch {
		case contains(s.p.Y.PositiveSwitches, id) && pos.Y >= b.Max.Y-eps,
			contains(s.p.Y.NegativeSwitches, id) && pos.Y <= b.Min.Y+eps,
			contains(s.p.X.PositiveSwitches, id) && pos.X >= b.Max.X-eps,
			contains(s.p.X.NegativeSwitches, id) && pos.X <= b.Min.X+eps:
			return id, true
		}
	}
	return 0, false
}

func (s *simLimits) Pressed(ids ...int) (int, bool, error) {
	if s.stale.Load() {
		return 0, false, limits.ErrStale
	}
	id, ok := s.pressed(ids)
	return id, ok, nil
}

func (s *simLimits) WaitPressed(ctx context.Context, ids ...int) (int, error) {
	for {
		if s.stale.Load() {
			return 0, limits.ErrStale
		}
		if id, ok := s.pressed(ids); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func testProfile() Profile {
	p := DefaultProfile()
	p.FineStep = 1
	p.SwitchSettle = time.Millisecond
	p.PollInterval = time.Millisecond
	p.SeekTimeout = time.Second
	p.HoldTimeout = time.Second
	return p
}

type testRig struct {
	c    *Coordinator
	ctrl *grbltest.Controller
	drv  *grbl.Driver
	st   *Store
	lim  *simLimits
}

// newTestRig returns a coordinator for a simulated machine. With nil
// bounds the travel matches the profile exactly.
func newTestRig(t *testing.T, tm grbl.Timeouts, bounds *grbltest.Bounds) *testRig {
	t.Helper()
	p := testProfile()
	ctrl := grbltest.NewController()
	if bounds == nil {
		bounds = &grbltest.Bounds{
			Max: coord.Point{X: p.X.Length, Y: p.Y.Length, Z: p.Y.Length},
		}
	}
	ctrl.Bounds = bounds
	drv := grbl.NewDriver(ctrl, tm)
	t.Cleanup(func() { drv.Close() })

	st := NewStore(p.MaxSkew)
	lim := &simLimits{ctrl: ctrl, p: p}
	c := NewCoordinator(drv, lim, p, st)
	require.NoError(t, c.LoadSettings(context.Background()))

	return &testRig{c: c, ctrl: ctrl, drv: drv, st: st, lim: lim}
}

// motionLines returns the G-code lines sent, with the jog prefix removed.
func motionLines(sent []string) []string {
	var res []string
	for _, l := range sent {
		l = strings.TrimPrefix(l, "$J=")
		if strings.HasPrefix(l, "$") {
			continue
		}
		res = append(res, l)
	}
	return res
}

// assertCoupled checks that no line moves Y without an identical Z.
func assertCoupled(t *testing.T, sent []string) {
	t.Helper()
	for _, l := range motionLines(sent) {
		b := gcode.MustParse(l)[0]
		hasY, y := b.Arg('Y')
		hasZ, z := b.Arg('Z')
		assert.Equal(t, hasY, hasZ, l)
		assert.Equal(t, y, z, l)
	}
}

func assertNear(t *testing.T, exp, act float64, msg string) {
	t.Helper()
	assert.True(t, math.Abs(exp-act) < 1e-6, "%s: expected %g, got %g", msg, exp, act)
}

func blocks(s string) []gcode.Block { return gcode.MustParse(s) }

// lastSetting returns the last value sent for setting num.
func lastSetting(sent []string, num int) string {
	prefix := "$" + strconv.Itoa(num) + "="
	var last string
	for _, l := range sent {
		if strings.HasPrefix(l, prefix) {
			last = l
		}
	}
	return last
}
