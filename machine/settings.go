package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mastercactapus/lasercnc/grbl"
)

// ErrInvalidSetting is returned for a setting value that is out of range.
// Nothing is sent.
var ErrInvalidSetting = errors.New("machine: invalid setting")

// SettingsUpdate holds the settings to change. Nil fields are left alone.
//
// Y values are written to both the Y and Z settings.
type SettingsUpdate struct {
	StepsPerMMX *float64 `json:"stepsPerMMX,omitempty"`
	StepsPerMMY *float64 `json:"stepsPerMMY,omitempty"`

	MaxRateX *float64 `json:"maxRateX,omitempty"`
	MaxRateY *float64 `json:"maxRateY,omitempty"`

	AccelX *float64 `json:"accelX,omitempty"`
	AccelY *float64 `json:"accelY,omitempty"`

	StepIdleDelay *float64 `json:"stepIdleDelay,omitempty"`
}

// settingWrite is one value and the settings it goes to. Y values go to
// the Y and Z settings together.
type settingWrite struct {
	nums []int
	val  float64
}

// writes returns the settings to send, in order.
func (u SettingsUpdate) writes() ([]settingWrite, error) {
	var res []settingWrite
	add := func(name string, v *float64, max float64, nums ...int) error {
		if v == nil {
			return nil
		}
		if *v <= 0 || (max > 0 && *v > max) {
			return fmt.Errorf("%w: %s=%g", ErrInvalidSetting, name, *v)
		}
		res = append(res, settingWrite{nums: nums, val: *v})
		return nil
	}

	err := errors.Join(
		add("stepsPerMMX", u.StepsPerMMX, 0, grbl.SettingStepsPerMMX),
		add("stepsPerMMY", u.StepsPerMMY, 0, grbl.SettingStepsPerMMY, grbl.SettingStepsPerMMZ),
		add("maxRateX", u.MaxRateX, 0, grbl.SettingMaxRateX),
		add("maxRateY", u.MaxRateY, 0, grbl.SettingMaxRateY, grbl.SettingMaxRateZ),
		add("accelX", u.AccelX, 0, grbl.SettingAccelX),
		add("accelY", u.AccelY, 0, grbl.SettingAccelY, grbl.SettingAccelZ),
	)
	if err != nil {
		return nil, err
	}

	// 0 is valid for the idle delay, 255 keeps the motors enabled
	if v := u.StepIdleDelay; v != nil {
		if *v < 0 || *v > 255 {
			return nil, fmt.Errorf("%w: stepIdleDelay=%g", ErrInvalidSetting, *v)
		}
		res = append(res, settingWrite{nums: []int{grbl.SettingStepIdleDelay}, val: *v})
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: nothing to change", ErrInvalidSetting)
	}
	return res, nil
}

// SetSettings writes the changed settings one at a time. Each value is
// recorded only after the controller acknowledges it; the first failure
// stops the update. A Y value that fails half way is rolled back on both
// motors.
func (c *Coordinator) SetSettings(ctx context.Context, u SettingsUpdate) error {
	writes, err := u.writes()
	if err != nil {
		return err
	}

	return c.do(ctx, PhaseConfiguring, func(ctx context.Context) error {
		for _, w := range writes {
			err := c.writeMirrored(ctx, w.val, w.nums...)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
