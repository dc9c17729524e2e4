package machine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mastercactapus/lasercnc/grbl"
	"gopkg.in/yaml.v3"
)

// AxisProfile describes the travel of one axis between its limit switches.
type AxisProfile struct {
	// Length is the known travel between the switches in mm.
	Length float64 `yaml:"length"`

	PositiveSwitches []int `yaml:"positive_switches"`
	NegativeSwitches []int `yaml:"negative_switches"`

	// DefaultStepsPerMM is used when the controller has no value.
	DefaultStepsPerMM float64 `yaml:"default_steps_per_mm"`

	// SeekFeed is the feed rate used for the fast seek.
	SeekFeed float64 `yaml:"seek_feed"`
}

// OutlineProfile configures tracing the work area after calibration.
type OutlineProfile struct {
	Margin float64 `yaml:"margin"`
	Feed   float64 `yaml:"feed"`
}

// Profile holds the geometry and motion parameters of the machine used
// for homing, calibration and jogging.
type Profile struct {
	X AxisProfile `yaml:"x"`
	Y AxisProfile `yaml:"y"`

	// SeekDistance is the length of the long move of a fast seek.
	SeekDistance float64 `yaml:"seek_distance"`

	FineStep      float64 `yaml:"fine_step"`
	FineFeed      float64 `yaml:"fine_feed"`
	FineMaxTravel float64 `yaml:"fine_max_travel"`

	TravelFeed   float64 `yaml:"travel_feed"`
	JogFeed      float64 `yaml:"jog_feed"`
	SafetyMargin float64 `yaml:"safety_margin"`

	// Step idle delay while homing (motors stay locked) and afterwards.
	LockIdleDelay float64 `yaml:"lock_idle_delay"`
	IdleDelay     float64 `yaml:"idle_delay"`

	SeekTimeout  time.Duration `yaml:"seek_timeout"`
	HoldTimeout  time.Duration `yaml:"hold_timeout"`
	SwitchSettle time.Duration `yaml:"switch_settle"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxSkew is the Y/Z difference in mm that is logged as a warning.
	MaxSkew float64 `yaml:"max_skew"`

	Outline  OutlineProfile `yaml:"outline"`
	Timeouts grbl.Timeouts  `yaml:"timeouts"`
}

// DefaultProfile returns the profile of the stock machine.
func DefaultProfile() Profile {
	return Profile{
		X: AxisProfile{
			Length:            291,
			PositiveSwitches:  []int{3},
			NegativeSwitches:  []int{2},
			DefaultStepsPerMM: 250,
			SeekFeed:          800,
		},
		Y: AxisProfile{
			Length:            899,
			PositiveSwitches:  []int{0, 1},
			NegativeSwitches:  []int{4, 5},
			DefaultStepsPerMM: 40,
			SeekFeed:          1200,
		},
		SeekDistance:  1000,
		FineStep:      0.1,
		FineFeed:      200,
		FineMaxTravel: 20,
		TravelFeed:    20000,
		JogFeed:       3000,
		SafetyMargin:  5,
		LockIdleDelay: 255,
		IdleDelay:     25,
		SeekTimeout:   90 * time.Second,
		HoldTimeout:   10 * time.Second,
		SwitchSettle:  50 * time.Millisecond,
		PollInterval:  50 * time.Millisecond,
		MaxSkew:       0.5,
		Outline:       OutlineProfile{Margin: 10, Feed: 6000},
		Timeouts:      grbl.DefaultTimeouts,
	}
}

// LoadProfile reads a yaml profile. Missing values keep their defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	err = yaml.Unmarshal(data, &p)
	if err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, p.Validate()
}

func (a AxisProfile) validate(name string) error {
	if a.Length <= 0 {
		return fmt.Errorf("%s: length must be positive", name)
	}
	if len(a.PositiveSwitches) == 0 || len(a.NegativeSwitches) == 0 {
		return fmt.Errorf("%s: both limit switch sets are required", name)
	}
	if a.SeekFeed <= 0 || a.DefaultStepsPerMM <= 0 {
		return fmt.Errorf("%s: seek feed and steps/mm must be positive", name)
	}
	return nil
}

// Validate checks the profile for values that would make motion unsafe.
func (p Profile) Validate() error {
	if err := p.X.validate("x"); err != nil {
		return err
	}
	if err := p.Y.validate("y"); err != nil {
		return err
	}
	if p.FineStep <= 0 || p.FineFeed <= 0 || p.TravelFeed <= 0 || p.JogFeed <= 0 {
		return errors.New("fine step and feed rates must be positive")
	}
	if p.SeekDistance < p.X.Length || p.SeekDistance < p.Y.Length {
		return errors.New("seek distance must cover the longest axis")
	}
	if p.SafetyMargin <= 0 || 2*p.SafetyMargin >= p.X.Length {
		return errors.New("safety margin must be positive and fit the axis")
	}
	if p.FineMaxTravel < p.SafetyMargin {
		return errors.New("fine max travel must cover the safety margin")
	}
	if 2*p.Outline.Margin >= p.X.Length || 2*p.Outline.Margin >= p.Y.Length {
		return errors.New("outline margin does not fit the work area")
	}
	if p.SeekTimeout <= 0 || p.HoldTimeout <= 0 || p.PollInterval <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
