package machine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl"
	log "github.com/sirupsen/logrus"
)

// Phase is what the machine is currently doing.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseHoming      Phase = "homing"
	PhaseCalibrating Phase = "calibrating"
	PhaseRunningFile Phase = "running"
	PhaseJogging     Phase = "jogging"
	PhaseConfiguring Phase = "configuring"
	PhaseError       Phase = "error"
)

// moves reports if jobs of this kind drive the motors.
func (p Phase) moves() bool {
	switch p {
	case PhaseHoming, PhaseCalibrating, PhaseRunningFile, PhaseJogging:
		return true
	}
	return false
}

// Settings are the controller settings this machine cares about.
//
// Z mirrors Y since it drives the second Y motor.
type Settings struct {
	StepsPerMM    coord.Point `json:"stepsPerMM"`
	MaxRate       coord.Point `json:"maxRate"`
	Acceleration  coord.Point `json:"acceleration"`
	StepIdleDelay float64     `json:"stepIdleDelay"`
}

func (s *Settings) field(num int) *float64 {
	switch num {
	case grbl.SettingStepIdleDelay:
		return &s.StepIdleDelay
	case grbl.SettingStepsPerMMX:
		return &s.StepsPerMM.X
	case grbl.SettingStepsPerMMY:
		return &s.StepsPerMM.Y
	case grbl.SettingStepsPerMMZ:
		return &s.StepsPerMM.Z
	case grbl.SettingMaxRateX:
		return &s.MaxRate.X
	case grbl.SettingMaxRateY:
		return &s.MaxRate.Y
	case grbl.SettingMaxRateZ:
		return &s.MaxRate.Z
	case grbl.SettingAccelX:
		return &s.Acceleration.X
	case grbl.SettingAccelY:
		return &s.Acceleration.Y
	case grbl.SettingAccelZ:
		return &s.Acceleration.Z
	}
	return nil
}

// apply records a single acknowledged setting.
func (s *Settings) apply(num int, val float64) {
	if f := s.field(num); f != nil {
		*f = val
	}
}

// value returns a tracked setting.
func (s Settings) value(num int) (float64, bool) {
	f := s.field(num)
	if f == nil {
		return 0, false
	}
	return *f, true
}

// mismatch returns ErrSettingsMismatch if any Y setting differs from its
// Z twin.
func (s Settings) mismatch() error {
	var errs []error
	check := func(name string, p coord.Point) {
		if p.Y != p.Z {
			errs = append(errs, fmt.Errorf("%s Y=%g Z=%g", name, p.Y, p.Z))
		}
	}
	check("steps/mm", s.StepsPerMM)
	check("max rate", s.MaxRate)
	check("acceleration", s.Acceleration)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSettingsMismatch, errors.Join(errs...))
}

// JobInfo describes the active job.
type JobInfo struct {
	Kind    Phase     `json:"kind"`
	Total   int       `json:"total"`
	Cursor  int       `json:"cursor"`
	Started time.Time `json:"started"`

	// Laser state after the last acknowledged block of a file.
	LaserOn bool    `json:"laserOn"`
	Feed    float64 `json:"feed"`
	Power   float64 `json:"power"`
}

// State is a snapshot of everything known about the machine.
type State struct {
	Phase Phase  `json:"phase"`
	Fault string `json:"fault,omitempty"`

	// Status is the controller state from the last status report.
	Status string      `json:"status"`

	// Degraded is set while the controller needs a soft reset before it
	// accepts commands.
	Degraded bool `json:"degraded"`

	MPos   coord.Point `json:"mpos"`
	WPos   coord.Point `json:"wpos"`
	WCO    coord.Point `json:"wco"`

	// Target is the machine position the acknowledged commands end at.
	Target coord.Point `json:"target"`

	Settings Settings `json:"settings"`
	Job      *JobInfo `json:"job,omitempty"`

	Homed       bool         `json:"homed"`
	Calibration *Calibration `json:"calibration,omitempty"`

	Updated time.Time `json:"updated"`
}

// Skew is how far apart the two Y motors are.
func (s State) Skew() float64 { return s.MPos.Skew() }

func (s State) clone() State {
	if s.Job != nil {
		j := *s.Job
		s.Job = &j
	}
	if s.Calibration != nil {
		c := *s.Calibration
		c.Axes = append([]AxisCalibration(nil), c.Axes...)
		s.Calibration = &c
	}
	return s
}

// Store holds the machine state. It is safe for concurrent use.
type Store struct {
	mx      sync.RWMutex
	s       State
	subs    map[chan State]struct{}
	maxSkew float64
	skewed  bool
}

// NewStore returns an idle Store. A non-zero maxSkew logs a warning
// whenever a status report shows the Y motors further apart.
func NewStore(maxSkew float64) *Store {
	return &Store{
		s:       State{Phase: PhaseIdle, Updated: time.Now()},
		subs:    make(map[chan State]struct{}),
		maxSkew: maxSkew,
	}
}

// Snapshot returns a copy of the current state.
func (st *Store) Snapshot() State {
	st.mx.RLock()
	defer st.mx.RUnlock()
	return st.s.clone()
}

// Subscribe returns a channel that receives the latest state after every
// change. Slow readers only see the most recent state.
func (st *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	st.mx.Lock()
	st.subs[ch] = struct{}{}
	ch <- st.s.clone()
	st.mx.Unlock()

	return ch, func() {
		st.mx.Lock()
		delete(st.subs, ch)
		st.mx.Unlock()
	}
}

func (st *Store) update(fn func(s *State)) {
	st.mx.Lock()
	defer st.mx.Unlock()
	fn(&st.s)
	st.s.Updated = time.Now()

	for ch := range st.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st.s.clone()
	}
}

func (st *Store) applyStatus(stat grbl.Status, degraded bool) {
	st.update(func(s *State) {
		s.Status = stat.State
		s.Degraded = degraded
		s.MPos = stat.MPos
		s.WPos = stat.WPos
		s.WCO = stat.WCO
	})

	if st.maxSkew <= 0 {
		return
	}
	skewed := math.Abs(stat.MPos.Skew()) > st.maxSkew
	st.mx.Lock()
	changed := skewed != st.skewed
	st.skewed = skewed
	st.mx.Unlock()
	if skewed && changed {
		log.WithFields(log.Fields{"y": stat.MPos.Y, "z": stat.MPos.Z}).Warnln("Y motors out of sync")
	}
}

func (st *Store) setDegraded(degraded bool) {
	st.update(func(s *State) { s.Degraded = degraded })
}

func (st *Store) setPhase(p Phase, job *JobInfo) {
	st.update(func(s *State) {
		s.Phase = p
		s.Job = job
		if p != PhaseError {
			s.Fault = ""
		}
	})
}

// fail enters the error phase. Job info is kept to show how far it got.
func (st *Store) fail(err error) {
	st.update(func(s *State) {
		s.Phase = PhaseError
		s.Fault = err.Error()
	})
}

// commitSetting records a setting after the controller accepted it.
func (st *Store) commitSetting(num int, val float64) {
	st.update(func(s *State) { s.Settings.apply(num, val) })
}

func (st *Store) commitSettings(vals map[int]float64) {
	st.update(func(s *State) {
		for num, val := range vals {
			s.Settings.apply(num, val)
		}
	})
}

// commitProgress records that cursor commands were acknowledged and the
// state they are expected to leave the machine in.
func (st *Store) commitProgress(cursor int, vm *gcode.VM) {
	st.update(func(s *State) {
		if s.Job != nil {
			s.Job.Cursor = cursor
			s.Job.LaserOn = vm.LaserOn()
			s.Job.Feed = vm.Feed()
			s.Job.Power = vm.Power()
		}
		s.Target = vm.MPos()
	})
}
