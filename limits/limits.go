// Package limits reads the limit switch controller.
//
// The controller continuously prints one JSON object per line, e.g.
//
//	{"device":"limit-controller","switches":[{"id":0,"state":1},{"id":1,"state":0}]}
//
// where a state of 1 means the switch is pressed.
package limits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/lasercnc/serialport"
	log "github.com/sirupsen/logrus"
)

// DeviceName identifies reports from the limit controller.
const DeviceName = "limit-controller"

var (
	// ErrStale is returned when no report arrived recently enough to trust.
	ErrStale = errors.New("limits: no recent report")

	// ErrClosed is returned after the connection is closed.
	ErrClosed = errors.New("limits: closed")
)

// Switch is the state of a single switch.
type Switch struct {
	ID    int `json:"id"`
	State int `json:"state"`
}

// Report is a single line from the limit controller.
type Report struct {
	Device   string   `json:"device"`
	Switches []Switch `json:"switches"`
}

// ParseReport parses a report line. Lines from other devices are an error.
func ParseReport(line string) (*Report, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil, errors.New("not a JSON object")
	}
	var r Report
	err := json.Unmarshal([]byte(line), &r)
	if err != nil {
		return nil, err
	}
	if r.Device != DeviceName {
		return nil, fmt.Errorf("unexpected device '%s'", r.Device)
	}
	return &r, nil
}

// Conn is a line-framed connection, usually a *serialport.Conn.
type Conn interface {
	Receive(ctx context.Context) (serialport.Line, error)
	Close() error
}

// Controller tracks the most recent switch states.
type Controller struct {
	c      Conn
	maxAge time.Duration

	mx      sync.Mutex
	state   map[int]bool
	updated time.Time
	changed chan struct{}
	err     error

	done chan struct{}
}

// State is a point-in-time copy of all switch states.
type State struct {
	Switches map[int]bool `json:"switches"`
	Updated  time.Time    `json:"updated"`
}

// Pressed returns the pressed switch IDs in order.
func (s State) Pressed() []int {
	var ids []int
	for id, p := range s.Switches {
		if p {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// NewController starts reading reports from c. Reports older than maxAge
// are not trusted; zero disables the check.
func NewController(c Conn, maxAge time.Duration) *Controller {
	ctrl := &Controller{
		c:       c,
		maxAge:  maxAge,
		state:   make(map[int]bool),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go ctrl.loop()
	return ctrl
}

func (ctrl *Controller) loop() {
	defer close(ctrl.done)
	for {
		l, err := ctrl.c.Receive(context.Background())
		if errors.Is(err, serialport.ErrReadTimeout) {
			continue
		}
		if err != nil {
			ctrl.mx.Lock()
			ctrl.err = err
			close(ctrl.changed)
			ctrl.changed = make(chan struct{})
			ctrl.mx.Unlock()
			return
		}

		r, err := ParseReport(l.Text)
		if err != nil {
			log.Debugln("limits: ignored:", l.Text, err)
			continue
		}
		ctrl.update(r)
	}
}

func (ctrl *Controller) update(r *Report) {
	ctrl.mx.Lock()
	defer ctrl.mx.Unlock()
	for _, s := range r.Switches {
		ctrl.state[s.ID] = s.State == 1
	}
	ctrl.updated = time.Now()
	close(ctrl.changed)
	ctrl.changed = make(chan struct{})
}

// Snapshot returns the last known state of every switch.
func (ctrl *Controller) Snapshot() State {
	ctrl.mx.Lock()
	defer ctrl.mx.Unlock()
	s := State{Switches: make(map[int]bool, len(ctrl.state)), Updated: ctrl.updated}
	for id, p := range ctrl.state {
		s.Switches[id] = p
	}
	return s
}

func (ctrl *Controller) pressedLocked(ids []int) (int, bool, error) {
	if ctrl.err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrClosed, ctrl.err)
	}
	if ctrl.updated.IsZero() || (ctrl.maxAge > 0 && time.Since(ctrl.updated) > ctrl.maxAge) {
		return 0, false, ErrStale
	}
	for _, id := range ids {
		if ctrl.state[id] {
			return id, true, nil
		}
	}
	return 0, false, nil
}

// Pressed returns the first of ids that is currently pressed.
func (ctrl *Controller) Pressed(ids ...int) (int, bool, error) {
	ctrl.mx.Lock()
	defer ctrl.mx.Unlock()
	return ctrl.pressedLocked(ids)
}

// WaitPressed blocks until any of ids is pressed and returns it.
//
// Before the first report it just waits. After that it fails with
// ErrStale as soon as the last report is older than the max age, so a
// silent controller can't pass for an unpressed switch.
func (ctrl *Controller) WaitPressed(ctx context.Context, ids ...int) (int, error) {
	for {
		ctrl.mx.Lock()
		id, ok, err := ctrl.pressedLocked(ids)
		ch := ctrl.changed
		updated := ctrl.updated
		ctrl.mx.Unlock()
		if err != nil && !(errors.Is(err, ErrStale) && updated.IsZero()) {
			return 0, err
		}
		if ok {
			return id, nil
		}

		var t *time.Timer
		var stale <-chan time.Time
		if ctrl.maxAge > 0 && !updated.IsZero() {
			t = time.NewTimer(time.Until(updated.Add(ctrl.maxAge)) + time.Millisecond)
			stale = t.C
		}

		select {
		case <-ch:
		case <-stale:
		case <-ctx.Done():
		}
		if t != nil {
			t.Stop()
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
}

// Done is closed when the connection is lost.
func (ctrl *Controller) Done() <-chan struct{} { return ctrl.done }

// Close will close the underlying connection.
func (ctrl *Controller) Close() error { return ctrl.c.Close() }
