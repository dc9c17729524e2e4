// Package grbltest provides a simulated GRBL controller for tests.
package grbltest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/serialport"
)

// Welcome is sent after a soft reset.
const Welcome = "Grbl 1.1h ['$' for help]"

// Reply is the response to a single line.
type Reply struct {
	// Lines are sent in order. An empty Reply is never answered.
	Lines []string

	// Gate, if set, delays the reply until it is closed.
	Gate <-chan struct{}
}

// Respond returns a Reply with the given lines.
func Respond(lines ...string) *Reply { return &Reply{Lines: lines} }

// Silent returns a Reply that never answers.
func Silent() *Reply { return &Reply{} }

// Bounds limits where the simulated machine can move.
type Bounds struct {
	Min, Max coord.Point
}

// Controller is an in-memory GRBL 1.1 controller. Motion completes
// instantly.
//
// It implements grbl.Conn.
type Controller struct {
	// Intercept, if set, is called for every line before the default
	// handling. Returning nil uses Default.
	Intercept func(n int, line string) *Reply

	// Bounds, if set, clamps every move.
	Bounds *Bounds

	mx       sync.Mutex
	vm       *gcode.VM
	state    string
	settings map[int]float64
	sent     []string
	realtime []byte

	out       chan string
	closeOnce sync.Once
	closed    chan struct{}
}

// DefaultSettings are loaded by NewController.
func DefaultSettings() map[int]float64 {
	return map[int]float64{
		0: 10, 1: 25, 2: 0, 3: 0, 4: 0, 5: 0, 6: 0,
		10: 1, 11: 0.01, 12: 0.002, 13: 0,
		20: 0, 21: 0, 22: 0, 23: 0, 24: 25, 25: 500, 26: 250, 27: 1,
		30: 1000, 31: 0, 32: 1,
		100: 250, 101: 40, 102: 40,
		110: 20000, 111: 20000, 112: 20000,
		120: 1000, 121: 1000, 122: 1000,
		130: 300, 131: 900, 132: 900,
	}
}

// NewController returns an idle controller at the machine origin.
func NewController() *Controller {
	return &Controller{
		vm:       gcode.NewVM(),
		state:    "Idle",
		settings: DefaultSettings(),
		out:      make(chan string, 1024),
		closed:   make(chan struct{}),
	}
}

func (c *Controller) emit(r *Reply) {
	if r == nil || len(r.Lines) == 0 {
		return
	}
	push := func() {
		for _, l := range r.Lines {
			select {
			case c.out <- l:
			case <-c.closed:
				return
			}
		}
	}
	if r.Gate == nil {
		push()
		return
	}
	go func() {
		select {
		case <-r.Gate:
			push()
		case <-c.closed:
		}
	}()
}

// Send implements grbl.Conn.
func (c *Controller) Send(line string) error {
	c.mx.Lock()
	select {
	case <-c.closed:
		c.mx.Unlock()
		return serialport.ErrClosed
	default:
	}
	c.sent = append(c.sent, line)
	n := len(c.sent)
	c.mx.Unlock()

	var r *Reply
	if c.Intercept != nil {
		r = c.Intercept(n, line)
	}
	if r == nil {
		r = c.Default(line)
	}
	c.emit(r)
	return nil
}

// Default is the built-in handling of line. It updates the simulated
// machine and returns the reply GRBL would send.
func (c *Controller) Default(line string) *Reply {
	c.mx.Lock()
	defer c.mx.Unlock()

	switch {
	case line == "$$":
		nums := make([]int, 0, len(c.settings))
		for n := range c.settings {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		lines := make([]string, 0, len(nums)+1)
		for _, n := range nums {
			lines = append(lines, "$"+strconv.Itoa(n)+"="+formatFloat(c.settings[n]))
		}
		return Respond(append(lines, "ok")...)
	case line == "$X":
		c.state = "Idle"
		return Respond("[MSG:Caution: Unlocked]", "ok")
	case strings.HasPrefix(line, "$J="):
		b, err := parseOne(strings.TrimPrefix(line, "$J="))
		if err != nil {
			return Respond("error:16")
		}
		// jog modal state does not persist
		vm := *c.vm
		if err = vm.Run(b); err != nil {
			return Respond("error:16")
		}
		c.vm.SetMPos(c.clamp(vm.MPos()))
		return Respond("ok")
	case strings.HasPrefix(line, "$"):
		parts := strings.SplitN(line[1:], "=", 2)
		if len(parts) != 2 {
			return Respond("error:3")
		}
		num, err := strconv.Atoi(parts[0])
		if err != nil {
			return Respond("error:3")
		}
		val, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return Respond("error:2")
		}
		if val < 0 {
			return Respond("error:4")
		}
		c.settings[num] = val
		return Respond("ok")
	}

	if c.state == "Alarm" {
		return Respond("error:9")
	}
	b, err := parseOne(line)
	if err != nil {
		return Respond("error:20")
	}
	if err = c.vm.Run(b); err != nil {
		return Respond("error:20")
	}
	c.vm.SetMPos(c.clamp(c.vm.MPos()))
	return Respond("ok")
}

func parseOne(line string) (gcode.Block, error) {
	blocks, err := gcode.Parse(line)
	if err != nil {
		return nil, err
	}
	if len(blocks) != 1 {
		return nil, fmt.Errorf("expected 1 block, got %d", len(blocks))
	}
	return blocks[0], nil
}

func clampF(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (c *Controller) clamp(p coord.Point) coord.Point {
	if c.Bounds == nil {
		return p
	}
	p.X = clampF(p.X, c.Bounds.Min.X, c.Bounds.Max.X)
	p.Y = clampF(p.Y, c.Bounds.Min.Y, c.Bounds.Max.Y)
	p.Z = clampF(p.Z, c.Bounds.Min.Z, c.Bounds.Max.Z)
	return p
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatPoint(p coord.Point) string {
	return formatFloat(p.X) + "," + formatFloat(p.Y) + "," + formatFloat(p.Z)
}

// StatusLine returns the current `<...>` status report.
func (c *Controller) StatusLine() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return fmt.Sprintf("<%s|MPos:%s|FS:0,0|WCO:%s>", c.state, formatPoint(c.vm.MPos()), formatPoint(c.vm.WCO()))
}

// WriteByte implements grbl.Conn.
func (c *Controller) WriteByte(b byte) error {
	c.mx.Lock()
	select {
	case <-c.closed:
		c.mx.Unlock()
		return serialport.ErrClosed
	default:
	}
	c.realtime = append(c.realtime, b)
	var r *Reply
	switch b {
	case '!':
		c.state = "Hold:0"
	case '~':
		if strings.HasPrefix(c.state, "Hold") {
			c.state = "Idle"
		}
	case 0x18:
		c.state = "Idle"
		r = Respond(Welcome)
	}
	c.mx.Unlock()

	if b == '?' {
		r = Respond(c.StatusLine())
	}
	c.emit(r)
	return nil
}

// Push sends unsolicited lines to the driver.
func (c *Controller) Push(lines ...string) { c.emit(Respond(lines...)) }

// Receive implements grbl.Conn.
func (c *Controller) Receive(ctx context.Context) (serialport.Line, error) {
	select {
	case l := <-c.out:
		return serialport.Line{Dir: serialport.Received, Text: l, Time: time.Now()}, nil
	case <-c.closed:
		return serialport.Line{}, serialport.ErrClosed
	case <-ctx.Done():
		return serialport.Line{}, ctx.Err()
	}
}

// Close implements grbl.Conn.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Sent returns every line received so far.
func (c *Controller) Sent() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.sent...)
}

// Realtime returns every realtime byte received so far.
func (c *Controller) Realtime() []byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]byte(nil), c.realtime...)
}

// MPos returns the simulated machine position.
func (c *Controller) MPos() coord.Point {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.vm.MPos()
}

// SetMPos moves the simulated machine.
func (c *Controller) SetMPos(p coord.Point) {
	c.mx.Lock()
	c.vm.SetMPos(p)
	c.mx.Unlock()
}

// WCO returns the simulated work coordinate offset.
func (c *Controller) WCO() coord.Point {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.vm.WCO()
}

// Setting returns a simulated setting value.
func (c *Controller) Setting(n int) float64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.settings[n]
}

// SetState overrides the reported machine state, e.g. `Alarm`.
func (c *Controller) SetState(s string) {
	c.mx.Lock()
	c.state = s
	c.mx.Unlock()
}

// State returns the reported machine state.
func (c *Controller) State() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}
