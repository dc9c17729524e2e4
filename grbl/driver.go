package grbl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/lasercnc/coord"
	"github.com/mastercactapus/lasercnc/serialport"
	log "github.com/sirupsen/logrus"
)

// Conn is a line-framed connection to a controller.
//
// *serialport.Conn and *grbltest.Controller implement it.
type Conn interface {
	Send(line string) error
	WriteByte(b byte) error
	Receive(ctx context.Context) (serialport.Line, error)
	Close() error
}

// Timeouts bound how long a command may wait for its acknowledgement.
type Timeouts struct {
	// Motion covers motion and jog lines. `ok` arrives once the line is
	// queued, which can take as long as one move when the planner is full.
	Motion time.Duration `yaml:"motion"`

	Setting time.Duration `yaml:"setting"`
	System  time.Duration `yaml:"system"`

	// Sync covers `G4 P0`, which is acknowledged only after all queued
	// motion has finished.
	Sync time.Duration `yaml:"sync"`

	// Reset bounds waiting for the welcome message after a soft reset and
	// for a status report.
	Reset time.Duration `yaml:"reset"`
}

// DefaultTimeouts are used for any zero value in Timeouts.
var DefaultTimeouts = Timeouts{
	Motion:  time.Minute,
	Setting: 2 * time.Second,
	System:  5 * time.Second,
	Sync:    10 * time.Minute,
	Reset:   5 * time.Second,
}

func (t Timeouts) withDefaults() Timeouts {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&t.Motion, DefaultTimeouts.Motion)
	def(&t.Setting, DefaultTimeouts.Setting)
	def(&t.System, DefaultTimeouts.System)
	def(&t.Sync, DefaultTimeouts.Sync)
	def(&t.Reset, DefaultTimeouts.Reset)
	return t
}

func (t Timeouts) forCommand(cmd Command) time.Duration {
	if cmd.Timeout > 0 {
		return cmd.Timeout
	}
	switch cmd.Kind {
	case KindSetting:
		return t.Setting
	case KindSystem:
		return t.System
	case KindSync:
		return t.Sync
	}
	return t.Motion
}

type pendingAck struct {
	line  string
	lines []string
	res   chan error
}

// Driver speaks the GRBL protocol with at most one unacknowledged command
// outstanding at any time.
type Driver struct {
	c Conn
	t Timeouts

	mx        sync.Mutex
	pending   *pendingAck
	degraded  bool
	resetWait []chan struct{}
	statWait  []chan Status
	onStatus  []func(Status)
	wco       coord.Point

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	err       error
}

// NewDriver starts listening on c.
func NewDriver(c Conn, t Timeouts) *Driver {
	d := &Driver{
		c:      c,
		t:      t.withDefaults(),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.listen()
	return d
}

func (d *Driver) listen() {
	defer close(d.done)
	for {
		l, err := d.c.Receive(context.Background())
		if errors.Is(err, serialport.ErrReadTimeout) {
			continue
		}
		if err != nil {
			select {
			case <-d.closed:
			default:
				log.Println("ERROR: grbl: read:", err)
			}
			d.mx.Lock()
			d.err = err
			d.degraded = true
			d.resolveLocked(ErrClosed)
			d.mx.Unlock()
			return
		}
		d.handle(l.Text)
	}
}

// resolveLocked completes the pending command, if any.
func (d *Driver) resolveLocked(err error) bool {
	p := d.pending
	if p == nil {
		return false
	}
	d.pending = nil
	p.res <- err
	return true
}

func (d *Driver) handle(text string) {
	switch r := ParseResponse(text).(type) {
	case Ok:
		d.mx.Lock()
		if !d.resolveLocked(nil) {
			log.Warnln("grbl: unsolicited ok")
		}
		d.mx.Unlock()
	case Error:
		d.mx.Lock()
		var line string
		if d.pending != nil {
			line = d.pending.line
		}
		if !d.resolveLocked(&GrblError{Code: r.Code, Line: line}) {
			log.Warnln("grbl: unsolicited", text)
		}
		d.mx.Unlock()
	case Alarm:
		log.WithField("code", r.Code).Errorln("grbl:", (&AlarmError{Code: r.Code}).Error())
		d.mx.Lock()
		d.degraded = true
		d.resolveLocked(&AlarmError{Code: r.Code})
		d.mx.Unlock()
	case Welcome:
		d.mx.Lock()
		d.resolveLocked(ErrGrblReset)
		if len(d.resetWait) > 0 {
			for _, ch := range d.resetWait {
				close(ch)
			}
			d.resetWait = nil
			d.degraded = false
		} else {
			log.Warnln("grbl: unexpected reset, version", r.Version)
			d.degraded = true
		}
		d.mx.Unlock()
	case Status:
		d.handleStatus(r)
	case Unknown:
		d.mx.Lock()
		if d.pending != nil {
			d.pending.lines = append(d.pending.lines, text)
		} else {
			log.Debugln("grbl: ignored:", text)
		}
		d.mx.Unlock()
	default:
		// settings and feedback
		d.mx.Lock()
		if d.pending != nil {
			d.pending.lines = append(d.pending.lines, text)
		} else {
			log.Infoln("grbl:", text)
		}
		d.mx.Unlock()
	}
}

func (d *Driver) handleStatus(s Status) {
	d.mx.Lock()
	if s.HasWCO {
		d.wco = s.WCO
	}
	s.WCO = d.wco
	switch {
	case s.HasMPos && !s.HasWPos:
		s.WPos = s.MPos.Sub(d.wco)
	case s.HasWPos && !s.HasMPos:
		s.MPos = s.WPos.Add(d.wco)
	}
	waiters := d.statWait
	d.statWait = nil
	handlers := d.onStatus
	d.mx.Unlock()

	for _, ch := range waiters {
		ch <- s
	}
	for _, fn := range handlers {
		fn(s)
	}
}

// OnStatus registers fn to be called with every status report.
//
// fn is called from the listener and must not block.
func (d *Driver) OnStatus(fn func(Status)) {
	d.mx.Lock()
	d.onStatus = append(d.onStatus, fn)
	d.mx.Unlock()
}

// Degraded reports if the driver needs a soft reset before accepting
// commands.
func (d *Driver) Degraded() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.degraded
}

// Send writes cmd and waits for it to be acknowledged.
//
// It fails with ErrProtocolViolation, without writing anything, if another
// command is still outstanding.
func (d *Driver) Send(ctx context.Context, cmd Command) (*Result, error) {
	line := cmd.Line()

	d.mx.Lock()
	select {
	case <-d.closed:
		d.mx.Unlock()
		return nil, ErrClosed
	default:
	}
	if d.pending != nil {
		d.mx.Unlock()
		return nil, fmt.Errorf("send '%s': %w", line, ErrProtocolViolation)
	}
	if d.degraded {
		d.mx.Unlock()
		return nil, fmt.Errorf("send '%s': %w", line, ErrDegraded)
	}
	p := &pendingAck{line: line, res: make(chan error, 1)}
	d.pending = p
	d.mx.Unlock()

	err := d.c.Send(line)
	if err != nil {
		d.abandon(p)
		return nil, fmt.Errorf("send '%s': %w", line, err)
	}

	t := time.NewTimer(d.t.forCommand(cmd))
	defer t.Stop()

	select {
	case err = <-p.res:
	case <-t.C:
		err = d.abandonWith(p, ErrCommandTimeout)
	case <-ctx.Done():
		err = d.abandonWith(p, ctx.Err())
	case <-d.done:
		err = d.abandonWith(p, ErrClosed)
	}
	if err != nil {
		var gErr *GrblError
		if errors.As(err, &gErr) {
			return &Result{Lines: p.lines}, err
		}
		return nil, fmt.Errorf("send '%s': %w", line, err)
	}

	return &Result{Lines: p.lines}, nil
}

// abandon gives up on p, marking the driver degraded since a late
// response could be mistaken for the next command's.
func (d *Driver) abandon(p *pendingAck) bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.pending != p {
		return false
	}
	d.pending = nil
	d.degraded = true
	return true
}

func (d *Driver) abandonWith(p *pendingAck, err error) error {
	if d.abandon(p) {
		return err
	}

	// resolved while giving up
	return <-p.res
}

// FeedHold sends the `!` realtime command.
func (d *Driver) FeedHold() error { return d.c.WriteByte(CmdFeedHold) }

// QueryStatus requests a status report without waiting for it.
func (d *Driver) QueryStatus() error { return d.c.WriteByte(CmdStatus) }

// Status requests and waits for the next status report.
func (d *Driver) Status(ctx context.Context) (*Status, error) {
	ch := make(chan Status, 1)
	d.mx.Lock()
	d.statWait = append(d.statWait, ch)
	d.mx.Unlock()

	if err := d.QueryStatus(); err != nil {
		return nil, err
	}

	t := time.NewTimer(d.t.Reset)
	defer t.Stop()
	select {
	case s := <-ch:
		return &s, nil
	case <-t.C:
		return nil, fmt.Errorf("status: %w", ErrCommandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrClosed
	}
}

// PollStatus requests a status report every interval until ctx is done.
func (d *Driver) PollStatus(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return ErrClosed
		case <-t.C:
			if err := d.QueryStatus(); err != nil {
				return err
			}
		}
	}
}

// SoftReset sends Ctrl-X and waits for the welcome message.
//
// Any outstanding command fails with ErrGrblReset and the driver is no
// longer degraded once the controller has restarted.
func (d *Driver) SoftReset(ctx context.Context) error {
	ch := make(chan struct{})
	d.mx.Lock()
	d.resetWait = append(d.resetWait, ch)
	d.mx.Unlock()

	cancel := func() {
		d.mx.Lock()
		defer d.mx.Unlock()
		for i, c := range d.resetWait {
			if c == ch {
				d.resetWait = append(d.resetWait[:i], d.resetWait[i+1:]...)
				return
			}
		}
	}

	if err := d.c.WriteByte(CmdReset); err != nil {
		cancel()
		return fmt.Errorf("soft reset: %w", err)
	}

	t := time.NewTimer(d.t.Reset)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		cancel()
		return fmt.Errorf("soft reset: %w", ErrCommandTimeout)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// Settings reads all settings with `$$`.
func (d *Driver) Settings(ctx context.Context) (map[int]float64, error) {
	res, err := d.Send(ctx, System("$$"))
	if err != nil {
		return nil, err
	}

	vals := make(map[int]float64, len(res.Lines))
	for _, l := range res.Lines {
		s, ok := ParseResponse(l).(Setting)
		if !ok {
			continue
		}
		vals[s.Num] = s.Value
	}
	if len(vals) == 0 {
		return nil, errors.New("grbl: no settings in response to $$")
	}
	return vals, nil
}

// Done is closed once the driver stops listening.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Err returns the error that stopped the listener.
func (d *Driver) Err() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.err
}

// Close will close the underlying Conn.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.c.Close()
	})
	return err
}
