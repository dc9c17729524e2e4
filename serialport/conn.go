package serialport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	// ErrWriteTimeout is returned when a write does not complete in time.
	// The Conn is closed, since it is unknown how much of the line reached
	// the device.
	ErrWriteTimeout = errors.New("write timeout")

	// ErrReadTimeout is returned when no line arrives in time.
	ErrReadTimeout = errors.New("read timeout")

	// ErrClosed is returned after the Conn has been closed.
	ErrClosed = errors.New("connection closed")
)

// Direction of a Line.
type Direction int

const (
	Received Direction = iota
	Sent
)

func (d Direction) String() string {
	if d == Sent {
		return "sent"
	}
	return "received"
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Line is a single line of text exchanged with a controller.
type Line struct {
	Dir  Direction `json:"dir"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// ConnOptions configure a Conn.
type ConnOptions struct {
	// ReadTimeout bounds Receive. Zero waits forever.
	ReadTimeout time.Duration

	// WriteTimeout bounds Send and WriteByte. Zero waits forever.
	WriteTimeout time.Duration

	// Monitor, if set, is called for every line sent or received.
	Monitor func(Line)
}

// Conn frames a device as newline-terminated lines.
//
// Received lines are delivered in order; Send calls are serialized.
type Conn struct {
	rwc io.ReadWriteCloser
	opt ConnOptions

	lines    chan Line
	readDone chan struct{}
	readErr  error

	wMx sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn starts reading lines from rwc.
func NewConn(rwc io.ReadWriteCloser, opt ConnOptions) *Conn {
	c := &Conn{
		rwc:      rwc,
		opt:      opt,
		lines:    make(chan Line, 256),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) monitor(l Line) {
	if c.opt.Monitor != nil {
		c.opt.Monitor(l)
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	scan := bufio.NewScanner(c.rwc)
	for scan.Scan() {
		text := strings.TrimSpace(scan.Text())
		if text == "" {
			continue
		}
		l := Line{Dir: Received, Text: text, Time: time.Now()}
		c.monitor(l)
		select {
		case c.lines <- l:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}

	c.readErr = scan.Err()
	if c.readErr == nil {
		c.readErr = io.EOF
	}
}

func waitTimer(d time.Duration) (<-chan time.Time, func() bool) {
	if d <= 0 {
		return nil, func() bool { return false }
	}
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Receive returns the next line from the device.
func (c *Conn) Receive(ctx context.Context) (Line, error) {
	timeout, stop := waitTimer(c.opt.ReadTimeout)
	defer stop()

	select {
	case l := <-c.lines:
		return l, nil
	case <-c.readDone:
		select {
		case l := <-c.lines:
			return l, nil
		default:
		}
		return Line{}, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	case <-c.closed:
		return Line{}, ErrClosed
	case <-timeout:
		return Line{}, ErrReadTimeout
	case <-ctx.Done():
		return Line{}, ctx.Err()
	}
}

// Send writes line followed by a newline.
func (c *Conn) Send(line string) error {
	return c.write([]byte(line+"\n"), line)
}

// WriteByte writes a single realtime byte with no line ending.
func (c *Conn) WriteByte(b byte) error {
	return c.write([]byte{b}, realtimeText(b))
}

func realtimeText(b byte) string {
	if b >= 0x20 && b < 0x7f {
		return string(b)
	}
	return fmt.Sprintf("0x%02x", b)
}

func (c *Conn) write(data []byte, text string) error {
	c.wMx.Lock()
	defer c.wMx.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.rwc.Write(data)
		done <- err
	}()

	timeout, stop := waitTimer(c.opt.WriteTimeout)
	defer stop()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		c.monitor(Line{Dir: Sent, Text: text, Time: time.Now()})
		return nil
	case <-timeout:
		c.Close()
		return ErrWriteTimeout
	}
}

// Done is closed when the Conn is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Close will close the underlying device.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
