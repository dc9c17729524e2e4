package grbl

import (
	"strconv"
	"strings"

	"github.com/mastercactapus/lasercnc/coord"
)

// A Response is a single line received from the controller.
//
// It is one of Ok, Error, Alarm, Status, Welcome, Setting, Feedback or Unknown.
type Response interface {
	response()
}

// Ok acknowledges the outstanding command.
type Ok struct{}

// Error rejects the outstanding command.
type Error struct{ Code int }

// Alarm reports the controller entered the alarm state.
type Alarm struct{ Code int }

// Status is a `<...>` realtime status report.
type Status struct {
	State string

	MPos coord.Point
	WPos coord.Point
	WCO  coord.Point

	HasMPos bool
	HasWPos bool
	HasWCO  bool

	Feed    float64
	Spindle float64
	Pins    string
}

// Name returns the state without the sub-state, e.g. `Hold` for `Hold:0`.
func (s Status) Name() string {
	return strings.SplitN(s.State, ":", 2)[0]
}

// Welcome is printed by the controller after a reset.
type Welcome struct{ Version string }

// Setting is a single `$N=V` line.
type Setting struct {
	Num   int
	Value float64
}

func (s Setting) String() string {
	return "$" + strconv.Itoa(s.Num) + "=" + strconv.FormatFloat(s.Value, 'f', -1, 64)
}

// Feedback is a bracketed message like `[MSG:Caution: Unlocked]`.
type Feedback struct {
	Kind string
	Text string
}

// Unknown is any line that could not be parsed.
type Unknown struct{ Raw string }

func (Ok) response()       {}
func (Error) response()    {}
func (Alarm) response()    {}
func (Status) response()   {}
func (Welcome) response()  {}
func (Setting) response()  {}
func (Feedback) response() {}
func (Unknown) response()  {}

// ParseResponse will parse a single line from the controller.
//
// It never fails; anything unrecognized becomes Unknown.
func ParseResponse(line string) Response {
	line = strings.TrimSpace(line)
	switch {
	case line == "ok":
		return Ok{}
	case strings.HasPrefix(line, "error:"):
		if code, ok := parseCode(line, "error:"); ok {
			return Error{Code: code}
		}
	case strings.HasPrefix(line, "ALARM:"):
		if code, ok := parseCode(line, "ALARM:"); ok {
			return Alarm{Code: code}
		}
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		if stat, err := parseStatus(line); err == nil {
			return *stat
		}
	case strings.HasPrefix(line, "Grbl "):
		return Welcome{Version: strings.Fields(line)[1]}
	case strings.HasPrefix(line, "$") && strings.Contains(line, "="):
		if s, err := parseSetting(line); err == nil {
			return *s
		}
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return parseFeedback(line)
	}

	return Unknown{Raw: line}
}
