package grbl

import (
	"strconv"
	"time"

	"github.com/mastercactapus/lasercnc/gcode"
)

// Realtime command bytes. These bypass the line buffer and are never
// acknowledged.
const (
	CmdStatus     byte = '?'
	CmdFeedHold   byte = '!'
	CmdCycleStart byte = '~'
	CmdReset      byte = 0x18
)

// Setting numbers used by this machine.
const (
	SettingStepIdleDelay = 1

	SettingStepsPerMMX = 100
	SettingStepsPerMMY = 101
	SettingStepsPerMMZ = 102

	SettingMaxRateX = 110
	SettingMaxRateY = 111
	SettingMaxRateZ = 112

	SettingAccelX = 120
	SettingAccelY = 121
	SettingAccelZ = 122
)

// Kind selects the timeout class of a Command.
type Kind int

const (
	KindMotion Kind = iota
	KindJog
	KindSetting
	KindSystem
	KindSync
)

func (k Kind) String() string {
	switch k {
	case KindMotion:
		return "motion"
	case KindJog:
		return "jog"
	case KindSetting:
		return "setting"
	case KindSystem:
		return "system"
	case KindSync:
		return "sync"
	}
	return "unknown"
}

// Command is a single line sent to the controller that is answered with
// `ok` or `error:N`.
type Command struct {
	Kind Kind

	// Block is used by motion, jog and sync commands.
	Block gcode.Block

	// Setting and Value are used by setting commands.
	Setting int
	Value   float64

	// Text is the raw line of a system command (e.g. `$X`).
	Text string

	// Timeout overrides the driver timeout for the Kind, if non-zero.
	Timeout time.Duration
}

// Motion returns a command that sends b as-is.
func Motion(b gcode.Block) Command { return Command{Kind: KindMotion, Block: b} }

// Jog returns a `$J=` jog command for b.
func Jog(b gcode.Block) Command { return Command{Kind: KindJog, Block: b} }

// SetSetting returns a `$N=V` command.
func SetSetting(num int, val float64) Command {
	return Command{Kind: KindSetting, Setting: num, Value: val}
}

// System returns a raw system command like `$X` or `$$`.
func System(text string) Command { return Command{Kind: KindSystem, Text: text} }

// Sync returns a zero-length dwell. Its `ok` only arrives once all
// previously queued motion has completed.
func Sync() Command {
	return Command{Kind: KindSync, Block: gcode.Block{{W: 'G', Arg: 4}, {W: 'P', Arg: 0}}}
}

// Line renders the command as sent on the wire, without a newline.
func (c Command) Line() string {
	switch c.Kind {
	case KindJog:
		return "$J=" + c.Block.String()
	case KindSetting:
		return "$" + strconv.Itoa(c.Setting) + "=" + strconv.FormatFloat(c.Value, 'f', -1, 64)
	case KindSystem:
		return c.Text
	}
	return c.Block.String()
}

// Result holds the informational lines received before the command was
// acknowledged, such as the `$N=V` lines of a `$$` dump.
type Result struct {
	Lines []string
}
