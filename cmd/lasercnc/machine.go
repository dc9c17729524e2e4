package main

import (
	"context"

	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/limits"
	"github.com/mastercactapus/lasercnc/machine"
)

// Machine is everything the API can do with the machine.
//
// *machine.Coordinator implements it.
type Machine interface {
	Home() (*machine.Job, error)
	Calibrate(machine.CalibrateOptions) (*machine.Job, error)
	RunFile([]gcode.Block, machine.RunOptions) (*machine.Job, error)
	Cancel(context.Context) error
	Reset(context.Context) error
	SetSettings(context.Context, machine.SettingsUpdate) error
	Jog(context.Context, machine.JogOptions) error
	GoHome(ctx context.Context, feed float64) error

	Store() *machine.Store
}

// Limits reports the limit switches.
//
// *limits.Controller implements it.
type Limits interface {
	Snapshot() limits.State
}

var (
	_ Machine = (*machine.Coordinator)(nil)
	_ Limits  = (*limits.Controller)(nil)
)
