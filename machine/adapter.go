package machine

import (
	"context"

	"github.com/mastercactapus/lasercnc/grbl"
	"github.com/mastercactapus/lasercnc/limits"
)

// An Adapter represents the minimal controller interface.
type Adapter interface {
	Send(ctx context.Context, cmd grbl.Command) (*grbl.Result, error)
	FeedHold() error
	SoftReset(ctx context.Context) error
	Status(ctx context.Context) (*grbl.Status, error)
	Settings(ctx context.Context) (map[int]float64, error)
	OnStatus(fn func(grbl.Status))
	Degraded() bool
}

// A LimitSensor reports the limit switches.
type LimitSensor interface {
	Pressed(ids ...int) (int, bool, error)
	WaitPressed(ctx context.Context, ids ...int) (int, error)
}

var (
	_ Adapter     = &grbl.Driver{}
	_ LimitSensor = &limits.Controller{}
)
