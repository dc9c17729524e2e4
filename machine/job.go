package machine

import (
	"context"
	"sync"
	"time"
)

// Job is a running operation. Only one exists at a time.
type Job struct {
	Kind    Phase     `json:"kind"`
	Started time.Time `json:"started"`

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stop     chan struct{}

	done chan struct{}
	err  error
}

func newJob(kind Phase) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		Kind:    kind,
		Started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// requestStop asks the job to stop before dispatching its next command.
func (j *Job) requestStop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Job) stopping() bool {
	select {
	case <-j.stop:
		return true
	default:
		return false
	}
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Err returns the error of a finished job.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}
