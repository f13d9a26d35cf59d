package workerpool

import (
	"context"

	"git.home.luguber.info/inful/forgeci/internal/model"
)

// StepCommand is the unit of work the master sends to a worker session.
type StepCommand struct {
	Name string
	Argv []string
	Env  map[string]string
}

// Update is streamed back from a worker while a step command runs. LogLine
// updates carry output; the final update has Done set with the step result.
type Update struct {
	BuildID int64
	LogLine string
	Done    bool
	Results model.Results
	Err     string
}

// Session is the transport contract to one execution worker. Implementations
// run their I/O on their own goroutines and deliver updates in order.
type Session interface {
	// SendStartCommand asks the worker to execute one step command for the
	// given build. The returned error is the ack: a non-nil error means the
	// command never started. Updates (log lines, then exactly one Done) are
	// delivered to the channel; the session closes it after Done.
	SendStartCommand(ctx context.Context, buildID int64, cmd StepCommand, updates chan<- Update) error

	// SendInterrupt asks the worker to stop the command running for the
	// build. The in-flight command finishes with a Done update.
	SendInterrupt(buildID int64, reason string) error

	// Close tears the session down.
	Close() error
}
