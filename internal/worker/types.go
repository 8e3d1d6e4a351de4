package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// Job is one unit of work for the serial executor.
type Job struct {
	Purpose  string                    // heartbeat, poll, trigger, ...
	Coalesce bool                      // drop when a job with the same purpose is queued or running
	Run      func(ctx context.Context) // must return when ctx is done
}

// Result is the outcome of executing one command.
type Result struct {
	types.CommandResult
	Duration time.Duration // wall time spent in the handler
}
