package controller

import (
	"context"
	"errors"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// ============================================================================
// In-process CommandSource
// ============================================================================

// ErrStopped is returned by the in-process source once the controller stopped.
var ErrStopped = errors.New("controller stopped")

// Report implements worker.CommandSource together with Pull, letting an edge
// poller run against the controller without HTTP. replyURL is ignored.
func (c *Controller) Report(ctx context.Context, result types.CommandResult, _ string) error {
	if c.isStopped() {
		return ErrStopped
	}
	_, err := c.PostResult(ctx, result)
	return err
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
