// ============================================================================
// Edge-Relay Worker - command execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Execute turns one pulled command into exactly one result:
//
//   missing request_id     -> status=error "missing request_id"
//   unknown action         -> status=error "unsupported action: X"
//   handler error          -> status=error, error text
//   handler panic          -> status=error "panic: ..."
//   handler returns value  -> status=success, result=value
//
// Timeout Control:
//   The handler runs under context.WithTimeout. Handlers must honor ctx;
//   the call is not abandoned on a separate goroutine, so the edge keeps
//   executing one command at a time.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/edge/actions"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// Executor runs an action by name. *actions.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, action string, args actions.Args) (any, error)
}

// Execute runs cmd on ex as edgeID and builds its result.
func Execute(ctx context.Context, ex Executor, edgeID string, cmd types.Command, timeout time.Duration) Result {
	start := time.Now()
	res := types.CommandResult{
		RequestID: strings.TrimSpace(cmd.RequestID),
		EdgeID:    edgeID,
	}

	if res.RequestID == "" {
		res.Status = types.StatusError
		res.Error = "missing request_id"
		return Result{CommandResult: res}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err := invoke(ctx, ex, cmd)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		log.Warn("Command failed", "request_id", res.RequestID, "action", cmd.Action, "error", err)
		res.Status = types.StatusError
		res.Error = err.Error()
	} else {
		res.Status = types.StatusSuccess
		res.Result = value
	}
	return Result{CommandResult: res, Duration: time.Since(start)}
}

func invoke(ctx context.Context, ex Executor, cmd types.Command) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return ex.Execute(ctx, cmd.Action, actions.Args(cmd.Args))
}
