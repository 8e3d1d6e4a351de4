// ============================================================================
// Edge-Relay Command Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Abstraction for fetching commands and reporting their results.
//
// The poller depends on this interface, not on the HTTP client, so tests can
// drive it with an in-memory source and the demo can run cloud and edge in
// one process.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// CommandSource fetches commands for one edge and accepts their results.
type CommandSource interface {
	// Pull fetches up to max queued commands for edgeID. An empty slice
	// (and nil error) means nothing is queued.
	Pull(ctx context.Context, edgeID string, max int) ([]types.Command, error)

	// Report posts one result. replyURL overrides the default result
	// endpoint when non-empty.
	Report(ctx context.Context, result types.CommandResult, replyURL string) error
}
