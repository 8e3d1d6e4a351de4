package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
	"github.com/ChuLiYu/edge-relay/internal/controller"
	"github.com/ChuLiYu/edge-relay/internal/edge"
	"github.com/ChuLiYu/edge-relay/internal/edge/actions"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// TestManyEdgesConcurrently drives many in-process pollers against one
// controller and checks every command is answered exactly once.
func TestManyEdgesConcurrently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	const (
		edges       = 20
		cmdsPerEdge = 50
	)
	ctrl := controller.NewController(controller.DefaultConfig())
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()
	ctx := context.Background()

	for e := 0; e < edges; e++ {
		for i := 0; i < cmdsPerEdge; i++ {
			_, err := ctrl.Enqueue(ctx, commandqueue.EnqueueRequest{
				EdgeID:    fmt.Sprintf("edge-%02d", e),
				Action:    "ping",
				RequestID: fmt.Sprintf("load-%02d-%03d", e, i),
			})
			require.NoError(t, err)
		}
	}

	registry := actions.NewRegistry()
	actions.Builtins{}.Register(registry)

	start := time.Now()
	var wg sync.WaitGroup
	for e := 0; e < edges; e++ {
		wg.Add(1)
		go func(edgeID string) {
			defer wg.Done()
			p := edge.NewPoller(edgeID, ctrl, registry, edge.WithMaxCommands(7))
			for {
				n, err := p.PollOnce(ctx)
				if err != nil {
					t.Errorf("poll %s: %v", edgeID, err)
					return
				}
				if n == 0 {
					return
				}
			}
		}(fmt.Sprintf("edge-%02d", e))
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := edges * cmdsPerEdge
	t.Logf("=== Relay Throughput ===")
	t.Logf("Commands: %d across %d edges in %v (%.0f cmd/s)", total, edges, elapsed, float64(total)/elapsed.Seconds())

	status := ctrl.GetStatus()
	assert.Equal(t, 0, status["pending"])
	assert.Equal(t, 0, status["unresolved"])

	seen := make(map[string]bool, total)
	for _, r := range ctrl.ListRecentResults("", 0) {
		assert.Equal(t, types.StatusSuccess, r.Status)
		assert.False(t, seen[r.RequestID], "duplicate result %s", r.RequestID)
		seen[r.RequestID] = true
	}
	assert.Len(t, seen, min(total, controller.DefaultConfig().MaxRecent))
}

// TestRecoveryPerformance measures how long a restart takes to restore a
// large queue from the snapshot.
func TestRecoveryPerformance(t *testing.T) {
	cfg := controller.DefaultConfig()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "relay.snapshot")
	ctx := context.Background()

	ctrl1 := controller.NewController(cfg)
	require.NoError(t, ctrl1.Start())
	const queued = 2000
	for i := 0; i < queued; i++ {
		_, err := ctrl1.Enqueue(ctx, commandqueue.EnqueueRequest{
			EdgeID:    fmt.Sprintf("edge-%d", i%10),
			Action:    "ping",
			RequestID: fmt.Sprintf("snap-%04d", i),
		})
		require.NoError(t, err)
	}
	// leave some delivered but unanswered
	_, err := ctrl1.Pull(ctx, "edge-0", 10)
	require.NoError(t, err)
	ctrl1.Stop()

	start := time.Now()
	ctrl2 := controller.NewController(cfg)
	require.NoError(t, ctrl2.Start())
	defer ctrl2.Stop()
	recovery := time.Since(start)

	status := ctrl2.GetStatus()
	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v, restored: %+v", recovery, status)

	assert.Equal(t, queued-10, status["pending"])
	assert.Equal(t, 10, status["unresolved"])
	assert.Less(t, recovery, 3*time.Second)
}
