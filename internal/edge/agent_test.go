package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-relay/internal/edge/actions"
	"github.com/ChuLiYu/edge-relay/internal/identity"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

func testAgentConfig(t *testing.T, cloudURL string) AgentConfig {
	return AgentConfig{
		CloudURL:          cloudURL,
		IdentityPath:      filepath.Join(t.TempDir(), "edge_identity.yaml"),
		Token:             "tok",
		PollInterval:      time.Hour,
		HeartbeatInterval: time.Hour,
		MaxCommands:       5,
		HTTPTimeout:       time.Second,
		CommandTimeout:    time.Second,
	}
}

func TestAgentResolvesAndPersistsIdentity(t *testing.T) {
	cfg := testAgentConfig(t, "http://127.0.0.1:1")

	a, err := NewAgent(cfg)
	require.NoError(t, err)
	defer a.Stop()
	assert.Contains(t, a.EdgeID(), identity.Prefix)

	b, err := NewAgent(cfg)
	require.NoError(t, err)
	defer b.Stop()
	assert.Equal(t, a.EdgeID(), b.EdgeID())

	cfg.EdgeID = "edge-explicit"
	c, err := NewAgent(cfg)
	require.NoError(t, err)
	defer c.Stop()
	assert.Equal(t, "edge-explicit", c.EdgeID())
}

func TestAgentRegistersBuiltins(t *testing.T) {
	a, err := NewAgent(testAgentConfig(t, "http://127.0.0.1:1"))
	require.NoError(t, err)
	defer a.Stop()

	for _, name := range []string{"ping", "health", "emit_test_event", "create_task", "list_tasks"} {
		_, ok := a.Actions().Lookup(name)
		assert.True(t, ok, name)
	}

	out, err := a.Actions().Execute(context.Background(), "health", nil)
	require.NoError(t, err)
	health := out.(map[string]any)
	assert.Equal(t, a.EdgeID(), health["edge_id"])
	assert.Equal(t, "idle", health["poller_state"])
}

func TestAgentRoundTrip(t *testing.T) {
	var served atomic.Bool
	fc, srv := newFakeCloud(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/commands/pull" && served.CompareAndSwap(false, true) {
			_ = json.NewEncoder(w).Encode(map[string]any{"commands": []types.Command{{
				RequestID: "req-1",
				Action:    "create_task",
				Args:      map[string]any{"io_id": "cam-1", "task_description": "count people"},
			}}})
			return
		}
		if r.URL.Path == "/commands/pull" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	cfg := testAgentConfig(t, srv.URL)
	cfg.EdgeID = "edge-1"
	a, err := NewAgent(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	require.Eventually(t, func() bool {
		return len(fc.byPath("/commands/result")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	res := fc.byPath("/commands/result")[0]
	assert.Equal(t, "req-1", res.Body["request_id"])
	assert.Equal(t, "edge-1", res.Body["edge_id"])
	assert.Equal(t, "success", res.Body["status"])
	assert.Equal(t, "Bearer tok", res.Auth)

	// the created task fires a task_update trigger
	require.Eventually(t, func() bool {
		for _, r := range fc.byPath("/triggers") {
			if r.Body["event_type"] == "task_update" {
				return r.Body["io_id"] == "cam-1"
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	var heartbeat bool
	for _, r := range fc.byPath("/triggers") {
		if r.Body["event_type"] == "heartbeat" {
			heartbeat = true
			assert.Equal(t, "edge-1", r.Body["edge_id"])
		}
	}
	assert.True(t, heartbeat)
}

func TestAgentManualTrigger(t *testing.T) {
	fc, srv := newFakeCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	cfg := testAgentConfig(t, srv.URL)
	cfg.HeartbeatInterval = 0
	a, err := NewAgent(cfg)
	require.NoError(t, err)

	assert.Error(t, a.Trigger(types.EventTest, nil), "not started")
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	require.NoError(t, a.Trigger(types.EventTest, map[string]any{"note": "hello"}))
	require.Eventually(t, func() bool {
		for _, r := range fc.byPath("/triggers") {
			if r.Body["event_type"] == "test_event" && r.Body["note"] == "hello" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAgentStartStop(t *testing.T) {
	_, srv := newFakeCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	a, err := NewAgent(testAgentConfig(t, srv.URL))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))

	a.Stop()
	assert.NotPanics(t, a.Stop)
	assert.Error(t, a.Start(context.Background()))
	assert.Error(t, a.PollNow())
}

func TestAgentWithLocalAPI(t *testing.T) {
	cfg := testAgentConfig(t, "http://127.0.0.1:1")

	plain, err := NewAgent(cfg)
	require.NoError(t, err)
	defer plain.Stop()
	_, ok := plain.Actions().Lookup("caption_frame")
	assert.False(t, ok)

	cfg.LocalAPIBaseURL = "http://127.0.0.1:9"
	a, err := NewAgent(cfg)
	require.NoError(t, err)
	defer a.Stop()
	_, ok = a.Actions().Lookup("caption_frame")
	assert.True(t, ok)
	_, ok = a.Actions().Lookup("ping")
	assert.True(t, ok)
}

// pullCounter counts pulls made through a memorySource.
type pullCounter struct {
	*memorySource
	pulls atomic.Int32
}

func (p *pullCounter) Pull(ctx context.Context, edgeID string, limit int) ([]types.Command, error) {
	p.pulls.Add(1)
	return p.memorySource.Pull(ctx, edgeID, limit)
}

func TestAgentStopFinishesPulledBatch(t *testing.T) {
	src := &pullCounter{memorySource: &memorySource{queue: []types.Command{
		{RequestID: "r1", Action: "slow"},
		{RequestID: "r2", Action: "ping"},
	}}}
	cfg := testAgentConfig(t, "http://127.0.0.1:1")
	cfg.HeartbeatInterval = 0
	cfg.CommandTimeout = 5 * time.Second
	a, err := NewAgent(cfg, WithCommandSource(src))
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	a.Actions().Register("slow", func(ctx context.Context, _ actions.Args) (any, error) {
		close(started)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	require.NoError(t, a.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("slow action never ran")
	}

	stopped := make(chan struct{})
	go func() {
		a.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a pulled command was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.reports, 2, "every pulled command is reported")
	assert.Equal(t, "r1", src.reports[0].RequestID)
	assert.Equal(t, types.StatusSuccess, src.reports[0].Status)
	assert.Equal(t, "r2", src.reports[1].RequestID)
	assert.EqualValues(t, 1, src.pulls.Load(), "no pull after Stop")
}
