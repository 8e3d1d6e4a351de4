package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-relay/internal/dedupe"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(sec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Date(2026, 5, 1, 8, 0, sec, 0, time.UTC)
}

type countingRecorder struct {
	accepted, suppressed, rejected, failures int
}

func (r *countingRecorder) RecordTriggerAccepted(string)   { r.accepted++ }
func (r *countingRecorder) RecordTriggerSuppressed(string) { r.suppressed++ }
func (r *countingRecorder) RecordTriggerRejected()         { r.rejected++ }
func (r *countingRecorder) RecordForwardFailure()          { r.failures++ }

func taskTrigger(edgeID string, sentAtMS int) types.Trigger {
	return types.Trigger{
		Source:    "edge",
		EventType: types.EventTaskUpdate,
		EdgeID:    edgeID,
		Payload: map[string]any{
			"task_id":    "t1",
			"note":       "person at door",
			"sent_at_ms": sentAtMS,
		},
	}
}

func TestMissingEdgeID(t *testing.T) {
	rec := &countingRecorder{}
	in := NewIntake(dedupe.New(dedupe.Options{}), nil, WithRecorder(rec))

	_, err := in.Accept(context.Background(), types.Trigger{EdgeID: "   "})
	assert.ErrorIs(t, err, ErrMissingEdgeID)
	assert.Equal(t, 1, rec.rejected)
}

func TestDedupeScenarioForwardsFirstAndAfterTTL(t *testing.T) {
	clk := newClock()
	log := NewRecentLog(10)
	in := NewIntake(dedupe.New(dedupe.Options{TTL: 5 * time.Second}), log, WithClock(clk.Now))
	ctx := context.Background()

	clk.Set(0)
	out, err := in.Accept(ctx, taskTrigger("e1", 0))
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	clk.Set(2)
	out, err = in.Accept(ctx, taskTrigger("e1", 2000))
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, dedupe.ReasonDedupe, out.Reason)

	clk.Set(6)
	out, err = in.Accept(ctx, taskTrigger("e1", 6000))
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	assert.Len(t, log.List("e1", 0), 2, "exactly the accepted triggers reach the consumer")
}

func TestMinIntervalForwardsOnlyFirst(t *testing.T) {
	clk := newClock()
	var forwarded int
	consumer := ConsumerFunc(func(ctx context.Context, tr types.Trigger, key string) error {
		forwarded++
		return nil
	})
	rec := &countingRecorder{}
	in := NewIntake(dedupe.New(dedupe.Options{MinInterval: 10 * time.Second}), consumer,
		WithClock(clk.Now), WithRecorder(rec))

	for i := 0; i < 5; i++ {
		clk.Set(i)
		tr := taskTrigger("e1", 0)
		tr.Payload["task_id"] = i
		_, err := in.Accept(context.Background(), tr)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, forwarded)
	assert.Equal(t, 1, rec.accepted)
	assert.Equal(t, 4, rec.suppressed)
}

func TestIntakeClockNotSentAt(t *testing.T) {
	clk := newClock()
	in := NewIntake(dedupe.New(dedupe.Options{TTL: 5 * time.Second}), nil, WithClock(clk.Now))

	clk.Set(0)
	_, err := in.Accept(context.Background(), taskTrigger("e1", 0))
	require.NoError(t, err)

	// edge claims it sent this an hour later; the relay clock says 1s
	clk.Set(1)
	out, err := in.Accept(context.Background(), taskTrigger("e1", 3_600_000))
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, clk.Now(), out.ReceivedAt)
}

func TestDefaultEventType(t *testing.T) {
	log := NewRecentLog(4)
	in := NewIntake(dedupe.New(dedupe.Options{}), log)
	_, err := in.Accept(context.Background(), types.Trigger{EdgeID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, types.EventTaskUpdate, log.List("", 1)[0].EventType)
}

func TestConsumerErrorNeverSurfaces(t *testing.T) {
	rec := &countingRecorder{}
	consumer := ConsumerFunc(func(context.Context, types.Trigger, string) error {
		return errors.New("downstream down")
	})
	in := NewIntake(dedupe.New(dedupe.Options{}), consumer, WithRecorder(rec))

	out, err := in.Accept(context.Background(), taskTrigger("e1", 0))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, 1, rec.failures)
}

func TestForwardOutlivesCancelledRequest(t *testing.T) {
	var forwarded atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	rec := &countingRecorder{}
	in := NewIntake(dedupe.New(dedupe.Options{TTL: time.Minute}),
		NewWebhookForwarder([]string{sink.URL}, "", time.Second),
		WithRecorder(rec))

	// the edge gave up on its request before the relay forwarded
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := in.Accept(ctx, taskTrigger("e1", 0))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.EqualValues(t, 1, forwarded.Load())
	assert.Zero(t, rec.failures)

	// the retry is suppressed, but the first copy already went downstream
	out, err = in.Accept(context.Background(), taskTrigger("e1", 1))
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.EqualValues(t, 1, forwarded.Load())
}

func TestRecentLogRing(t *testing.T) {
	l := NewRecentLog(3)
	for i, edge := range []string{"a", "b", "a", "b", "a"} {
		tr := types.Trigger{EdgeID: edge, Payload: map[string]any{"i": i}}
		require.NoError(t, l.Consume(context.Background(), tr, ""))
	}

	all := l.List("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, 4, all[0].Payload["i"])
	assert.Equal(t, 2, all[2].Payload["i"])

	onlyA := l.List("a", 0)
	require.Len(t, onlyA, 2)
	assert.Len(t, l.List("", 1), 1)
}

func TestWebhookFirstSuccessWins(t *testing.T) {
	var firstHits, secondHits, thirdHits int32
	var got map[string]any

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&firstHits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondHits, 1)
		assert.Equal(t, "Bearer hook-secret", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer up.Close()
	never := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&thirdHits, 1)
	}))
	defer never.Close()

	fw := NewWebhookForwarder([]string{down.URL, " ", up.URL, never.URL}, "hook-secret", time.Second)
	assert.Len(t, fw.Targets(), 3)

	tr := taskTrigger("e1", 0)
	tr.ReceivedAt = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, fw.Consume(context.Background(), tr, "k1"))

	assert.Equal(t, int32(1), firstHits)
	assert.Equal(t, int32(1), secondHits)
	assert.Equal(t, int32(0), thirdHits)
	assert.Equal(t, "e1", got["edge_id"])
	assert.Equal(t, "task_update", got["event_type"])
	assert.Equal(t, "person at door", got["note"])
	assert.Equal(t, "k1", got["dedupe_key"])
}

func TestWebhookAllTargetsFail(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	fw := NewWebhookForwarder([]string{down.URL, "http://127.0.0.1:1/unreachable"}, "", time.Second)
	err := fw.Consume(context.Background(), taskTrigger("e1", 0), "k")
	assert.ErrorIs(t, err, ErrNotForwarded)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestWebhookNoTargetsIsNoop(t *testing.T) {
	fw := NewWebhookForwarder(nil, "", 0)
	assert.NoError(t, fw.Consume(context.Background(), taskTrigger("e1", 0), "k"))
}

func TestFanoutJoinsErrors(t *testing.T) {
	log := NewRecentLog(2)
	boom := ConsumerFunc(func(context.Context, types.Trigger, string) error { return errors.New("boom") })

	err := Fanout{log, nil, boom}.Consume(context.Background(), taskTrigger("e1", 0), "k")
	assert.EqualError(t, err, "boom")
	assert.Len(t, log.List("", 0), 1, "later failures do not undo earlier deliveries")

	assert.NoError(t, Fanout{log}.Consume(context.Background(), taskTrigger("e1", 0), "k"))
}
