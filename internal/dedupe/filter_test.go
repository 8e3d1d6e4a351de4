package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func taskPayload(taskID, note string) map[string]any {
	return map[string]any{"task_id": taskID, "note": note}
}

func TestDedupeWindowScenario(t *testing.T) {
	f := New(Options{TTL: 5 * time.Second})
	p := taskPayload("t1", "person at door")

	assert.True(t, f.Decide("e1", "task_update", p, at(0)).Accepted)

	d := f.Decide("e1", "task_update", p, at(2))
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonDedupe, d.Reason)

	assert.True(t, f.Decide("e1", "task_update", p, at(6)).Accepted)
}

func TestDedupeRetriesNeverExtendWindow(t *testing.T) {
	f := New(Options{TTL: 5 * time.Second})
	p := taskPayload("t1", "x")

	require.True(t, f.Decide("e1", "task_update", p, at(0)).Accepted)
	for s := 1.0; s < 5; s++ {
		assert.False(t, f.Decide("e1", "task_update", p, at(s)).Accepted)
	}
	assert.True(t, f.Decide("e1", "task_update", p, at(5)).Accepted)
}

func TestDedupeKeyScope(t *testing.T) {
	f := New(Options{TTL: time.Minute})
	p := taskPayload("t1", "x")

	require.True(t, f.Decide("e1", "task_update", p, at(0)).Accepted)
	assert.True(t, f.Decide("e2", "task_update", p, at(1)).Accepted, "other edge")
	assert.True(t, f.Decide("e1", "custom", p, at(2)).Accepted, "other event type")
	assert.True(t, f.Decide("e1", "task_update", taskPayload("t1", "y"), at(3)).Accepted, "other content")
}

func TestEnvelopeFieldsDoNotDefeatDedupe(t *testing.T) {
	f := New(Options{TTL: time.Minute})
	a := taskPayload("t1", "x")
	a["sequence"] = 1
	a["sent_at_ms"] = 1000
	b := taskPayload("t1", "x")
	b["sequence"] = 2
	b["sent_at_ms"] = 2000

	require.True(t, f.Decide("e1", "task_update", a, at(0)).Accepted)
	assert.False(t, f.Decide("e1", "task_update", b, at(1)).Accepted)
}

func TestMinIntervalIgnoresContent(t *testing.T) {
	f := New(Options{MinInterval: 3 * time.Second})

	require.True(t, f.Decide("e1", "task_update", taskPayload("t1", "a"), at(0)).Accepted)

	d := f.Decide("e1", "task_update", taskPayload("t2", "b"), at(1))
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonMinInterval, d.Reason)

	assert.True(t, f.Decide("e2", "task_update", taskPayload("t2", "b"), at(1)).Accepted, "other edge")
	assert.True(t, f.Decide("e1", "task_update", taskPayload("t3", "c"), at(3)).Accepted)
}

func TestSuppressedTriggerDoesNotResetInterval(t *testing.T) {
	f := New(Options{MinInterval: 3 * time.Second})

	require.True(t, f.Decide("e1", "a", nil, at(0)).Accepted)
	require.False(t, f.Decide("e1", "b", nil, at(2)).Accepted)
	assert.True(t, f.Decide("e1", "c", nil, at(3)).Accepted)
}

func TestConfigurableFields(t *testing.T) {
	f := New(Options{TTL: time.Minute, Fields: map[string][]string{AnyEvent: {"task_id"}}})

	require.True(t, f.Decide("e1", "task_update", taskPayload("t1", "a"), at(0)).Accepted)
	assert.False(t, f.Decide("e1", "task_update", taskPayload("t1", "b"), at(1)).Accepted,
		"note is not part of the fingerprint")
}

func TestMaxKeysBound(t *testing.T) {
	f := New(Options{TTL: time.Hour, MaxKeys: 10})
	for i := 0; i < 50; i++ {
		f.Decide("e1", "task_update", taskPayload(fmt.Sprint(i), ""), at(float64(i)))
	}
	assert.LessOrEqual(t, f.Size(), 10)
}

func TestConcurrentEquivalentTriggersAcceptOnce(t *testing.T) {
	f := New(Options{TTL: time.Minute})
	p := taskPayload("t1", "x")

	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Decide("e1", "task_update", p, at(0)).Accepted {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted)
}

func TestFingerprintStable(t *testing.T) {
	fp := NewFingerprinter(nil)
	a := fp.Key("e1", "task_update", map[string]any{"note": "x", "task_id": "t1"})
	b := fp.Key("e1", "task_update", map[string]any{"task_id": "t1", "note": "x"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, []string{"preview_active", "tasks_active"}, fp.FieldsFor("heartbeat"))
}
