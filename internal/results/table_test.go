package results

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func result(edgeID, requestID string, status types.ResultStatus) types.CommandResult {
	return types.CommandResult{
		RequestID:  requestID,
		EdgeID:     edgeID,
		Status:     status,
		ReceivedAt: t0.Add(time.Second),
	}
}

func TestRecordResultCorrelates(t *testing.T) {
	tbl := New(10)
	tbl.RecordDispatched("r1", "e1", "ping", t0)

	res, ok := tbl.RecordResult(result("e1", "r1", types.StatusSuccess))
	require.True(t, ok)
	assert.Equal(t, types.StateResolved, res.Record.State)
	assert.Equal(t, "ping", res.Record.Action)
	assert.Equal(t, time.Second, res.Latency)

	recent := tbl.ListRecent("e1", 0)
	require.Len(t, recent, 1)
	assert.Equal(t, types.StatusSuccess, recent[0].Status)
}

func TestRecordResultUnknownIsNoop(t *testing.T) {
	tbl := New(10)

	_, ok := tbl.RecordResult(result("e1", "never-sent", types.StatusSuccess))
	assert.False(t, ok)
	assert.Empty(t, tbl.ListRecent("", 0), "stray results must not look like dispatches")
}

func TestRecordResultTwiceSecondIsUnknown(t *testing.T) {
	tbl := New(10)
	tbl.RecordDispatched("r1", "e1", "ping", t0)

	_, ok := tbl.RecordResult(result("e1", "r1", types.StatusSuccess))
	require.True(t, ok)
	_, ok = tbl.RecordResult(result("e1", "r1", types.StatusError))
	assert.False(t, ok)
	assert.Len(t, tbl.ListRecent("", 0), 1)
}

func TestRecordResultWithoutEdgeID(t *testing.T) {
	tbl := New(10)
	tbl.RecordDispatched("r1", "e1", "ping", t0)

	_, ok := tbl.RecordResult(result("", "r1", types.StatusSuccess))
	require.True(t, ok)
	assert.Equal(t, "e1", tbl.ListRecent("e1", 1)[0].EdgeID)
}

func TestRingEvictsFIFO(t *testing.T) {
	tbl := New(3)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		tbl.RecordDispatched(id, "e1", "a", t0)
		_, ok := tbl.RecordResult(result("e1", id, types.StatusSuccess))
		require.True(t, ok)
	}

	recent := tbl.ListRecent("", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, "r4", recent[0].RequestID)
	assert.Equal(t, "r3", recent[1].RequestID)
	assert.Equal(t, "r2", recent[2].RequestID)

	assert.Len(t, tbl.ListRecent("", 2), 2)
	assert.Empty(t, tbl.ListRecent("other", 0))
}

func TestSweepExpiresThenForgets(t *testing.T) {
	tbl := New(10)
	tbl.RecordDispatched("old", "e1", "a", t0)
	tbl.RecordDispatched("new", "e1", "a", t0.Add(50*time.Second))

	expired := tbl.Sweep(t0.Add(60*time.Second), 30*time.Second, 5*time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].RequestID)
	assert.Equal(t, types.StateExpired, expired[0].State)

	unresolved, nExpired, _ := tbl.Stats()
	assert.Equal(t, 2, unresolved)
	assert.Equal(t, 1, nExpired)

	// a late result still correlates
	_, ok := tbl.RecordResult(result("e1", "old", types.StatusSuccess))
	assert.True(t, ok)

	tbl.RecordDispatched("stale", "e1", "a", t0)
	tbl.Sweep(t0.Add(time.Minute), 30*time.Second, 5*time.Minute)
	tbl.Sweep(t0.Add(10*time.Minute), 30*time.Second, 5*time.Minute)
	for _, rec := range tbl.ListUnresolved() {
		assert.NotEqual(t, "stale", rec.RequestID)
	}
}

func TestRestore(t *testing.T) {
	tbl := New(10)
	n := tbl.Restore([]types.DispatchRecord{
		{RequestID: "r1", EdgeID: "e1", DispatchedAt: t0},
		{RequestID: "", EdgeID: "e1"},
	})
	assert.Equal(t, 1, n)

	_, ok := tbl.RecordResult(result("e1", "r1", types.StatusSuccess))
	assert.True(t, ok)
}
