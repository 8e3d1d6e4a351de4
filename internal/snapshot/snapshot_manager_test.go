package snapshot

// ============================================================================
// Snapshot manager tests: atomic write, load, version and age checks
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

func sampleData(tag string) types.SnapshotData {
	return types.SnapshotData{
		Queues: map[string][]types.Command{
			"edge-a": {
				{RequestID: tag + "-1", EdgeID: "edge-a", Action: "ping", Args: map[string]any{}},
				{RequestID: tag + "-2", EdgeID: "edge-a", Action: "list_tasks", Args: map[string]any{}},
			},
		},
		Dispatched: []types.DispatchRecord{
			{RequestID: tag + "-0", EdgeID: "edge-b", Action: "ping", State: types.StateDelivered},
		},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleData("r")))

	loaded, err := manager.Load(0)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.False(t, loaded.TakenAt.IsZero())
	require.Len(t, loaded.Queues["edge-a"], 2)
	assert.Equal(t, "r-1", loaded.Queues["edge-a"][0].RequestID, "queue order survives")
	require.Len(t, loaded.Dispatched, 1)
	assert.Equal(t, "edge-b", loaded.Dispatched[0].EdgeID)
}

func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "relay.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleData("r")))
	assert.True(t, manager.Exists())
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleData("old")))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData("new")))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load(0)
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	// either complete snapshot, never a torn one
	first := loaded.Queues["edge-a"][0].RequestID
	assert.True(t, first == "old-1" || first == "new-1", "got %q", first)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotNil(t, loaded.Queues)
	assert.Empty(t, loaded.Dispatched)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	manager := NewManager(path)

	raw, err := json.Marshal(types.SnapshotData{SchemaVer: 2, TakenAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = manager.Load(0)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	manager := NewManager(path)
	require.NoError(t, os.WriteFile(path, []byte(`{"queues": {"edge-a": [{"request_id"`), 0o644))

	_, err := manager.Load(0)
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestStaleSnapshotRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	manager := NewManager(path)

	data := sampleData("r")
	data.TakenAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, manager.Write(data))

	loaded, err := manager.Load(time.Hour)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Empty(t, loaded.Queues)

	_, err = manager.Load(3 * time.Hour)
	assert.NoError(t, err)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	manager := NewManager(path)

	require.NoError(t, manager.Remove(), "removing a missing snapshot is fine")
	require.NoError(t, manager.Write(sampleData("r")))
	require.NoError(t, manager.Remove())
	assert.False(t, manager.Exists())
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "relay.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(string(rune('a'+i)))))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load(0)
	require.NoError(t, err)
	assert.Len(t, loaded.Queues["edge-a"], 2)
}
