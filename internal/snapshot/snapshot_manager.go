package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize in-flight relay state (pending queues + dispatch records) to JSON
// 2. Atomic write (temp file + rename) so a crash never leaves a torn file
// 3. Validate the schema version on load
// 4. Refuse snapshots older than the configured max age (stale correlation
//    state is worse than none)
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// SchemaVersion is the current snapshot layout.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrStaleSnapshot       = errors.New("snapshot is older than the allowed age")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write atomically replaces the snapshot file with data.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = m.now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields empty data and no error.
// maxAge > 0 rejects snapshots taken longer ago than that.
func (m *Manager) Load(maxAge time.Duration) (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := types.SnapshotData{
		Queues:    make(map[string][]types.Command),
		SchemaVer: SchemaVersion,
	}

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if maxAge > 0 && m.now().Sub(data.TakenAt) > maxAge {
		return empty, fmt.Errorf("%w: taken %s", ErrStaleSnapshot, data.TakenAt.Format(time.RFC3339))
	}
	if data.Queues == nil {
		data.Queues = make(map[string][]types.Command)
	}
	return data, nil
}

// Remove deletes the snapshot file once its state has been restored, so a
// second restart cannot replay the same commands.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}

// Exists reports whether the snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot path.
func (m *Manager) GetPath() string {
	return m.path
}
