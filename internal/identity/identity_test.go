package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplicitWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("edge_id: from-file\n"), 0o600))

	id, err := NewProvider(path, "  from-flag ").Resolve()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", id)
}

func TestGeneratedIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "identity.yaml")

	first, err := NewProvider(path, "").Resolve()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, Prefix))

	second, err := NewProvider(path, "").Resolve()
	require.NoError(t, err)
	assert.Equal(t, first, second, "same installation, same id")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), first)
}

func TestFileIsRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("edge_id: kitchen-cam\ncreated_at: 2026-01-01T00:00:00Z\n"), 0o600))

	id, err := NewProvider(path, "").Resolve()
	require.NoError(t, err)
	assert.Equal(t, "kitchen-cam", id)
}

func TestEmptyFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("edge_id: \"\"\n"), 0o600))

	_, err := NewProvider(path, "").Resolve()
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("edge_id: [unterminated"), 0o600))

	_, err := NewProvider(path, "").Resolve()
	assert.Error(t, err)
}

func TestNoPathGeneratesEphemeral(t *testing.T) {
	a, err := NewProvider("", "").Resolve()
	require.NoError(t, err)
	b, err := NewProvider("", "").Resolve()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
