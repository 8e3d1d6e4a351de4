// Package identity resolves the stable edge_id of an installation.
//
// Resolution order: an explicit id (flag, config or EDGE_RELAY_EDGE_ID),
// then the identity file, then a freshly generated id that is written to
// the identity file so the next start reuses it.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var log = slog.Default()

// Prefix is prepended to generated ids.
const Prefix = "edge-"

// ErrInvalidIdentity is returned when the identity file holds no usable id.
var ErrInvalidIdentity = errors.New("identity file has no edge_id")

// Identity is the persisted form.
type Identity struct {
	EdgeID    string    `yaml:"edge_id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Provider resolves and persists the edge id.
type Provider struct {
	path     string
	explicit string
	now      func() time.Time
}

// NewProvider creates a Provider. explicit wins over the file when set;
// path may be empty to disable persistence.
func NewProvider(path, explicit string) *Provider {
	return &Provider{
		path:     path,
		explicit: strings.TrimSpace(explicit),
		now:      time.Now,
	}
}

// Resolve returns the edge id, generating and persisting one if needed.
func (p *Provider) Resolve() (string, error) {
	if p.explicit != "" {
		return p.explicit, nil
	}
	if p.path == "" {
		return Generate(), nil
	}

	id, err := p.load()
	switch {
	case err == nil:
		return id.EdgeID, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", err
	}

	id = Identity{EdgeID: Generate(), CreatedAt: p.now().UTC()}
	if err := p.save(id); err != nil {
		return "", err
	}
	log.Info("Generated edge identity", "edge_id", id.EdgeID, "path", p.path)
	return id.EdgeID, nil
}

func (p *Provider) load() (Identity, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := yaml.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("failed to parse identity file %s: %w", p.path, err)
	}
	id.EdgeID = strings.TrimSpace(id.EdgeID)
	if id.EdgeID == "" {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidIdentity, p.path)
	}
	return id, nil
}

func (p *Provider) save(id Identity) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	raw, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename identity: %w", err)
	}
	return nil
}

// Generate returns a new random edge id.
func Generate() string {
	return Prefix + uuid.NewString()
}
