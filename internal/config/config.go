// ============================================================================
// Edge-Relay Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// One YAML file configures both sides of the relay (default
// configs/default.yaml). Durations are Go duration strings ("30s", "5m").
//
// Precedence: defaults < YAML file < environment
//   EDGE_RELAY_TOKEN      cloud.token and edge.token
//   EDGE_RELAY_EDGE_ID    edge.edge_id
//   EDGE_RELAY_CLOUD_URL  edge.cloud_url
//
// A missing file is not an error; Load returns the defaults.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/edge-relay/internal/controller"
	"github.com/ChuLiYu/edge-relay/internal/dedupe"
	"github.com/ChuLiYu/edge-relay/internal/edge"
)

// Environment variables read by Load.
const (
	EnvToken    = "EDGE_RELAY_TOKEN"
	EnvEdgeID   = "EDGE_RELAY_EDGE_ID"
	EnvCloudURL = "EDGE_RELAY_CLOUD_URL"
)

// DefaultPath is where the CLI looks for the config file.
const DefaultPath = "configs/default.yaml"

// Config represents the complete relay configuration.
type Config struct {
	Cloud   Cloud   `yaml:"cloud"`
	Edge    Edge    `yaml:"edge"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

// Cloud configures the relay server.
type Cloud struct {
	Listen            string              `yaml:"listen"`
	GRPCListen        string              `yaml:"grpc_listen"`
	Token             string              `yaml:"token"`
	MaxRecent         int                 `yaml:"max_recent"`
	DedupeTTL         time.Duration       `yaml:"dedupe_ttl"`
	MinInterval       time.Duration       `yaml:"min_interval"`
	DedupeMaxKeys     int                 `yaml:"dedupe_max_keys"`
	FingerprintFields map[string][]string `yaml:"fingerprint_fields"`
	ResultTimeout     time.Duration       `yaml:"result_timeout"`
	ResultRetention   time.Duration       `yaml:"result_retention"`
	EdgeTTL           time.Duration       `yaml:"edge_ttl"`
	MaxQueuePerEdge   int                 `yaml:"max_queue_per_edge"`
	SweepInterval     time.Duration       `yaml:"sweep_interval"`
	ForwardTargets    []string            `yaml:"forward_targets"`
	ForwardToken      string              `yaml:"forward_token"`
	ForwardTimeout    time.Duration       `yaml:"forward_timeout"`
	SnapshotPath      string              `yaml:"snapshot_path"`
	SnapshotMaxAge    time.Duration       `yaml:"snapshot_max_age"`
}

// Edge configures the edge client.
type Edge struct {
	CloudURL          string        `yaml:"cloud_url"`
	EdgeID            string        `yaml:"edge_id"`
	IdentityPath      string        `yaml:"identity_path"`
	Token             string        `yaml:"token"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxCommands       int           `yaml:"max_commands"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	LocalAPIBaseURL   string        `yaml:"local_api_base_url"`
	ClientDedupe      bool          `yaml:"client_dedupe"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Log configures the slog handler installed by the CLI.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	ctrl := controller.DefaultConfig()
	return Config{
		Cloud: Cloud{
			Listen:            ":8787",
			MaxRecent:         ctrl.MaxRecent,
			DedupeTTL:         ctrl.DedupeTTL,
			MinInterval:       ctrl.MinInterval,
			DedupeMaxKeys:     ctrl.DedupeMaxKeys,
			FingerprintFields: dedupe.DefaultFields(),
			ResultTimeout:     ctrl.ResultTimeout,
			ResultRetention:   ctrl.ResultRetention,
			EdgeTTL:           ctrl.EdgeTTL,
			SweepInterval:     ctrl.SweepInterval,
			ForwardTimeout:    3 * time.Second,
			SnapshotMaxAge:    ctrl.SnapshotMaxAge,
		},
		Edge: Edge{
			CloudURL:          "http://127.0.0.1:8787",
			IdentityPath:      "data/edge_identity.yaml",
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxCommands:       5,
			HTTPTimeout:       5 * time.Second,
			CommandTimeout:    30 * time.Second,
		},
		Metrics: Metrics{Enabled: true},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvToken)); v != "" {
		c.Cloud.Token = v
		c.Edge.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvEdgeID)); v != "" {
		c.Edge.EdgeID = v
	}
	if v := strings.TrimSpace(getenv(EnvCloudURL)); v != "" {
		c.Edge.CloudURL = v
	}
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cloud.MaxRecent < 0 {
		errs = append(errs, errors.New("cloud.max_recent must not be negative"))
	}
	if c.Cloud.DedupeTTL < 0 || c.Cloud.MinInterval < 0 {
		errs = append(errs, errors.New("cloud.dedupe_ttl and cloud.min_interval must not be negative"))
	}
	if c.Edge.MaxCommands < 0 {
		errs = append(errs, errors.New("edge.max_commands must not be negative"))
	}
	if c.Edge.PollInterval < 0 || c.Edge.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("edge intervals must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ControllerConfig maps the cloud section onto the controller.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		MaxRecent:         c.Cloud.MaxRecent,
		DedupeTTL:         c.Cloud.DedupeTTL,
		MinInterval:       c.Cloud.MinInterval,
		DedupeMaxKeys:     c.Cloud.DedupeMaxKeys,
		FingerprintFields: c.Cloud.FingerprintFields,
		ResultTimeout:     c.Cloud.ResultTimeout,
		ResultRetention:   c.Cloud.ResultRetention,
		EdgeTTL:           c.Cloud.EdgeTTL,
		MaxQueuePerEdge:   c.Cloud.MaxQueuePerEdge,
		SweepInterval:     c.Cloud.SweepInterval,
		SnapshotPath:      c.Cloud.SnapshotPath,
		SnapshotMaxAge:    c.Cloud.SnapshotMaxAge,
	}
}

// AgentConfig maps the edge section onto the edge agent. The client-side
// filter reuses the cloud's dedupe rules.
func (c *Config) AgentConfig() edge.AgentConfig {
	return edge.AgentConfig{
		CloudURL:          c.Edge.CloudURL,
		EdgeID:            c.Edge.EdgeID,
		IdentityPath:      c.Edge.IdentityPath,
		Token:             c.Edge.Token,
		PollInterval:      c.Edge.PollInterval,
		HeartbeatInterval: c.Edge.HeartbeatInterval,
		MaxCommands:       c.Edge.MaxCommands,
		HTTPTimeout:       c.Edge.HTTPTimeout,
		CommandTimeout:    c.Edge.CommandTimeout,
		LocalAPIBaseURL:   c.Edge.LocalAPIBaseURL,
		ClientDedupe:      c.Edge.ClientDedupe,
		DedupeTTL:         c.Cloud.DedupeTTL,
		MinInterval:       c.Cloud.MinInterval,
		FingerprintFields: c.Cloud.FingerprintFields,
	}
}
