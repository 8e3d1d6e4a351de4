// ============================================================================
// Edge-Relay Edge Agent - scheduling and wiring for one edge
// ============================================================================
//
// Package: internal/edge
// File: agent.go
//
// Wiring:
//
//   identity.Provider ─> edge id
//   tasks.Store ──OnChange──> Submit(task_update) ─> Emitter.NotifyTaskUpdate
//   actions.Registry  <── Builtins{Store, Emitter, Health}
//                     <── LocalAPI (when local_api_base_url is set)
//
// Schedule (robfig/cron "@every"):
//
//   heartbeat_interval ─> Submit(heartbeat, coalesce) ─> Emitter.Heartbeat
//   poll_interval      ─> Submit(poll, coalesce)      ─> Poller.PollOnce
//
// All jobs run on one worker.Serial goroutine. A tick that finds its purpose
// already queued or running is dropped.
//
// Stop: cron first (no new ticks), then the executor (queued jobs are
// discarded, the running one finishes), then the task store.
//
// A poll already running at Stop still executes and reports the commands it
// pulled; they have left the relay queue and there is no redelivery. The
// agent context is cancelled only after that job returns. No job starts
// after Stop, so no other network call is made.
//
// ============================================================================

package edge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/edge-relay/internal/dedupe"
	"github.com/ChuLiYu/edge-relay/internal/edge/actions"
	"github.com/ChuLiYu/edge-relay/internal/edge/tasks"
	"github.com/ChuLiYu/edge-relay/internal/identity"
	"github.com/ChuLiYu/edge-relay/internal/metrics"
	"github.com/ChuLiYu/edge-relay/internal/worker"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// Job purposes.
const (
	PurposeHeartbeat  = "heartbeat"
	PurposePoll       = "poll"
	PurposeTaskUpdate = "task_update"
	PurposeTrigger    = "trigger"
)

const jobBuffer = 64

// AgentConfig holds the edge settings.
type AgentConfig struct {
	CloudURL          string
	EdgeID            string
	IdentityPath      string
	Token             string
	Source            string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxCommands       int
	HTTPTimeout       time.Duration
	CommandTimeout    time.Duration
	LocalAPIBaseURL   string

	// Client-side pre-filter; disabled unless ClientDedupe is set.
	ClientDedupe      bool
	DedupeTTL         time.Duration
	MinInterval       time.Duration
	FingerprintFields map[string][]string
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentMetrics counts edge sends and executions.
func WithAgentMetrics(m *metrics.Collector) AgentOption {
	return func(a *Agent) { a.metrics = m }
}

// WithCommandSource replaces the HTTP command source.
func WithCommandSource(src worker.CommandSource) AgentOption {
	return func(a *Agent) { a.source = src }
}

// WithSender replaces the HTTP trigger sender.
func WithSender(s Sender) AgentOption {
	return func(a *Agent) { a.sender = s }
}

// Agent runs one edge: heartbeats, command polling and task triggers.
type Agent struct {
	cfg     AgentConfig
	edgeID  string
	metrics *metrics.Collector
	source  worker.CommandSource
	sender  Sender

	client   *Client
	store    *tasks.Store
	registry *actions.Registry
	emitter  *Emitter
	poller   *Poller
	serial   *worker.Serial
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewAgent resolves the edge id and builds every component. Nothing runs
// until Start.
func NewAgent(cfg AgentConfig, opts ...AgentOption) (*Agent, error) {
	a := &Agent{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	edgeID, err := identity.NewProvider(cfg.IdentityPath, cfg.EdgeID).Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve edge id: %w", err)
	}
	a.edgeID = edgeID

	a.client = NewClient(cfg.CloudURL, cfg.Token, cfg.HTTPTimeout)
	if a.source == nil {
		a.source = a.client
	}
	if a.sender == nil {
		a.sender = a.client
	}

	emitterOpts := []EmitterOption{
		WithEmitterMetrics(a.metrics),
		WithSource(cfg.Source),
		WithStatus(func() (bool, int) { return false, a.store.ActiveCount() }),
	}
	if cfg.ClientDedupe {
		emitterOpts = append(emitterOpts, WithClientDedupe(dedupe.New(dedupe.Options{
			TTL:         cfg.DedupeTTL,
			MinInterval: cfg.MinInterval,
			Fields:      cfg.FingerprintFields,
		})))
	}
	a.emitter = NewEmitter(edgeID, a.sender, emitterOpts...)
	a.store = tasks.NewStore(tasks.WithOnChange(a.onTaskChange))

	a.registry = actions.NewRegistry()
	actions.Builtins{Store: a.store, Emitter: a.emitter, Health: a.health}.Register(a.registry)
	if cfg.LocalAPIBaseURL != "" {
		local, err := actions.NewLocalAPI(cfg.LocalAPIBaseURL, cfg.CommandTimeout)
		if err != nil {
			a.store.Close()
			return nil, err
		}
		local.Register(a.registry)
		log.Info("Forwarding actions to local API", "base_url", local.BaseURL)
	}

	a.poller = NewPoller(edgeID, a.source, a.registry,
		WithMaxCommands(cfg.MaxCommands),
		WithCommandTimeout(cfg.CommandTimeout),
		WithPollerMetrics(a.metrics))
	a.serial = worker.NewSerial(jobBuffer)
	a.cron = cron.New()
	return a, nil
}

// EdgeID returns the resolved edge id.
func (a *Agent) EdgeID() string { return a.edgeID }

// Emitter returns the trigger emitter.
func (a *Agent) Emitter() *Emitter { return a.emitter }

// Tasks returns the local task store.
func (a *Agent) Tasks() *tasks.Store { return a.store }

// Actions returns the action registry.
func (a *Agent) Actions() *actions.Registry { return a.registry }

// Poller returns the command poller.
func (a *Agent) Poller() *Poller { return a.poller }

func (a *Agent) health() map[string]any {
	return map[string]any{
		"edge_id":      a.edgeID,
		"tasks_active": a.store.ActiveCount(),
		"sequence":     a.emitter.Sequence(),
		"executed":     a.poller.Executed(),
		"poller_state": a.poller.State().String(),
	}
}

// Start schedules heartbeats and polls and runs one of each immediately.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}
	if a.stopped {
		return worker.ErrPoolClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := a.serial.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := a.schedule(PurposeHeartbeat, a.cfg.HeartbeatInterval, a.heartbeatJob); err != nil {
		cancel()
		a.serial.Stop()
		return err
	}
	if err := a.schedule(PurposePoll, a.cfg.PollInterval, a.pollJob); err != nil {
		cancel()
		a.serial.Stop()
		return err
	}
	a.cancel = cancel
	a.started = true
	a.cron.Start()

	a.submit(worker.Job{Purpose: PurposeHeartbeat, Coalesce: true, Run: a.heartbeatJob})
	a.submit(worker.Job{Purpose: PurposePoll, Coalesce: true, Run: a.pollJob})

	log.Info("Edge agent started",
		"edge_id", a.edgeID,
		"cloud_url", a.cfg.CloudURL,
		"poll_interval", a.cfg.PollInterval,
		"heartbeat_interval", a.cfg.HeartbeatInterval,
		"actions", len(a.registry.Names()))
	return nil
}

func (a *Agent) schedule(purpose string, every time.Duration, run func(context.Context)) error {
	if every <= 0 {
		log.Info("Schedule disabled", "purpose", purpose)
		return nil
	}
	_, err := a.cron.AddFunc("@every "+every.String(), func() {
		a.submit(worker.Job{Purpose: purpose, Coalesce: true, Run: run})
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", purpose, err)
	}
	return nil
}

func (a *Agent) submit(job worker.Job) {
	err := a.serial.Submit(job)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrAlreadyPending):
		log.Debug("Tick dropped, job still pending", "purpose", job.Purpose)
	default:
		log.Warn("Job not submitted", "purpose", job.Purpose, "error", err)
	}
}

func (a *Agent) heartbeatJob(ctx context.Context) {
	_ = a.emitter.Heartbeat(ctx)
}

func (a *Agent) pollJob(ctx context.Context) {
	if _, err := a.poller.PollOnce(ctx); err != nil {
		log.Warn("Poll failed", "edge_id", a.edgeID, "error", err)
	}
}

func (a *Agent) onTaskChange(task tasks.Task, note *tasks.Note) {
	a.submit(worker.Job{
		Purpose: PurposeTaskUpdate,
		Run: func(ctx context.Context) {
			_ = a.emitter.NotifyTaskUpdate(ctx, task, note)
		},
	})
}

// Trigger queues a manual trigger on the executor.
func (a *Agent) Trigger(eventType types.EventType, payload map[string]any) error {
	return a.serial.Submit(worker.Job{
		Purpose: PurposeTrigger,
		Run: func(ctx context.Context) {
			_ = a.emitter.Trigger(ctx, eventType, payload)
		},
	})
}

// PollNow queues a poll outside the schedule.
func (a *Agent) PollNow() error {
	return a.serial.Submit(worker.Job{Purpose: PurposePoll, Coalesce: true, Run: a.pollJob})
}

// Stop halts scheduling and the executor and closes the task store. It is
// safe to call more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	started := a.started
	a.mu.Unlock()

	if started {
		<-a.cron.Stop().Done()
	}
	discarded := a.serial.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.store.Close()
	log.Info("Edge agent stopped", "edge_id", a.edgeID, "discarded_jobs", discarded)
}
