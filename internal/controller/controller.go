// ============================================================================
// Edge-Relay Controller - cloud-side coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// Wiring:
//   - CommandQueue: per-edge FIFO of queued commands
//   - PendingResultTable: correlation of delivered commands with results
//   - TriggerIntake: dedupe/rate limit, forwards to RecentLog + consumer
//   - edge registry: last_seen per edge for listEdges
//   - Snapshot: queued commands and dispatch records across a restart
//   - Metrics: optional Prometheus collector
//
// Core loop (1 goroutine):
//   housekeepingLoop - every SweepInterval:
//     1. mark delivered commands older than ResultTimeout as expired
//        (observability only, nothing is requeued)
//     2. forget expired records older than ResultRetention
//     3. evict edges idle for EdgeTTL with no queued command
//     4. refresh gauges
//
// Startup:
//   loadSnapshot() - restore queues and dispatch records if the snapshot
//   is younger than SnapshotMaxAge, then remove the file
//
// Shutdown:
//   close(stopCh) -> loopWg.Wait() -> final snapshot
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
	"github.com/ChuLiYu/edge-relay/internal/dedupe"
	"github.com/ChuLiYu/edge-relay/internal/metrics"
	"github.com/ChuLiYu/edge-relay/internal/results"
	"github.com/ChuLiYu/edge-relay/internal/snapshot"
	"github.com/ChuLiYu/edge-relay/internal/trigger"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Configuration
// ============================================================================

// Config holds the cloud relay settings.
type Config struct {
	MaxRecent         int                 // recent triggers/results ring size
	DedupeTTL         time.Duration       // content dedupe window
	MinInterval       time.Duration       // per-edge minimum gap between accepted triggers
	DedupeMaxKeys     int                 // dedupe map bound
	FingerprintFields map[string][]string // payload fields per event type
	ResultTimeout     time.Duration       // delivered -> expired
	ResultRetention   time.Duration       // expired records kept this long
	EdgeTTL           time.Duration       // idle edges forgotten after this
	MaxQueuePerEdge   int                 // 0 = unbounded
	SweepInterval     time.Duration       // housekeeping period
	SnapshotPath      string              // empty disables snapshots
	SnapshotMaxAge    time.Duration       // older snapshots are ignored
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecent:       results.DefaultCapacity,
		DedupeTTL:       30 * time.Second,
		MinInterval:     0,
		DedupeMaxKeys:   dedupe.DefaultMaxKeys,
		ResultTimeout:   5 * time.Minute,
		ResultRetention: 30 * time.Minute,
		EdgeTTL:         24 * time.Hour,
		SweepInterval:   5 * time.Second,
		SnapshotMaxAge:  10 * time.Minute,
	}
}

// Option customizes a Controller.
type Option func(*Controller)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithConsumer adds a downstream trigger consumer after the recent log.
func WithConsumer(consumer trigger.Consumer) Option {
	return func(c *Controller) { c.consumer = consumer }
}

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ============================================================================
// Controller
// ============================================================================

// Controller coordinates the cloud side of the relay.
type Controller struct {
	config   Config
	queue    *commandqueue.Queue
	results  *results.Table
	triggers *trigger.RecentLog
	intake   *trigger.Intake
	filter   *dedupe.Filter
	edges    *edgeRegistry
	snapshot *snapshot.Manager
	metrics  *metrics.Collector
	consumer trigger.Consumer
	now      func() time.Time

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// NewController builds a controller. It does not start any goroutine.
func NewController(config Config, opts ...Option) *Controller {
	c := &Controller{
		config: config,
		edges:  newEdgeRegistry(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.queue = commandqueue.New(commandqueue.Options{MaxPerEdge: config.MaxQueuePerEdge, Now: c.now})
	c.results = results.New(config.MaxRecent)
	c.triggers = trigger.NewRecentLog(config.MaxRecent)
	c.filter = dedupe.New(dedupe.Options{
		TTL:         config.DedupeTTL,
		MinInterval: config.MinInterval,
		MaxKeys:     config.DedupeMaxKeys,
		Fields:      config.FingerprintFields,
	})

	var consumer trigger.Consumer = c.triggers
	if c.consumer != nil {
		consumer = trigger.Fanout{c.triggers, c.consumer}
	}
	intakeOpts := []trigger.Option{trigger.WithClock(c.now)}
	if c.metrics != nil {
		intakeOpts = append(intakeOpts, trigger.WithRecorder(c.metrics))
	}
	c.intake = trigger.NewIntake(c.filter, consumer, intakeOpts...)

	if config.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
	}
	return c
}

// Start restores the snapshot and launches the housekeeping loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = c.now()

	c.loadSnapshot()

	interval := c.config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.loopWg.Add(1)
	go c.housekeepingLoop(interval)

	log.Info("Controller started",
		"dedupe_ttl", c.config.DedupeTTL,
		"min_interval", c.config.MinInterval,
		"result_timeout", c.config.ResultTimeout)
	return nil
}

// loadSnapshot restores in-flight state. Failures are logged, never fatal.
func (c *Controller) loadSnapshot() {
	if c.snapshot == nil {
		return
	}
	start := time.Now()

	data, err := c.snapshot.Load(c.config.SnapshotMaxAge)
	if err != nil {
		log.Warn("Ignoring snapshot", "path", c.snapshot.GetPath(), "error", err)
		return
	}

	queued := c.queue.Restore(data.Queues)
	dispatched := c.results.Restore(data.Dispatched)
	for edgeID := range data.Queues {
		c.edges.touch(edgeID, data.TakenAt)
	}
	for _, rec := range data.Dispatched {
		c.edges.touch(rec.EdgeID, data.TakenAt)
	}

	if queued > 0 || dispatched > 0 {
		log.Info("Snapshot restored",
			"duration", time.Since(start),
			"queued", queued,
			"dispatched", dispatched)
	}
	if err := c.snapshot.Remove(); err != nil {
		log.Warn("Failed to remove restored snapshot", "error", err)
	}
}

func (c *Controller) housekeepingLoop(interval time.Duration) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Housekeeping loop stopped")
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep runs one housekeeping pass. The loop calls it on every tick; tests
// call it directly.
func (c *Controller) Sweep() {
	now := c.now()

	expired := c.results.Sweep(now, c.config.ResultTimeout, c.config.ResultRetention)
	for _, rec := range expired {
		log.Warn("Command result overdue",
			"edge_id", rec.EdgeID,
			"request_id", rec.RequestID,
			"action", rec.Action,
			"dispatched_at", rec.DispatchedAt)
	}

	pending := func(edgeID string) bool { return c.queue.Len(edgeID) > 0 }
	if n := c.edges.evict(now, c.config.EdgeTTL, pending); n > 0 {
		log.Debug("Evicted idle edges", "count", n)
	}
	c.queue.Prune(c.edges.has)

	if c.metrics != nil {
		if len(expired) > 0 {
			c.metrics.RecordExpired(len(expired))
		}
		unresolved, _, _ := c.results.Stats()
		c.metrics.UpdateQueueStats(c.queue.Total(), unresolved, len(c.edges.snapshot()))
	}
}

// takeSnapshot writes queued commands and dispatch records.
func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	data := types.SnapshotData{
		Queues:     c.queue.Export(),
		Dispatched: c.results.ListUnresolved(),
		TakenAt:    c.now(),
	}
	if len(data.Queues) == 0 && len(data.Dispatched) == 0 {
		return nil
	}
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	log.Info("Snapshot taken", "edges", len(data.Queues), "dispatched", len(data.Dispatched))
	return nil
}

// Stop ends the housekeeping loop and writes the final snapshot.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	if started {
		c.loopWg.Wait()
	}
	if err := c.takeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}
	log.Info("Controller stopped")
}

// ============================================================================
// Relay operations
// ============================================================================

// SubmitTrigger records edge liveness and runs the trigger through intake.
// Liveness is recorded even when the trigger is suppressed.
func (c *Controller) SubmitTrigger(ctx context.Context, t types.Trigger) (trigger.Outcome, error) {
	t.EdgeID = strings.TrimSpace(t.EdgeID)
	c.edges.touch(t.EdgeID, c.now())
	return c.intake.Accept(ctx, t)
}

// Enqueue queues a command for an edge.
func (c *Controller) Enqueue(ctx context.Context, req commandqueue.EnqueueRequest) (types.Command, error) {
	// register the edge first so a concurrent Sweep keeps its slot
	if edgeID := strings.TrimSpace(req.EdgeID); edgeID != "" && strings.TrimSpace(req.Action) != "" {
		c.edges.touch(edgeID, c.now())
	}
	cmd, err := c.queue.Enqueue(req)
	if err != nil {
		return types.Command{}, err
	}
	if c.metrics != nil {
		c.metrics.RecordEnqueue()
	}
	log.Info("Command enqueued", "edge_id", cmd.EdgeID, "request_id", cmd.RequestID, "action", cmd.Action)
	return cmd, nil
}

// Pull hands up to max queued commands to edgeID and starts tracking them.
func (c *Controller) Pull(ctx context.Context, edgeID string, max int) ([]types.Command, error) {
	edgeID = strings.TrimSpace(edgeID)
	if edgeID == "" {
		return nil, commandqueue.ErrMissingEdgeID
	}
	if c.isStopped() {
		return nil, ErrStopped
	}
	now := c.now()
	c.edges.touch(edgeID, now)

	cmds := c.queue.Pull(edgeID, max)
	for _, cmd := range cmds {
		c.results.RecordDispatched(cmd.RequestID, edgeID, cmd.Action, now)
	}
	if len(cmds) > 0 {
		if c.metrics != nil {
			c.metrics.RecordDispatch(len(cmds))
		}
		log.Info("Commands delivered", "edge_id", edgeID, "count", len(cmds))
	}
	return cmds, nil
}

// PostResult records a result. It reports whether the result matched a
// delivered command; unknown results are accepted and logged.
func (c *Controller) PostResult(ctx context.Context, res types.CommandResult) (bool, error) {
	res.RequestID = strings.TrimSpace(res.RequestID)
	res.EdgeID = strings.TrimSpace(res.EdgeID)
	res.ReceivedAt = c.now()
	if res.Status == "" {
		res.Status = types.StatusSuccess
		if res.Error != "" {
			res.Status = types.StatusError
		}
	}
	c.edges.touch(res.EdgeID, res.ReceivedAt)

	resolution, ok := c.results.RecordResult(res)
	if c.metrics != nil {
		c.metrics.RecordResult(string(res.Status), ok, resolution.Latency.Seconds())
	}
	if !ok {
		log.Warn("Result for unknown request", "edge_id", res.EdgeID, "request_id", res.RequestID)
		return false, nil
	}
	log.Info("Command resolved",
		"edge_id", resolution.Record.EdgeID,
		"request_id", res.RequestID,
		"action", resolution.Record.Action,
		"status", res.Status,
		"latency", resolution.Latency)
	return true, nil
}

// ListEdges returns known edges, most recently seen first.
func (c *Controller) ListEdges() []types.EdgeInfo {
	now := c.now()
	seen := c.edges.snapshot()
	out := make([]types.EdgeInfo, 0, len(seen))
	for id, at := range seen {
		age := now.Sub(at).Seconds()
		if age < 0 {
			age = 0
		}
		out = append(out, types.EdgeInfo{
			EdgeID:          id,
			LastSeenAt:      at,
			LastSeenAgeSecs: float64(int64(age*1000)) / 1000,
			PendingCommands: c.queue.Len(id),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].EdgeID < out[j].EdgeID
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

// ListRecentResults returns correlated results, newest first.
func (c *Controller) ListRecentResults(edgeID string, limit int) []types.CommandResult {
	return c.results.ListRecent(strings.TrimSpace(edgeID), limit)
}

// ListRecentTriggers returns accepted triggers, newest first.
func (c *Controller) ListRecentTriggers(edgeID string, limit int) []types.Trigger {
	return c.triggers.List(strings.TrimSpace(edgeID), limit)
}

// ListPending returns queued commands, for one edge or all.
func (c *Controller) ListPending(edgeID string, limit int) []types.PendingCommand {
	edgeID = strings.TrimSpace(edgeID)
	if edgeID != "" {
		return c.queue.Pending(edgeID, limit)
	}
	return c.queue.PendingAll(limit)
}

// GetStatus summarizes relay state.
func (c *Controller) GetStatus() map[string]interface{} {
	unresolved, expired, retained := c.results.Stats()

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = c.now().Sub(c.startTime)
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":          uptime.String(),
		"edges":           len(c.edges.snapshot()),
		"pending":         c.queue.Total(),
		"unresolved":      unresolved,
		"expired":         expired,
		"results":         retained,
		"dedupe_keys":     c.filter.Size(),
		"dedupe_ttl":      c.config.DedupeTTL.String(),
		"min_interval":    c.config.MinInterval.String(),
		"snapshot_active": c.snapshot != nil,
	}
}
