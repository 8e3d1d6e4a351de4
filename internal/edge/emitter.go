package edge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/dedupe"
	"github.com/ChuLiYu/edge-relay/internal/edge/tasks"
	"github.com/ChuLiYu/edge-relay/internal/metrics"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// ============================================================================
// Trigger emitter
// ============================================================================
//
// Every trigger carries edge_id, event_type, source, sequence and
// sent_at_ms. The sequence is per edge and increases by one per send
// attempt. Send failures are soft: logged, counted and returned, never
// panicking the caller.
//
// With a client-side filter, non-heartbeat triggers go through the same
// dedupe and min-interval rules as the relay before leaving the edge.
// Heartbeats always go out; they are the edge's liveness signal.

// DefaultSource is the trigger source when none is configured.
const DefaultSource = "edge-relay"

const historySize = 50

// Sender delivers one trigger body. *Client implements it.
type Sender interface {
	SendTrigger(ctx context.Context, body map[string]any) error
}

// StatusFunc reports the edge state carried on heartbeats.
type StatusFunc func() (previewActive bool, tasksActive int)

// SendRecord describes one emit attempt, newest kept in memory for
// inspection.
type SendRecord struct {
	EventType  types.EventType `json:"event_type"`
	Sequence   int64           `json:"sequence,omitempty"`
	Status     string          `json:"status"` // ok, skipped, send_error
	Reason     string          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
	DurationMS int64           `json:"duration_ms"`
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithClientDedupe enables the local pre-filter.
func WithClientDedupe(f *dedupe.Filter) EmitterOption {
	return func(e *Emitter) { e.filter = f }
}

// WithEmitterMetrics counts sends.
func WithEmitterMetrics(m *metrics.Collector) EmitterOption {
	return func(e *Emitter) { e.metrics = m }
}

// WithStatus supplies heartbeat state.
func WithStatus(fn StatusFunc) EmitterOption {
	return func(e *Emitter) { e.status = fn }
}

// WithSource overrides the trigger source.
func WithSource(source string) EmitterOption {
	return func(e *Emitter) {
		if s := strings.TrimSpace(source); s != "" {
			e.source = s
		}
	}
}

// WithEmitterClock overrides the clock.
func WithEmitterClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

// Emitter sends triggers for one edge.
type Emitter struct {
	edgeID  string
	source  string
	sender  Sender
	filter  *dedupe.Filter
	metrics *metrics.Collector
	status  StatusFunc
	now     func() time.Time
	seq     atomic.Int64

	mu      sync.Mutex
	history []SendRecord
}

// NewEmitter creates an emitter for edgeID.
func NewEmitter(edgeID string, sender Sender, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		edgeID: edgeID,
		source: DefaultSource,
		sender: sender,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sequence returns the last sequence number used.
func (e *Emitter) Sequence() int64 {
	return e.seq.Load()
}

// Heartbeat sends a liveness trigger.
func (e *Emitter) Heartbeat(ctx context.Context) error {
	preview, active := false, 0
	if e.status != nil {
		preview, active = e.status()
	}
	return e.Trigger(ctx, types.EventHeartbeat, map[string]any{
		"preview_active": preview,
		"tasks_active":   active,
	})
}

// NotifyTaskUpdate reports a task change. note may be nil, in which case
// the task's latest note is used.
func (e *Emitter) NotifyTaskUpdate(ctx context.Context, task tasks.Task, note *tasks.Note) error {
	var content string
	var ts any
	if note == nil {
		if latest, ok := task.LatestNote(); ok {
			note = &latest
		}
	}
	if note != nil {
		content = note.Content
		ts = note.Timestamp.Unix()
	}
	return e.Trigger(ctx, types.EventTaskUpdate, map[string]any{
		"task_id":          task.TaskID,
		"task_number":      task.TaskNumber,
		"io_id":            task.IOID,
		"task_description": task.Description,
		"task_done":        task.Done,
		"task_status":      task.Status,
		"note":             content,
		"note_timestamp":   ts,
	})
}

// EmitTestEvent sends a manual test_event trigger.
func (e *Emitter) EmitTestEvent(ctx context.Context, payload map[string]any) error {
	return e.Trigger(ctx, types.EventTest, payload)
}

// Trigger sends one trigger of eventType.
func (e *Emitter) Trigger(ctx context.Context, eventType types.EventType, payload map[string]any) error {
	if eventType == "" {
		eventType = types.EventTaskUpdate
	}
	now := e.now()

	if e.filter != nil && eventType != types.EventHeartbeat {
		d := e.filter.Decide(e.edgeID, string(eventType), payload, now)
		if !d.Accepted {
			log.Debug("Trigger skipped locally", "edge_id", e.edgeID, "event_type", eventType, "reason", d.Reason)
			e.record(SendRecord{EventType: eventType, Status: "skipped", Reason: d.Reason, At: now})
			return nil
		}
	}

	seq := e.seq.Add(1)
	body := make(map[string]any, len(payload)+5)
	for k, v := range payload {
		body[k] = v
	}
	body["source"] = e.source
	body["event_type"] = string(eventType)
	body["edge_id"] = e.edgeID
	body["sequence"] = seq
	body["sent_at_ms"] = now.UnixMilli()

	start := time.Now()
	err := e.send(ctx, body)
	rec := SendRecord{
		EventType:  eventType,
		Sequence:   seq,
		Status:     "ok",
		At:         now,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		rec.Status = "send_error"
		rec.Error = err.Error()
		log.Warn("Trigger send failed", "edge_id", e.edgeID, "event_type", eventType, "sequence", seq, "error", err)
	} else {
		log.Debug("Trigger sent", "edge_id", e.edgeID, "event_type", eventType, "sequence", seq)
	}
	e.record(rec)
	if e.metrics != nil {
		e.metrics.RecordEdgeSend(string(eventType), err == nil)
	}
	return err
}

func (e *Emitter) send(ctx context.Context, body map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("trigger sender panicked")
			log.Error("Trigger sender panicked", "panic", r)
		}
	}()
	if e.sender == nil {
		return errors.New("no trigger sender configured")
	}
	return e.sender.SendTrigger(ctx, body)
}

func (e *Emitter) record(rec SendRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, rec)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
}

// Recent returns up to limit send records, newest first.
func (e *Emitter) Recent(limit int) []SendRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SendRecord, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		out = append(out, e.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
