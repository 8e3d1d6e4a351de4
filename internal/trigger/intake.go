// ============================================================================
// Edge-Relay Trigger Intake - dedupe, rate limit, forward
// ============================================================================
//
// Package: internal/trigger
// File: intake.go
//
// Flow for one trigger:
//
//   edge_id blank?            -> ErrMissingEdgeID (HTTP 400)
//   filter.Decide(now)        -> suppressed: Outcome{Accepted:false, Reason}
//                                (reported as success so edges never retry)
//   accepted                  -> consumer.Consume (errors logged, counted,
//                                never returned to the edge)
//
// The dedupe entry is recorded before forwarding, so the forward runs detached
// from the edge's request context. An edge hanging up mid-forward must not
// cancel a trigger whose retries are already suppressed. Consumers bound
// their own work (WebhookForwarder's per-target timeout).
//
// Time always comes from the intake clock. The edge's sent_at is carried in
// the payload but never used for windowing.
//
// ============================================================================

package trigger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/dedupe"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

var log = slog.Default()

// ErrMissingEdgeID is returned for triggers without an edge_id.
var ErrMissingEdgeID = errors.New("edge_id is required")

// Consumer receives accepted triggers.
type Consumer interface {
	Consume(ctx context.Context, t types.Trigger, dedupeKey string) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, t types.Trigger, dedupeKey string) error

// Consume calls f.
func (f ConsumerFunc) Consume(ctx context.Context, t types.Trigger, dedupeKey string) error {
	return f(ctx, t, dedupeKey)
}

// Recorder receives intake counters. *metrics.Collector implements it.
type Recorder interface {
	RecordTriggerAccepted(eventType string)
	RecordTriggerSuppressed(reason string)
	RecordTriggerRejected()
	RecordForwardFailure()
}

// Outcome is returned for every well-formed trigger.
type Outcome struct {
	Accepted   bool      `json:"accepted"`
	Reason     string    `json:"reason,omitempty"`
	DedupeKey  string    `json:"dedupe_key"`
	ReceivedAt time.Time `json:"received_at"`
}

// Intake applies the filter and forwards accepted triggers.
type Intake struct {
	filter   *dedupe.Filter
	consumer Consumer
	recorder Recorder
	now      func() time.Time
}

// Option configures an Intake.
type Option func(*Intake)

// WithClock overrides the intake clock.
func WithClock(now func() time.Time) Option {
	return func(i *Intake) { i.now = now }
}

// WithRecorder attaches metrics.
func WithRecorder(r Recorder) Option {
	return func(i *Intake) { i.recorder = r }
}

// NewIntake builds an Intake. consumer may be nil.
func NewIntake(filter *dedupe.Filter, consumer Consumer, opts ...Option) *Intake {
	i := &Intake{filter: filter, consumer: consumer, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Accept runs one trigger through the intake.
func (i *Intake) Accept(ctx context.Context, t types.Trigger) (Outcome, error) {
	t.EdgeID = strings.TrimSpace(t.EdgeID)
	if t.EdgeID == "" {
		if i.recorder != nil {
			i.recorder.RecordTriggerRejected()
		}
		return Outcome{}, ErrMissingEdgeID
	}
	if t.EventType == "" {
		t.EventType = types.EventTaskUpdate
	}

	now := i.now()
	t.ReceivedAt = now

	d := i.filter.Decide(t.EdgeID, string(t.EventType), t.Payload, now)
	out := Outcome{Accepted: d.Accepted, Reason: d.Reason, DedupeKey: d.Key, ReceivedAt: now}

	if !d.Accepted {
		log.Debug("Trigger suppressed", "edge_id", t.EdgeID, "event_type", t.EventType, "reason", d.Reason)
		if i.recorder != nil {
			i.recorder.RecordTriggerSuppressed(d.Reason)
		}
		return out, nil
	}

	log.Info("Trigger accepted", "edge_id", t.EdgeID, "event_type", t.EventType)
	if i.recorder != nil {
		i.recorder.RecordTriggerAccepted(string(t.EventType))
	}
	if i.consumer != nil {
		if err := i.consumer.Consume(context.WithoutCancel(ctx), t, d.Key); err != nil {
			log.Warn("Trigger forward failed", "edge_id", t.EdgeID, "error", err)
			if i.recorder != nil {
				i.recorder.RecordForwardFailure()
			}
		}
	}
	return out, nil
}
