// ============================================================================
// Edge-Relay Metrics - Prometheus collectors
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric groups:
//
//   1. Trigger intake (Counter):
//      - relay_triggers_accepted_total{event_type}
//      - relay_triggers_suppressed_total{reason}      dedupe_ttl | min_interval
//      - relay_triggers_rejected_total                 missing edge_id
//      - relay_triggers_forward_failures_total
//
//   2. Command flow (Counter / Histogram):
//      - relay_commands_enqueued_total
//      - relay_commands_dispatched_total
//      - relay_results_total{status, correlated}
//      - relay_commands_expired_total
//      - relay_result_latency_seconds                  dispatch -> result
//
//   3. State (Gauge):
//      - relay_commands_pending
//      - relay_dispatches_unresolved
//      - relay_edges_known
//
//   4. Edge client (Counter):
//      - relay_edge_sends_total{purpose, outcome}      heartbeat|trigger|pull|result
//      - relay_edge_commands_executed_total{status}
//
// Example queries:
//
//   # suppression ratio
//   sum(rate(relay_triggers_suppressed_total[5m]))
//     / (sum(rate(relay_triggers_accepted_total[5m])) + sum(rate(relay_triggers_suppressed_total[5m])))
//
//   # commands delivered but never answered
//   rate(relay_commands_expired_total[15m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every relay metric.
type Collector struct {
	triggersAccepted   *prometheus.CounterVec
	triggersSuppressed *prometheus.CounterVec
	triggersRejected   prometheus.Counter
	forwardFailures    prometheus.Counter

	commandsEnqueued   prometheus.Counter
	commandsDispatched prometheus.Counter
	results            *prometheus.CounterVec
	commandsExpired    prometheus.Counter
	resultLatency      prometheus.Histogram

	commandsPending      prometheus.Gauge
	dispatchesUnresolved prometheus.Gauge
	edgesKnown           prometheus.Gauge

	edgeSends    *prometheus.CounterVec
	edgeExecuted *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates and registers the relay metrics. A nil registry uses
// the Prometheus default registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	c := &Collector{
		triggersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_triggers_accepted_total",
			Help: "Triggers accepted and forwarded downstream",
		}, []string{"event_type"}),
		triggersSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_triggers_suppressed_total",
			Help: "Triggers suppressed by dedupe or rate limiting",
		}, []string{"reason"}),
		triggersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_triggers_rejected_total",
			Help: "Triggers rejected for missing edge_id",
		}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_triggers_forward_failures_total",
			Help: "Accepted triggers that no downstream target took",
		}),
		commandsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_commands_enqueued_total",
			Help: "Commands enqueued for edges",
		}),
		commandsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_commands_dispatched_total",
			Help: "Commands delivered to edges by a pull",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_results_total",
			Help: "Command results posted by edges",
		}, []string{"status", "correlated"}),
		commandsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_commands_expired_total",
			Help: "Delivered commands with no result within the timeout",
		}),
		resultLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_result_latency_seconds",
			Help:    "Time from delivery to result",
			Buckets: prometheus.DefBuckets,
		}),
		commandsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_commands_pending",
			Help: "Commands waiting to be pulled",
		}),
		dispatchesUnresolved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_dispatches_unresolved",
			Help: "Delivered commands still awaiting a result",
		}),
		edgesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_edges_known",
			Help: "Edges seen within the edge TTL",
		}),
		edgeSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_edge_sends_total",
			Help: "Outbound calls made by the edge client",
		}, []string{"purpose", "outcome"}),
		edgeExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_edge_commands_executed_total",
			Help: "Commands executed by the edge client",
		}, []string{"status"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		c.triggersAccepted,
		c.triggersSuppressed,
		c.triggersRejected,
		c.forwardFailures,
		c.commandsEnqueued,
		c.commandsDispatched,
		c.results,
		c.commandsExpired,
		c.resultLatency,
		c.commandsPending,
		c.dispatchesUnresolved,
		c.edgesKnown,
		c.edgeSends,
		c.edgeExecuted,
	)
	return c
}

// RecordTriggerAccepted counts a forwarded trigger.
func (c *Collector) RecordTriggerAccepted(eventType string) {
	c.triggersAccepted.WithLabelValues(eventType).Inc()
}

// RecordTriggerSuppressed counts a dedupe or rate-limit suppression.
func (c *Collector) RecordTriggerSuppressed(reason string) {
	c.triggersSuppressed.WithLabelValues(reason).Inc()
}

// RecordTriggerRejected counts a trigger without edge_id.
func (c *Collector) RecordTriggerRejected() {
	c.triggersRejected.Inc()
}

// RecordForwardFailure counts a trigger no downstream consumer took.
func (c *Collector) RecordForwardFailure() {
	c.forwardFailures.Inc()
}

// RecordEnqueue counts an enqueued command.
func (c *Collector) RecordEnqueue() {
	c.commandsEnqueued.Inc()
}

// RecordDispatch counts delivered commands.
func (c *Collector) RecordDispatch(n int) {
	c.commandsDispatched.Add(float64(n))
}

// RecordResult counts a posted result; latency is observed only for
// correlated results.
func (c *Collector) RecordResult(status string, correlated bool, latencySeconds float64) {
	c.results.WithLabelValues(status, strconv.FormatBool(correlated)).Inc()
	if correlated {
		c.resultLatency.Observe(latencySeconds)
	}
}

// RecordExpired counts delivered commands that timed out.
func (c *Collector) RecordExpired(n int) {
	c.commandsExpired.Add(float64(n))
}

// UpdateQueueStats sets the state gauges.
func (c *Collector) UpdateQueueStats(pending, unresolved, edges int) {
	c.commandsPending.Set(float64(pending))
	c.dispatchesUnresolved.Set(float64(unresolved))
	c.edgesKnown.Set(float64(edges))
}

// RecordEdgeSend counts one edge-side network call.
func (c *Collector) RecordEdgeSend(purpose string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.edgeSends.WithLabelValues(purpose, outcome).Inc()
}

// RecordEdgeExecuted counts one command executed on the edge.
func (c *Collector) RecordEdgeExecuted(status string) {
	c.edgeExecuted.WithLabelValues(status).Inc()
}

// Handler serves the metrics this collector registered.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
