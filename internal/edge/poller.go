package edge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/metrics"
	"github.com/ChuLiYu/edge-relay/internal/worker"
)

// ============================================================================
// Command poller
// ============================================================================
//
// One PollOnce:
//
//   idle -> pulling --(empty / 204)--------------------------> idle
//                   \-> for each command, in order:
//                         executing -> reporting
//                                                  ---------> idle
//
// Every pulled command produces exactly one posted result, including
// commands without a request_id. A failed report is logged and counted;
// the remaining commands still run.

// State is the poller's position in one poll cycle.
type State int32

const (
	StateIdle State = iota
	StatePulling
	StateExecuting
	StateReporting
)

func (s State) String() string {
	switch s {
	case StatePulling:
		return "pulling"
	case StateExecuting:
		return "executing"
	case StateReporting:
		return "reporting"
	default:
		return "idle"
	}
}

// DefaultCommandTimeout bounds one handler call.
const DefaultCommandTimeout = 30 * time.Second

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithMaxCommands sets how many commands one pull may return.
func WithMaxCommands(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxCommands = n
		}
	}
}

// WithCommandTimeout bounds each handler call.
func WithCommandTimeout(d time.Duration) PollerOption {
	return func(p *Poller) { p.commandTimeout = d }
}

// WithPollerMetrics counts pulls, reports and executions.
func WithPollerMetrics(m *metrics.Collector) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// Poller pulls commands for one edge, runs them and reports results.
type Poller struct {
	edgeID         string
	source         worker.CommandSource
	exec           worker.Executor
	maxCommands    int
	commandTimeout time.Duration
	metrics        *metrics.Collector
	state          atomic.Int32
	executed       atomic.Int64
}

// NewPoller creates a poller.
func NewPoller(edgeID string, source worker.CommandSource, exec worker.Executor, opts ...PollerOption) *Poller {
	p := &Poller{
		edgeID:         edgeID,
		source:         source,
		exec:           exec,
		maxCommands:    1,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current cycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Executed returns how many commands this poller has run.
func (p *Poller) Executed() int64 {
	return p.executed.Load()
}

func (p *Poller) countSend(purpose string, err error) {
	if p.metrics != nil {
		p.metrics.RecordEdgeSend(purpose, err == nil)
	}
}

// PollOnce runs one cycle and returns how many commands were pulled. The
// error reports a failed pull, or the joined failures of result reports.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	defer p.state.Store(int32(StateIdle))

	p.state.Store(int32(StatePulling))
	cmds, err := p.source.Pull(ctx, p.edgeID, p.maxCommands)
	p.countSend("pull", err)
	if err != nil {
		return 0, fmt.Errorf("pull commands: %w", err)
	}
	if len(cmds) == 0 {
		return 0, nil
	}
	log.Info("Pulled commands", "edge_id", p.edgeID, "count", len(cmds))

	var reportErrs []error
	for _, cmd := range cmds {
		p.state.Store(int32(StateExecuting))
		res := worker.Execute(ctx, p.exec, p.edgeID, cmd, p.commandTimeout)
		p.executed.Add(1)
		if p.metrics != nil {
			p.metrics.RecordEdgeExecuted(string(res.Status))
		}
		log.Info("Command executed",
			"edge_id", p.edgeID,
			"request_id", res.RequestID,
			"action", cmd.Action,
			"status", res.Status,
			"duration", res.Duration)

		p.state.Store(int32(StateReporting))
		err := p.source.Report(ctx, res.CommandResult, cmd.ReplyURL)
		p.countSend("result", err)
		if err != nil {
			log.Warn("Result report failed", "edge_id", p.edgeID, "request_id", res.RequestID, "error", err)
			reportErrs = append(reportErrs, fmt.Errorf("report %s: %w", res.RequestID, err))
		}
	}
	return len(cmds), errors.Join(reportErrs...)
}
