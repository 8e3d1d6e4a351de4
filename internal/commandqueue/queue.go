// ============================================================================
// Edge-Relay Command Queue - per-edge FIFO of pending commands
// ============================================================================
//
// Package: internal/commandqueue
// File: queue.go
//
// Layout:
//   slots map[edgeID]*slot   guarded by Queue.mu (lookup/creation only)
//   slot.cmds []Command      guarded by slot.mu (FIFO, front = oldest)
//
//   Enqueue and Pull for edge A never take edge B's lock. Queue.mu is held
//   only long enough to find or create a slot, so a slow pull on one edge
//   cannot stall any other edge.
//
//   Prune marks a slot removed under slot.mu before dropping it from the
//   map. Writers lock the slot and retry with a fresh one if it was marked,
//   so a command is never appended to a slot the map no longer holds.
//
// Lifecycle:
//   Enqueue -> queued
//   Pull    -> removed from the slot and handed to the caller (delivered)
//   There is no redelivery: a pulled command is the caller's from then on.
//
// ============================================================================

package commandqueue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

var (
	// ErrMissingEdgeID is returned when a command has no target edge.
	ErrMissingEdgeID = errors.New("edge_id is required")
	// ErrMissingAction is returned when a command has no action name.
	ErrMissingAction = errors.New("action is required")
	// ErrDuplicateRequest is returned when a caller-supplied request_id is
	// still queued for the same edge.
	ErrDuplicateRequest = errors.New("request_id already queued for edge")
	// ErrQueueFull is returned when an edge's queue is at MaxPerEdge.
	ErrQueueFull = errors.New("edge command queue is full")
)

// Options configures a Queue.
type Options struct {
	// MaxPerEdge bounds each edge's pending commands. 0 = unbounded.
	MaxPerEdge int
	// Now overrides the clock (tests).
	Now func() time.Time
}

// EnqueueRequest describes a command to add.
type EnqueueRequest struct {
	EdgeID    string
	Action    string
	Args      map[string]any
	RequestID string // optional; generated when empty
	ReplyURL  string // optional override of the default result endpoint
}

type slot struct {
	mu      sync.Mutex
	cmds    []types.Command
	ids     map[string]struct{}
	removed bool // set by Prune; the slot is no longer in Queue.slots
}

// Queue holds one ordered queue per edge.
type Queue struct {
	mu    sync.RWMutex
	slots map[string]*slot
	opts  Options
}

// New creates an empty Queue.
func New(opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		slots: make(map[string]*slot),
		opts:  opts,
	}
}

// slotFor returns the edge's slot, creating it if needed.
func (q *Queue) slotFor(edgeID string) *slot {
	q.mu.RLock()
	s, ok := q.slots[edgeID]
	q.mu.RUnlock()
	if ok {
		return s
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok = q.slots[edgeID]; ok {
		return s
	}
	s = &slot{ids: make(map[string]struct{})}
	q.slots[edgeID] = s
	return s
}

// lockSlot returns the edge's live slot with its mutex held.
func (q *Queue) lockSlot(edgeID string) *slot {
	for {
		s := q.slotFor(edgeID)
		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

// lookup returns the edge's slot without creating one.
func (q *Queue) lookup(edgeID string) *slot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.slots[edgeID]
}

// Enqueue appends a command to the edge's queue and returns it with its
// request_id and enqueue time filled in.
func (q *Queue) Enqueue(req EnqueueRequest) (types.Command, error) {
	edgeID := strings.TrimSpace(req.EdgeID)
	action := strings.TrimSpace(req.Action)
	if edgeID == "" {
		return types.Command{}, ErrMissingEdgeID
	}
	if action == "" {
		return types.Command{}, ErrMissingAction
	}

	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}

	cmd := types.Command{
		RequestID:  requestID,
		EdgeID:     edgeID,
		Action:     action,
		Args:       args,
		EnqueuedAt: q.opts.Now(),
		ReplyURL:   strings.TrimSpace(req.ReplyURL),
	}

	s := q.lockSlot(edgeID)
	defer s.mu.Unlock()

	if _, dup := s.ids[requestID]; dup {
		return types.Command{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	if q.opts.MaxPerEdge > 0 && len(s.cmds) >= q.opts.MaxPerEdge {
		return types.Command{}, fmt.Errorf("%w: edge %s holds %d", ErrQueueFull, edgeID, len(s.cmds))
	}

	s.cmds = append(s.cmds, cmd)
	s.ids[requestID] = struct{}{}
	return cmd, nil
}

// Pull removes and returns up to max commands for the edge in FIFO order.
// An empty slice (never nil) means nothing is pending.
func (q *Queue) Pull(edgeID string, max int) []types.Command {
	if max < 1 {
		max = 1
	}
	s := q.lookup(strings.TrimSpace(edgeID))
	if s == nil {
		return []types.Command{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.cmds)
	if n > max {
		n = max
	}
	out := make([]types.Command, n)
	copy(out, s.cmds[:n])

	// shift instead of reslicing so the backing array does not pin
	// delivered commands
	rest := copy(s.cmds, s.cmds[n:])
	for i := rest; i < len(s.cmds); i++ {
		s.cmds[i] = types.Command{}
	}
	s.cmds = s.cmds[:rest]

	for _, c := range out {
		delete(s.ids, c.RequestID)
	}
	return out
}

// Len returns how many commands are pending for the edge.
func (q *Queue) Len(edgeID string) int {
	s := q.lookup(edgeID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cmds)
}

// Total returns the number of pending commands across all edges.
func (q *Queue) Total() int {
	total := 0
	for _, id := range q.Edges() {
		total += q.Len(id)
	}
	return total
}

// Edges returns every edge id that has a slot, sorted.
func (q *Queue) Edges() []string {
	q.mu.RLock()
	ids := make([]string, 0, len(q.slots))
	for id := range q.slots {
		ids = append(ids, id)
	}
	q.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Pending returns up to limit queued commands for one edge without removing
// them. limit <= 0 means all.
func (q *Queue) Pending(edgeID string, limit int) []types.PendingCommand {
	s := q.lookup(edgeID)
	if s == nil {
		return []types.PendingCommand{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.cmds)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]types.PendingCommand, 0, n)
	for _, c := range s.cmds[:n] {
		out = append(out, types.PendingCommand{EdgeID: edgeID, Command: c})
	}
	return out
}

// PendingAll returns up to limit queued commands across all edges, grouped by
// edge in id order.
func (q *Queue) PendingAll(limit int) []types.PendingCommand {
	out := []types.PendingCommand{}
	for _, id := range q.Edges() {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		out = append(out, q.Pending(id, remaining)...)
	}
	return out
}

// Prune drops empty slots for edges the keep func rejects. The relay calls
// this from its housekeeping loop so idle edges do not accumulate.
func (q *Queue) Prune(keep func(edgeID string) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, s := range q.slots {
		s.mu.Lock()
		if len(s.cmds) == 0 && !keep(id) {
			s.removed = true
			delete(q.slots, id)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// Export copies every pending command, keyed by edge.
func (q *Queue) Export() map[string][]types.Command {
	out := make(map[string][]types.Command)
	for _, id := range q.Edges() {
		s := q.lookup(id)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if len(s.cmds) > 0 {
			cp := make([]types.Command, len(s.cmds))
			copy(cp, s.cmds)
			out[id] = cp
		}
		s.mu.Unlock()
	}
	return out
}

// Restore appends previously exported commands, preserving their order and
// request ids. Commands whose id is already queued are skipped.
func (q *Queue) Restore(queues map[string][]types.Command) int {
	restored := 0
	for edgeID, cmds := range queues {
		s := q.lockSlot(edgeID)
		for _, c := range cmds {
			if c.RequestID == "" {
				continue
			}
			if _, dup := s.ids[c.RequestID]; dup {
				continue
			}
			c.EdgeID = edgeID
			s.cmds = append(s.cmds, c)
			s.ids[c.RequestID] = struct{}{}
			restored++
		}
		s.mu.Unlock()
	}
	return restored
}
