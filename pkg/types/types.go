// Package types defines the wire-level domain model shared by the cloud relay
// and the edge client.
package types

import (
	"time"
)

// EventType identifies the kind of trigger an edge sends.
type EventType string

const (
	EventTaskUpdate EventType = "task_update" // a task's observation changed
	EventHeartbeat  EventType = "heartbeat"   // periodic liveness report
	EventTest       EventType = "test_event"  // manual trigger from emit_test_event
)

// ResultStatus is the terminal outcome of an executed command.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// CommandState tracks a command through the relay.
type CommandState string

const (
	StateQueued    CommandState = "queued"    // waiting in the edge's queue
	StateDelivered CommandState = "delivered" // returned by a pull, awaiting result
	StateResolved  CommandState = "resolved"  // result received
	StateExpired   CommandState = "expired"   // no result within the bound (observability only)
)

// Trigger is an edge-originated event notification.
//
// Payload keeps every field the edge sent except the recognized envelope
// fields, so downstream consumers see the trigger exactly as emitted.
type Trigger struct {
	Source     string         `json:"source,omitempty"`
	EventType  EventType      `json:"event_type"`
	EdgeID     string         `json:"edge_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Command is a cloud-originated instruction queued for one edge.
type Command struct {
	RequestID  string         `json:"request_id"`
	EdgeID     string         `json:"edge_id"`
	Action     string         `json:"action"`
	Args       map[string]any `json:"args"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	ReplyURL   string         `json:"reply_url,omitempty"`
}

// CommandResult is the terminal record an edge posts after execution.
type CommandResult struct {
	RequestID  string       `json:"request_id"`
	EdgeID     string       `json:"edge_id"`
	Status     ResultStatus `json:"status"`
	Result     any          `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// EdgeInfo is the cloud's view of one edge, derived from its activity.
type EdgeInfo struct {
	EdgeID          string    `json:"edge_id"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	LastSeenAgeSecs float64   `json:"last_seen_age_s"`
	PendingCommands int       `json:"pending_commands"`
}

// PendingCommand pairs a queued command with its target edge for inspection.
type PendingCommand struct {
	EdgeID  string  `json:"edge_id"`
	Command Command `json:"command"`
}

// SnapshotData is the in-flight correlation state saved across a restart.
type SnapshotData struct {
	Queues     map[string][]Command `json:"queues"`
	Dispatched []DispatchRecord     `json:"dispatched"`
	SchemaVer  int                  `json:"schema_ver"`
	TakenAt    time.Time            `json:"taken_at"`
}

// DispatchRecord is the correlation metadata kept for a delivered command.
type DispatchRecord struct {
	RequestID    string       `json:"request_id"`
	EdgeID       string       `json:"edge_id"`
	Action       string       `json:"action,omitempty"`
	DispatchedAt time.Time    `json:"dispatched_at"`
	State        CommandState `json:"state"`
}
