// Package types defines the domain model shared by the delegate agent and its control plane.
package types

import (
	"time"
)

// AgentStatus is the availability an agent advertises in its heartbeats.
type AgentStatus string

const (
	AgentEnabled  AgentStatus = "ENABLED"  // accepting tasks
	AgentDraining AgentStatus = "DRAINING" // finishing in-flight work, no new tasks
	AgentDisabled AgentStatus = "DISABLED" // stopped or unknown
)

// AgentIdentity describes one agent process to the manager.
// Everything except Status, Connected, LastHeartbeatAt and RunningTasks is fixed after
// registration.
type AgentIdentity struct {
	HostAddress       string        `json:"host_address"`
	HostName          string        `json:"host_name"`
	AccountID         string        `json:"account_id"`
	AgentID           string        `json:"agent_id,omitempty"` // issued by Register
	Version           string        `json:"version"`
	InstanceID        string        `json:"instance_id"` // unique per process, tells old and new apart during an upgrade
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	Status          AgentStatus `json:"status"`
	Connected       bool        `json:"connected"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	RunningTasks    int64       `json:"running_tasks"`
}

// TaskID identifies a task issued by the manager.
type TaskID string

// TaskEnvelope is a task this agent won via AcquireTask.
type TaskEnvelope struct {
	ID         TaskID         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	AcquiredAt time.Time      `json:"acquired_at"`
}

// ResultStatus is the outcome of a task execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)

// TaskResult is reported back to the manager exactly once per acquired task.
type TaskResult struct {
	TaskID   TaskID         `json:"task_id"`
	Status   ResultStatus   `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Succeeded reports whether the result carries a successful status.
func (r TaskResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// FailedResult builds a failure result for id.
func FailedResult(id TaskID, err error) TaskResult {
	res := TaskResult{TaskID: id, Status: ResultFailure}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// MessageKind discriminates messages pushed on the agent stream.
type MessageKind string

const (
	MessageTask    MessageKind = "task"    // a task is available, carries TaskID
	MessageNoop    MessageKind = "noop"    // keepalive, carries nothing
	MessageRestart MessageKind = "restart" // relaunch the agent through its restart command
)

// StreamMessage is one message received on the duplex stream.
type StreamMessage struct {
	Kind   MessageKind `json:"kind"`
	TaskID TaskID      `json:"task_id,omitempty"`
}

// UpgradeDecision is the manager's answer to an upgrade check.
type UpgradeDecision struct {
	ShouldUpgrade bool   `json:"should_upgrade"`
	TargetVersion string `json:"target_version,omitempty"`
	ArtifactURL   string `json:"artifact_url,omitempty"` // empty when the command already knows what to run
}
