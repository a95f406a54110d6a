// Package events provides event types and utilities for the Devplane event system.
package events

// Subjects are dot-delimited; subscribers may use NATS-style wildcards
// ("task.*", "session.>").
const (
	SubjectTaskPrefix    = "task."
	SubjectSessionPrefix = "session."
	SubjectPatternPrefix = "pattern."
)

// Event types for tasks. These mirror the task lifecycle: one event per
// status transition plus claim/priority/assignment changes.
const (
	TaskCreated         = "task.created"
	TaskStarted         = "task.started"
	TaskCompleted       = "task.completed"
	TaskFailed          = "task.failed"
	TaskRetrying        = "task.retrying"
	TaskCancelled       = "task.cancelled"
	TaskTimeout         = "task.timeout"
	TaskClaimed         = "task.claimed"
	TaskPriorityChanged = "task.priority_changed"
	TaskAssigned        = "task.assigned"
	TaskComment         = "task.comment"
)

// Event types for sessions
const (
	SessionRegistered = "session.registered"
	SessionFailed     = "session.failed"
	SessionIdle       = "session.idle"
	SessionDispatched = "session.dispatched"
)

// Event types for prompt patterns
const (
	PatternMatched       = "pattern.matched"
	PatternChangeFlagged = "pattern.change_flagged"
)

// Event data keys shared by task events.
const (
	KeyTaskID         = "task_id"
	KeyTaskType       = "task_type"
	KeyStatus         = "status"
	KeyPreviousStatus = "previous_status"
	KeyWorkerID       = "worker_id"
	KeySessionName    = "session_name"
	KeyResult         = "result"
	KeyError          = "error"
	KeyPriority       = "priority"
	KeyActor          = "actor"
)
