package v1

import "time"

// WorkerStatus represents the lifecycle state of a worker process.
type WorkerStatus string

const (
	WorkerStatusRunning    WorkerStatus = "running"
	WorkerStatusDraining   WorkerStatus = "draining"
	WorkerStatusStopped    WorkerStatus = "stopped"
	WorkerStatusFailed     WorkerStatus = "failed"
	WorkerStatusRestarting WorkerStatus = "restarting"
)

// Worker is a process that claims and executes tasks. The registry holds a
// weak view used for routing and failure detection; the hosting process owns
// the worker itself.
type Worker struct {
	WorkerID          string       `json:"worker_id"`
	WorkerType        string       `json:"worker_type"`
	Status            WorkerStatus `json:"status"`
	Capacity          int          `json:"capacity"`
	CurrentLoad       int          `json:"current_load"`
	ActiveConnections int          `json:"active_connections"`
	Skills            []string     `json:"skills,omitempty"`
	Weight            int          `json:"weight"`
	RestartCount      int          `json:"restart_count"`
	RegionID          string       `json:"region_id,omitempty"`
	LastHeartbeat     time.Time    `json:"last_heartbeat"`
	RegisteredAt      time.Time    `json:"registered_at"`
}

// RegisterWorkerRequest registers or refreshes a worker in the registry.
type RegisterWorkerRequest struct {
	WorkerID   string   `json:"worker_id" binding:"required,max=128"`
	WorkerType string   `json:"worker_type" binding:"required,max=32"`
	Capacity   int      `json:"capacity"`
	Skills     []string `json:"skills,omitempty"`
	Weight     int      `json:"weight"`
	RegionID   string   `json:"region_id,omitempty"`
}

// WorkerFailure records an escalated worker-side failure after retries were
// exhausted.
type WorkerFailure struct {
	ID        int64     `json:"id"`
	WorkerID  string    `json:"worker_id"`
	TaskID    *int64    `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an interactive assistant instance addressable through a
// terminal-multiplexer session name. The core owns only the addressing
// metadata, never the session process.
type Session struct {
	SessionName    string     `json:"session_name"`
	ToolName       string     `json:"tool_name,omitempty"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	Idle           bool       `json:"idle"`
	Busy           bool       `json:"busy"`
	IdleTicks      int        `json:"idle_ticks"`
	Failed         bool       `json:"failed"`
	AssignedTaskID *int64     `json:"assigned_task_id,omitempty"`
	NodeID         string     `json:"node_id,omitempty"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
}

// RegisterSessionRequest adds a session to the dispatcher registry.
type RegisterSessionRequest struct {
	SessionName  string   `json:"session_name" binding:"required,max=128"`
	ToolName     string   `json:"tool_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	NodeID       string   `json:"node_id,omitempty"`
}
