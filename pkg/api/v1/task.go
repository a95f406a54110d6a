package v1

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusConverted TaskStatus = "converted"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout, TaskStatusConverted:
		return true
	}
	return false
}

// Valid reports whether the status is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusScheduled, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusTimeout, TaskStatusConverted:
		return true
	}
	return false
}

// Reserved payload keys the queue is allowed to inspect. Everything else in
// the payload is opaque and passed through untouched.
const (
	PayloadKeyBatchID        = "_batch_id"
	PayloadKeyPriority       = "priority"
	PayloadKeyTimeoutSeconds = "timeout_seconds"
	PayloadKeyMaxRetries     = "max_retries"
	PayloadKeyDescription    = "description"
)

// Priority bounds for tasks. Higher priority is claimed sooner.
const (
	PriorityMin = 0
	PriorityMax = 10
)

// Task is the atomic unit of deferred work.
type Task struct {
	ID             int64                  `json:"id"`
	TaskType       string                 `json:"task_type"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Priority       int                    `json:"priority"`
	Status         TaskStatus             `json:"status"`
	Retries        int                    `json:"retries"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	AssignedNode   string                 `json:"assigned_node,omitempty"`
	ScheduledFor   *time.Time             `json:"scheduled_for,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Result         string                 `json:"result,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ParentID       *int64                 `json:"parent_id,omitempty"`
	HierarchyLevel int                    `json:"hierarchy_level"`
	HierarchyPath  string                 `json:"hierarchy_path"`
	ChildCount     int                    `json:"child_count"`
	BatchID        string                 `json:"batch_id,omitempty"`
	SprintID       string                 `json:"sprint_id,omitempty"`
	LongRunning    bool                   `json:"long_running,omitempty"`
}

// Description returns the reserved description payload field, if present.
func (t *Task) Description() string {
	if t.Payload == nil {
		return ""
	}
	if d, ok := t.Payload[PayloadKeyDescription].(string); ok {
		return d
	}
	return ""
}

// CreateTaskRequest submits a single task.
type CreateTaskRequest struct {
	TaskType       string                 `json:"task_type" binding:"required,max=64"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Priority       int                    `json:"priority"`
	MaxRetries     *int                   `json:"max_retries,omitempty"`
	TimeoutSeconds *int                   `json:"timeout_seconds,omitempty"`
	ScheduledFor   *time.Time             `json:"scheduled_for,omitempty"`
	ParentID       *int64                 `json:"parent_id,omitempty"`
	SprintID       string                 `json:"sprint_id,omitempty"`
}

// BulkCreateRequest submits up to MaxBulkTasks tasks at once.
type BulkCreateRequest struct {
	Tasks []CreateTaskRequest `json:"tasks" binding:"required"`
}

// MaxBulkTasks is the cap on a single bulk submission.
const MaxBulkTasks = 100

// BulkItemResult reports the per-index outcome of a bulk operation.
type BulkItemResult struct {
	Index  int    `json:"index"`
	TaskID int64  `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BulkStatusRequest updates the status of a set of tasks.
type BulkStatusRequest struct {
	TaskIDs      []int64    `json:"task_ids" binding:"required"`
	Status       TaskStatus `json:"status" binding:"required"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// BulkDeleteRequest removes a set of tasks. Running tasks require force.
type BulkDeleteRequest struct {
	TaskIDs []int64 `json:"task_ids" binding:"required"`
	Force   bool    `json:"force"`
}

// BulkRetryRequest re-queues failed or cancelled tasks.
type BulkRetryRequest struct {
	TaskIDs      []int64 `json:"task_ids,omitempty"`
	ResetRetries bool    `json:"reset_retries"`
}

// BulkPrioritizeRequest assigns or increments priority on pending tasks.
type BulkPrioritizeRequest struct {
	TaskIDs   []int64 `json:"task_ids" binding:"required"`
	Priority  int     `json:"priority"`
	Increment bool    `json:"increment"`
}

// ClaimRequest leases the next eligible task for a worker.
type ClaimRequest struct {
	WorkerID     string   `json:"worker_id" binding:"required"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CompleteTaskRequest marks a running task completed.
type CompleteTaskRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Result   string `json:"result,omitempty"`
}

// FailTaskRequest marks a running task failed (auto-retrying while budget
// remains).
type FailTaskRequest struct {
	WorkerID     string `json:"worker_id" binding:"required"`
	ErrorMessage string `json:"error_message,omitempty"`
}
