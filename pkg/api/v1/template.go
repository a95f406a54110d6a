package v1

import "time"

// TaskTemplate is a named, versioned recipe producing tasks by variable
// substitution over a payload skeleton.
type TaskTemplate struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	TaskType        string                 `json:"task_type"`
	Payload         map[string]interface{} `json:"payload"`
	DefaultPriority int                    `json:"default_priority"`
	MaxRetries      int                    `json:"max_retries"`
	TimeoutSeconds  int                    `json:"timeout_seconds"`
	CreatedBy       string                 `json:"created_by,omitempty"`
	UsageCount      int64                  `json:"usage_count"`
	IsActive        bool                   `json:"is_active"`
	Version         int                    `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// CreateTemplateRequest creates a new task template.
type CreateTemplateRequest struct {
	Name            string                 `json:"name" binding:"required,max=255"`
	Description     string                 `json:"description,omitempty"`
	TaskType        string                 `json:"task_type" binding:"required,max=64"`
	Payload         map[string]interface{} `json:"payload" binding:"required"`
	DefaultPriority int                    `json:"default_priority"`
	MaxRetries      *int                   `json:"max_retries,omitempty"`
	TimeoutSeconds  *int                   `json:"timeout_seconds,omitempty"`
	CreatedBy       string                 `json:"created_by,omitempty"`
}

// InstantiateTemplateRequest creates a single task from a template.
type InstantiateTemplateRequest struct {
	Variables map[string]string      `json:"variables,omitempty"`
	Overrides map[string]interface{} `json:"overrides,omitempty"`
}

// BatchStatus is the derived aggregate state of a batch expansion.
type BatchStatus string

const (
	BatchStatusPending  BatchStatus = "pending"
	BatchStatusCreated  BatchStatus = "created"
	BatchStatusPartial  BatchStatus = "partial"
	BatchStatusFailed   BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusRetrying BatchStatus = "retrying"
)

// Batch groups the tasks produced by expanding a template over an item list.
type Batch struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	Status         BatchStatus     `json:"status"`
	TotalRequested int             `json:"total_requested"`
	CreatedCount   int             `json:"created_count"`
	FailedCount    int             `json:"failed_count"`
	StaggerSeconds int             `json:"stagger_seconds"`
	Items          []BulkItemResult `json:"items,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExpandBatchRequest expands a template over a list of variable bindings.
type ExpandBatchRequest struct {
	Items          []map[string]string `json:"items" binding:"required"`
	StaggerSeconds int                 `json:"stagger_seconds"`
}
