package v1

import "time"

// Task lifecycle event kinds emitted on every status transition.
const (
	EventTaskCreated         = "task.created"
	EventTaskStarted         = "task.started"
	EventTaskCompleted       = "task.completed"
	EventTaskFailed          = "task.failed"
	EventTaskRetrying        = "task.retrying"
	EventTaskCancelled       = "task.cancelled"
	EventTaskTimeout         = "task.timeout"
	EventTaskClaimed         = "task.claimed"
	EventTaskPriorityChanged = "task.priority_changed"
	EventTaskAssigned        = "task.assigned"
	EventTest                = "test"
)

// TaskEventKinds lists every task lifecycle event kind.
var TaskEventKinds = []string{
	EventTaskCreated, EventTaskStarted, EventTaskCompleted, EventTaskFailed,
	EventTaskRetrying, EventTaskCancelled, EventTaskTimeout, EventTaskClaimed,
	EventTaskPriorityChanged, EventTaskAssigned,
}

// Webhook is a subscription to task lifecycle events.
type Webhook struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Secret         string    `json:"secret,omitempty"`
	Events         []string  `json:"events"`
	TaskTypes      []string  `json:"task_types,omitempty"`
	RetryCount     int       `json:"retry_count"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateWebhookRequest registers a new webhook subscription.
type CreateWebhookRequest struct {
	URL            string   `json:"url" binding:"required,url"`
	Secret         string   `json:"secret,omitempty"`
	Events         []string `json:"events" binding:"required"`
	TaskTypes      []string `json:"task_types,omitempty"`
	RetryCount     *int     `json:"retry_count,omitempty"`
	TimeoutSeconds *int     `json:"timeout_seconds,omitempty"`
}

// WebhookDelivery records one delivery attempt.
type WebhookDelivery struct {
	ID         int64     `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	Event      string    `json:"event"`
	TaskID     int64     `json:"task_id"`
	Payload    string    `json:"payload"`
	StatusCode int       `json:"status_code"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"created_at"`
}

// WebhookPayload is the body posted to webhook subscribers.
type WebhookPayload struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Task      WebhookTaskInfo `json:"task"`
}

// WebhookTaskInfo carries the task portion of a webhook payload.
type WebhookTaskInfo struct {
	ID             int64                  `json:"id"`
	Type           string                 `json:"type"`
	Status         string                 `json:"status"`
	PreviousStatus *string                `json:"previous_status"`
	WorkerID       *string                `json:"worker_id"`
	Result         *string                `json:"result"`
	Error          *string                `json:"error"`
	Data           map[string]interface{} `json:"data"`
}
