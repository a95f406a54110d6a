package v1

import "time"

// WorklogEntry binds recorded work time to a task.
type WorklogEntry struct {
	ID               int64     `json:"id"`
	TaskID           int64     `json:"task_id"`
	UserID           string    `json:"user_id"`
	TimeSpentMinutes int       `json:"time_spent_minutes"`
	WorkDate         string    `json:"work_date"` // YYYY-MM-DD
	WorkType         string    `json:"work_type,omitempty"`
	Billable         bool      `json:"billable"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CreateWorklogRequest records time spent on a task.
type CreateWorklogRequest struct {
	UserID           string `json:"user_id" binding:"required,max=128"`
	TimeSpentMinutes int    `json:"time_spent_minutes" binding:"required,min=1"`
	WorkDate         string `json:"work_date,omitempty"`
	WorkType         string `json:"work_type,omitempty"`
	Billable         bool   `json:"billable"`
	Description      string `json:"description,omitempty"`
}

// TaskTimer tracks an in-progress work session. At most one timer may be
// active per user.
type TaskTimer struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	UserID    string    `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
}

// WorklogRollup aggregates hours and progress across a task subtree.
type WorklogRollup struct {
	TaskID          int64   `json:"task_id"`
	EstimatedHours  float64 `json:"estimated_hours"`
	ActualHours     float64 `json:"actual_hours"`
	WorklogHours    float64 `json:"worklog_hours"`
	ProgressPercent float64 `json:"progress_percent"`
	TaskCount       int     `json:"task_count"`
}

// Sprint groups tasks into a time-boxed iteration.
type Sprint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartDate string    `json:"start_date,omitempty"`
	EndDate   string    `json:"end_date,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateSprintRequest creates a sprint.
type CreateSprintRequest struct {
	Name      string `json:"name" binding:"required,max=255"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// TaskConversion records a task converted into an external entity.
type TaskConversion struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	TargetKind string    `json:"target_kind"`
	TargetID   string    `json:"target_id"`
	ConvertedBy string   `json:"converted_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Region is topology metadata for worker placement.
type Region struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Node is a host within a region.
type Node struct {
	ID        string    `json:"id"`
	RegionID  string    `json:"region_id,omitempty"`
	Hostname  string    `json:"hostname"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
