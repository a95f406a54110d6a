package v1

import "time"

// WatchType restricts which event kinds trigger a watch.
type WatchType string

const (
	WatchAll        WatchType = "all"
	WatchStatus     WatchType = "status"
	WatchComments   WatchType = "comments"
	WatchAssignment WatchType = "assignment"
)

// Watch is a user subscription to a task's events.
type Watch struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    int64     `json:"task_id"`
	TaskType  string    `json:"task_type,omitempty"`
	WatchType WatchType `json:"watch_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateWatchRequest subscribes a user to a task. A duplicate watch updates
// the existing row instead of inserting.
type CreateWatchRequest struct {
	UserID    string    `json:"user_id" binding:"required,max=128"`
	WatchType WatchType `json:"watch_type,omitempty"`
}

// WatchPreferences holds a user's auto-watch settings and quiet hours.
type WatchPreferences struct {
	UserID          string `json:"user_id"`
	AutoWatchCreate bool   `json:"auto_watch_create"`
	AutoWatchAssign bool   `json:"auto_watch_assign"`
	AutoWatchComment bool  `json:"auto_watch_comment"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty"` // HH:MM
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`   // HH:MM
}

// WatchEvent is an emitted notification for a watcher.
type WatchEvent struct {
	ID        int64     `json:"id"`
	WatchID   int64     `json:"watch_id"`
	UserID    string    `json:"user_id"`
	TaskID    int64     `json:"task_id"`
	EventKind string    `json:"event_kind"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
