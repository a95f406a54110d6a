package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// taskRow is the scan target for the tasks and task_archive tables.
type taskRow struct {
	ID             int64          `db:"id"`
	TaskType       string         `db:"task_type"`
	Payload        string         `db:"payload"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	Retries        int            `db:"retries"`
	MaxRetries     int            `db:"max_retries"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	AssignedWorker string         `db:"assigned_worker"`
	AssignedNode   string         `db:"assigned_node"`
	ScheduledFor   sql.NullString `db:"scheduled_for"`
	CreatedAt      string         `db:"created_at"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	Result         string         `db:"result"`
	ErrorMessage   string         `db:"error_message"`
	ParentID       sql.NullInt64  `db:"parent_id"`
	HierarchyLevel int            `db:"hierarchy_level"`
	HierarchyPath  string         `db:"hierarchy_path"`
	ChildCount     int            `db:"child_count"`
	BatchID        string         `db:"batch_id"`
	SprintID       string         `db:"sprint_id"`
	LongRunning    bool           `db:"long_running"`
}

func (r *taskRow) toTask() *v1.Task {
	t := &v1.Task{
		ID:             r.ID,
		TaskType:       r.TaskType,
		Priority:       r.Priority,
		Status:         v1.TaskStatus(r.Status),
		Retries:        r.Retries,
		MaxRetries:     r.MaxRetries,
		TimeoutSeconds: r.TimeoutSeconds,
		AssignedWorker: r.AssignedWorker,
		AssignedNode:   r.AssignedNode,
		ScheduledFor:   parseTimePtr(r.ScheduledFor),
		CreatedAt:      parseTime(r.CreatedAt),
		StartedAt:      parseTimePtr(r.StartedAt),
		CompletedAt:    parseTimePtr(r.CompletedAt),
		Result:         r.Result,
		ErrorMessage:   r.ErrorMessage,
		HierarchyLevel: r.HierarchyLevel,
		HierarchyPath:  r.HierarchyPath,
		ChildCount:     r.ChildCount,
		BatchID:        r.BatchID,
		SprintID:       r.SprintID,
		LongRunning:    r.LongRunning,
	}
	if r.ParentID.Valid {
		pid := r.ParentID.Int64
		t.ParentID = &pid
	}
	if r.Payload != "" && r.Payload != "{}" {
		_ = json.Unmarshal([]byte(r.Payload), &t.Payload)
	}
	return t
}

const taskColumns = `id, task_type, payload, priority, status, retries, max_retries,
	timeout_seconds, assigned_worker, assigned_node, scheduled_for, created_at,
	started_at, completed_at, result, error_message, parent_id, hierarchy_level,
	hierarchy_path, child_count, batch_id, sprint_id, long_running`

func marshalPayload(payload map[string]interface{}) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(body), nil
}

// MaxHierarchyDepth caps the task tree depth.
const MaxHierarchyDepth = 10

// ErrHierarchyTooDeep is returned when a subtask would exceed MaxHierarchyDepth.
var ErrHierarchyTooDeep = fmt.Errorf("task hierarchy exceeds %d levels", MaxHierarchyDepth)

// CreateTask inserts a task, deriving status, hierarchy placement, and parent
// child counts inside one transaction. The task's ID, CreatedAt, Status,
// HierarchyLevel, and HierarchyPath fields are filled in.
func (s *Store) CreateTask(task *v1.Task) error {
	payload, err := marshalPayload(task.Payload)
	if err != nil {
		return err
	}

	now := nowUTC()
	task.CreatedAt = now
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	if task.ScheduledFor != nil && task.ScheduledFor.After(now) {
		task.Status = v1.TaskStatusScheduled
	}

	return s.InTx(func(tx *sqlx.Tx) error {
		task.HierarchyLevel = 0
		task.HierarchyPath = "/"
		if task.ParentID != nil {
			var parent taskRow
			err := tx.Get(&parent, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, *task.ParentID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent %d: %w", *task.ParentID, ErrTaskNotFound)
			}
			if err != nil {
				return err
			}
			if parent.HierarchyLevel+1 >= MaxHierarchyDepth {
				return ErrHierarchyTooDeep
			}
			task.HierarchyLevel = parent.HierarchyLevel + 1
			task.HierarchyPath = fmt.Sprintf("%s%d/", parent.HierarchyPath, parent.ID)
		}

		res, err := tx.Exec(`
			INSERT INTO tasks (task_type, payload, priority, status, retries, max_retries,
				timeout_seconds, assigned_worker, assigned_node, scheduled_for, created_at,
				parent_id, hierarchy_level, hierarchy_path, batch_id, sprint_id, long_running)
			VALUES (?, ?, ?, ?, 0, ?, ?, '', '', ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.TaskType, payload, task.Priority, string(task.Status),
			task.MaxRetries, task.TimeoutSeconds,
			fmtTimePtr(task.ScheduledFor), fmtTime(now),
			task.ParentID, task.HierarchyLevel, task.HierarchyPath,
			task.BatchID, task.SprintID, task.LongRunning)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		task.ID = id

		if task.ParentID != nil {
			if _, err := tx.Exec(`UPDATE tasks SET child_count = child_count + 1 WHERE id = ?`, *task.ParentID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(id int64) (*v1.Task, error) {
	var row taskRow
	err := s.reader().Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTask(), nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status   v1.TaskStatus
	TaskType string
	BatchID  string
	SprintID string
	ParentID *int64
	Worker   string
	Limit    int
	Offset   int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(f TaskFilter) ([]*v1.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	if f.SprintID != "" {
		query += ` AND sprint_id = ?`
		args = append(args, f.SprintID)
	}
	if f.ParentID != nil {
		query += ` AND parent_id = ?`
		args = append(args, *f.ParentID)
	}
	if f.Worker != "" {
		query += ` AND assigned_worker = ?`
		args = append(args, f.Worker)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	var rows []taskRow
	if err := s.reader().Select(&rows, query, args...); err != nil {
		return nil, err
	}
	tasks := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toTask())
	}
	return tasks, nil
}

// CountByStatus returns task counts keyed by status.
func (s *Store) CountByStatus() (map[v1.TaskStatus]int, error) {
	rows, err := s.reader().Queryx(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[v1.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[v1.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ClaimNext leases the highest-priority eligible task for workerID. The
// worker must be registered and not draining or stopped. Scheduled tasks
// whose time has arrived are eligible even before the sweeper flips them.
// Returns ErrQueueEmpty when nothing qualifies.
func (s *Store) ClaimNext(workerID string, taskTypes []string, now time.Time) (*v1.Task, error) {
	var claimed *v1.Task
	err := s.InTx(func(tx *sqlx.Tx) error {
		var workerStatus string
		err := tx.Get(&workerStatus, `SELECT status FROM workers WHERE worker_id = ?`, workerID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("worker %q is not registered: %w", workerID, ErrWorkerNotFound)
		}
		if err != nil {
			return err
		}
		switch v1.WorkerStatus(workerStatus) {
		case v1.WorkerStatusDraining, v1.WorkerStatusStopped, v1.WorkerStatusFailed:
			return fmt.Errorf("worker %q is %s: %w", workerID, workerStatus, ErrStateConflict)
		}

		query := `SELECT ` + taskColumns + ` FROM tasks
			WHERE (status = 'pending'
				OR (status = 'scheduled' AND scheduled_for IS NOT NULL AND scheduled_for <= ?))`
		args := []interface{}{fmtTime(now)}

		if len(taskTypes) > 0 {
			query += ` AND task_type IN (?` + strings.Repeat(",?", len(taskTypes)-1) + `)`
			for _, tt := range taskTypes {
				args = append(args, tt)
			}
		}
		query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`

		var row taskRow
		err = tx.Get(&row, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrQueueEmpty
		}
		if err != nil {
			return err
		}

		started := fmtTime(now)
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'running', assigned_worker = ?, started_at = ?
			WHERE id = ?`, workerID, started, row.ID); err != nil {
			return err
		}
		row.Status = string(v1.TaskStatusRunning)
		row.AssignedWorker = workerID
		row.StartedAt = sql.NullString{String: started, Valid: true}
		claimed = row.toTask()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask marks a running task completed. Only the assigned worker may
// complete it; any other transition returns ErrStateConflict.
func (s *Store) CompleteTask(id int64, workerID, result string) (*v1.Task, error) {
	return s.transitionAssigned(id, workerID, func(tx *sqlx.Tx, row *taskRow) error {
		done := fmtTime(nowUTC())
		_, err := tx.Exec(`
			UPDATE tasks SET status = 'completed', result = ?, completed_at = ?
			WHERE id = ?`, result, done, id)
		row.Status = string(v1.TaskStatusCompleted)
		row.Result = result
		row.CompletedAt = sql.NullString{String: done, Valid: true}
		return err
	})
}

// CompleteParent completes a container task once its subtree has finished.
// Unlike CompleteTask it needs no worker handshake and accepts any
// non-terminal state; the guard that every child is terminal belongs to the
// caller. An already-terminal task is returned unchanged.
func (s *Store) CompleteParent(id int64, result string) (*v1.Task, error) {
	var task *v1.Task
	err := s.InTx(func(tx *sqlx.Tx) error {
		var row taskRow
		err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if v1.TaskStatus(row.Status).Terminal() {
			task = row.toTask()
			return nil
		}
		done := fmtTime(nowUTC())
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'completed', result = ?, completed_at = ?
			WHERE id = ?`, result, done, id); err != nil {
			return err
		}
		row.Status = string(v1.TaskStatusCompleted)
		row.Result = result
		row.CompletedAt = sql.NullString{String: done, Valid: true}
		task = row.toTask()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// FailTask records a failure on a running task. While retry budget remains
// the task returns to pending with retries incremented; otherwise it lands in
// failed. The returned task reflects the post-transition state.
func (s *Store) FailTask(id int64, workerID, errorMessage string) (*v1.Task, error) {
	return s.transitionAssigned(id, workerID, func(tx *sqlx.Tx, row *taskRow) error {
		if row.Retries < row.MaxRetries {
			_, err := tx.Exec(`
				UPDATE tasks SET status = 'pending', retries = retries + 1,
					error_message = ?, assigned_worker = '', started_at = NULL
				WHERE id = ?`, errorMessage, id)
			row.Status = string(v1.TaskStatusPending)
			row.Retries++
			row.ErrorMessage = errorMessage
			row.AssignedWorker = ""
			row.StartedAt = sql.NullString{}
			return err
		}
		done := fmtTime(nowUTC())
		_, err := tx.Exec(`
			UPDATE tasks SET status = 'failed', error_message = ?, completed_at = ?
			WHERE id = ?`, errorMessage, done, id)
		row.Status = string(v1.TaskStatusFailed)
		row.ErrorMessage = errorMessage
		row.CompletedAt = sql.NullString{String: done, Valid: true}
		return err
	})
}

// ReleaseTask returns a running task to pending without consuming retry
// budget. Used when dispatch to a session fails before any work started.
func (s *Store) ReleaseTask(id int64, workerID string) (*v1.Task, error) {
	return s.transitionAssigned(id, workerID, func(tx *sqlx.Tx, row *taskRow) error {
		_, err := tx.Exec(`
			UPDATE tasks SET status = 'pending', assigned_worker = '', started_at = NULL
			WHERE id = ?`, id)
		row.Status = string(v1.TaskStatusPending)
		row.AssignedWorker = ""
		row.StartedAt = sql.NullString{}
		return err
	})
}

// transitionAssigned applies fn to a running task owned by workerID.
func (s *Store) transitionAssigned(id int64, workerID string, fn func(tx *sqlx.Tx, row *taskRow) error) (*v1.Task, error) {
	var task *v1.Task
	err := s.InTx(func(tx *sqlx.Tx) error {
		var row taskRow
		err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if row.Status != string(v1.TaskStatusRunning) {
			return fmt.Errorf("task %d is %s: %w", id, row.Status, ErrStateConflict)
		}
		if workerID != "" && row.AssignedWorker != workerID {
			return fmt.Errorf("task %d is assigned to %q: %w", id, row.AssignedWorker, ErrStateConflict)
		}
		if err := fn(tx, &row); err != nil {
			return err
		}
		task = row.toTask()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CancelTask cancels a task and its non-terminal descendants in one
// transaction. Running descendants are left alone unless includeRunning is
// set. An already-terminal target is returned unchanged, so repeated cancels
// are no-ops. The second return lists every task that actually transitioned,
// target first.
func (s *Store) CancelTask(id int64, includeRunning bool) (*v1.Task, []*v1.Task, error) {
	var task *v1.Task
	var cancelled []*v1.Task
	err := s.InTx(func(tx *sqlx.Tx) error {
		var row taskRow
		err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if v1.TaskStatus(row.Status).Terminal() {
			task = row.toTask()
			return nil
		}
		done := fmtTime(nowUTC())
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'cancelled', completed_at = ? WHERE id = ?`, done, id); err != nil {
			return err
		}
		row.Status = string(v1.TaskStatusCancelled)
		row.CompletedAt = sql.NullString{String: done, Valid: true}
		task = row.toTask()
		cancelled = append(cancelled, task)

		prefix := fmt.Sprintf("%s%d/", row.HierarchyPath, row.ID)
		query := `SELECT ` + taskColumns + ` FROM tasks
			WHERE hierarchy_path LIKE ?
				AND status NOT IN ('completed', 'failed', 'cancelled', 'timeout', 'converted')`
		if !includeRunning {
			query += ` AND status != 'running'`
		}
		var descendants []taskRow
		if err := tx.Select(&descendants, query, prefix+"%"); err != nil {
			return err
		}
		for i := range descendants {
			d := &descendants[i]
			if _, err := tx.Exec(`
				UPDATE tasks SET status = 'cancelled', completed_at = ? WHERE id = ?`, done, d.ID); err != nil {
				return err
			}
			d.Status = string(v1.TaskStatusCancelled)
			d.CompletedAt = sql.NullString{String: done, Valid: true}
			cancelled = append(cancelled, d.toTask())
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return task, cancelled, nil
}

// RetryTask re-queues a failed, cancelled, or timed-out task. With
// resetRetries the retry counter returns to zero.
func (s *Store) RetryTask(id int64, resetRetries bool) (*v1.Task, error) {
	var task *v1.Task
	err := s.InTx(func(tx *sqlx.Tx) error {
		var row taskRow
		err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		switch v1.TaskStatus(row.Status) {
		case v1.TaskStatusFailed, v1.TaskStatusCancelled, v1.TaskStatusTimeout:
		default:
			return fmt.Errorf("task %d is %s: %w", id, row.Status, ErrStateConflict)
		}

		retries := row.Retries
		if resetRetries {
			retries = 0
		}
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'pending', retries = ?, assigned_worker = '',
				scheduled_for = NULL, started_at = NULL, completed_at = NULL,
				result = '', error_message = ''
			WHERE id = ?`, retries, id); err != nil {
			return err
		}
		row.Status = string(v1.TaskStatusPending)
		row.Retries = retries
		row.AssignedWorker = ""
		row.ScheduledFor = sql.NullString{}
		row.StartedAt = sql.NullString{}
		row.CompletedAt = sql.NullString{}
		row.Result = ""
		row.ErrorMessage = ""
		task = row.toTask()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SetPriority updates a pending or scheduled task's priority. With increment
// the value is added to the current priority; the result is clamped to the
// valid range.
func (s *Store) SetPriority(id int64, priority int, increment bool) (*v1.Task, error) {
	var task *v1.Task
	err := s.InTx(func(tx *sqlx.Tx) error {
		var row taskRow
		err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		switch v1.TaskStatus(row.Status) {
		case v1.TaskStatusPending, v1.TaskStatusScheduled:
		default:
			return fmt.Errorf("task %d is %s: %w", id, row.Status, ErrStateConflict)
		}

		next := priority
		if increment {
			next = row.Priority + priority
		}
		if next < v1.PriorityMin {
			next = v1.PriorityMin
		}
		if next > v1.PriorityMax {
			next = v1.PriorityMax
		}
		if _, err := tx.Exec(`UPDATE tasks SET priority = ? WHERE id = ?`, next, id); err != nil {
			return err
		}
		row.Priority = next
		task = row.toTask()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateStatus forces a task's status. Used by bulk operations; normal
// transitions go through the dedicated methods.
func (s *Store) UpdateStatus(id int64, status v1.TaskStatus, errorMessage string) error {
	set := `status = ?`
	args := []interface{}{string(status)}
	if errorMessage != "" {
		set += `, error_message = ?`
		args = append(args, errorMessage)
	}
	if status.Terminal() {
		set += `, completed_at = ?`
		args = append(args, fmtTime(nowUTC()))
	}
	args = append(args, id)
	res, err := s.writer().Exec(`UPDATE tasks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task. Running tasks are refused unless force is set.
// Direct children are detached to hierarchy roots with a NULL parent, which
// keeps orphaned subtrees findable by a left join against their old parent.
func (s *Store) DeleteTask(id int64, force bool) error {
	return s.InTx(func(tx *sqlx.Tx) error {
		var row taskRow
		err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if row.Status == string(v1.TaskStatusRunning) && !force {
			return fmt.Errorf("task %d is running: %w", id, ErrStateConflict)
		}

		childPath := fmt.Sprintf("%s%d/", row.HierarchyPath, row.ID)
		if _, err := tx.Exec(`
			UPDATE tasks SET parent_id = NULL, hierarchy_level = 0, hierarchy_path = '/'
			WHERE parent_id = ?`, id); err != nil {
			return err
		}
		// Deeper descendants keep their parent; their paths and levels are
		// rebased under the detached child.
		if _, err := tx.Exec(`
			UPDATE tasks SET hierarchy_path = '/' || substr(hierarchy_path, ?),
				hierarchy_level = hierarchy_level - ?
			WHERE hierarchy_path LIKE ?`,
			len(childPath)+1, row.HierarchyLevel+1, childPath+"%"); err != nil {
			return err
		}
		if row.ParentID.Valid {
			if _, err := tx.Exec(`
				UPDATE tasks SET child_count = child_count - 1
				WHERE id = ?`, row.ParentID.Int64); err != nil {
				return err
			}
		}
		_, err = tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// GetChildren returns the direct children of a task.
func (s *Store) GetChildren(id int64) ([]*v1.Task, error) {
	return s.ListTasks(TaskFilter{ParentID: &id})
}

// GetSubtree returns every descendant of a task, shallowest first.
func (s *Store) GetSubtree(id int64) ([]*v1.Task, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("%s%d/", task.HierarchyPath, task.ID)

	var rows []taskRow
	err = s.reader().Select(&rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE hierarchy_path LIKE ?
		ORDER BY hierarchy_level ASC, id ASC`, prefix+"%")
	if err != nil {
		return nil, err
	}
	tasks := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toTask())
	}
	return tasks, nil
}

// AllChildrenTerminal reports whether every direct child of a task has
// reached a terminal state. Returns true for childless tasks.
func (s *Store) AllChildrenTerminal(id int64) (bool, error) {
	var open int
	err := s.reader().Get(&open, `
		SELECT COUNT(*) FROM tasks
		WHERE parent_id = ? AND status NOT IN ('completed', 'failed', 'cancelled', 'timeout', 'converted')`, id)
	if err != nil {
		return false, err
	}
	return open == 0, nil
}

// PromoteScheduled flips due scheduled tasks to pending and returns their IDs.
func (s *Store) PromoteScheduled(now time.Time) ([]int64, error) {
	var ids []int64
	err := s.InTx(func(tx *sqlx.Tx) error {
		if err := tx.Select(&ids, `
			SELECT id FROM tasks
			WHERE status = 'scheduled' AND scheduled_for IS NOT NULL AND scheduled_for <= ?`,
			fmtTime(now)); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		query, args, err := sqlx.In(`UPDATE tasks SET status = 'pending' WHERE id IN (?)`, ids)
		if err != nil {
			return err
		}
		_, err = tx.Exec(tx.Rebind(query), args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SweepTimeouts transitions running tasks whose deadline has passed. Tasks
// with retry budget left return to pending; exhausted ones land in timeout.
// Long-running tasks are exempt only while their worker's heartbeat is
// younger than heartbeatTTL. Returns the post-transition tasks.
func (s *Store) SweepTimeouts(now time.Time, heartbeatTTL time.Duration) ([]*v1.Task, error) {
	var swept []*v1.Task
	err := s.InTx(func(tx *sqlx.Tx) error {
		var rows []taskRow
		if err := tx.Select(&rows, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'running' AND started_at IS NOT NULL
				AND (long_running = 0 OR NOT EXISTS (
					SELECT 1 FROM workers w
					WHERE w.worker_id = tasks.assigned_worker AND w.last_heartbeat > ?))`,
			fmtTime(now.Add(-heartbeatTTL))); err != nil {
			return err
		}
		for i := range rows {
			row := &rows[i]
			started := parseTime(row.StartedAt.String)
			deadline := started.Add(time.Duration(row.TimeoutSeconds) * time.Second)
			if started.IsZero() || now.Before(deadline) {
				continue
			}

			if row.Retries < row.MaxRetries {
				if _, err := tx.Exec(`
					UPDATE tasks SET status = 'pending', retries = retries + 1,
						error_message = 'task timed out', assigned_worker = '', started_at = NULL
					WHERE id = ?`, row.ID); err != nil {
					return err
				}
				row.Status = string(v1.TaskStatusPending)
				row.Retries++
				row.ErrorMessage = "task timed out"
				row.AssignedWorker = ""
				row.StartedAt = sql.NullString{}
			} else {
				done := fmtTime(now)
				if _, err := tx.Exec(`
					UPDATE tasks SET status = 'timeout', error_message = 'task timed out',
						completed_at = ?
					WHERE id = ?`, done, row.ID); err != nil {
					return err
				}
				row.Status = string(v1.TaskStatusTimeout)
				row.ErrorMessage = "task timed out"
				row.CompletedAt = sql.NullString{String: done, Valid: true}
			}
			swept = append(swept, row.toTask())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// ArchiveTerminal moves terminal tasks older than cutoff into task_archive.
// Returns the number of archived rows.
func (s *Store) ArchiveTerminal(cutoff time.Time) (int, error) {
	archived := 0
	err := s.InTx(func(tx *sqlx.Tx) error {
		archivedAt := fmtTime(nowUTC())
		res, err := tx.Exec(`
			INSERT INTO task_archive
			SELECT `+taskColumns+`, ? FROM tasks
			WHERE status IN ('completed', 'failed', 'cancelled', 'timeout', 'converted')
				AND completed_at IS NOT NULL AND completed_at <= ?
				AND child_count = 0`,
			archivedAt, fmtTime(cutoff))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		archived = int(n)
		_, err = tx.Exec(`
			DELETE FROM tasks
			WHERE status IN ('completed', 'failed', 'cancelled', 'timeout', 'converted')
				AND completed_at IS NOT NULL AND completed_at <= ?
				AND child_count = 0`, fmtTime(cutoff))
		return err
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}

// ListArchived returns archived tasks, newest first.
func (s *Store) ListArchived(limit, offset int) ([]*v1.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []taskRow
	err := s.reader().Select(&rows, `
		SELECT `+taskColumns+` FROM task_archive
		ORDER BY completed_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	tasks := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toTask())
	}
	return tasks, nil
}

// AssignSprint moves a task in or out of a sprint. An empty sprintID clears
// the assignment.
func (s *Store) AssignSprint(taskID int64, sprintID string) error {
	res, err := s.writer().Exec(`UPDATE tasks SET sprint_id = ? WHERE id = ?`, sprintID, taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ConvertTask marks a task converted into an external entity and records the
// conversion.
func (s *Store) ConvertTask(taskID int64, targetKind, targetID, convertedBy string) (*v1.TaskConversion, error) {
	var conv *v1.TaskConversion
	err := s.InTx(func(tx *sqlx.Tx) error {
		var status string
		err := tx.Get(&status, `SELECT status FROM tasks WHERE id = ?`, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if v1.TaskStatus(status).Terminal() {
			return fmt.Errorf("task %d is %s: %w", taskID, status, ErrStateConflict)
		}

		now := nowUTC()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'converted', completed_at = ? WHERE id = ?`,
			fmtTime(now), taskID); err != nil {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO task_conversions (task_id, target_kind, target_id, converted_by, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			taskID, targetKind, targetID, convertedBy, fmtTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		conv = &v1.TaskConversion{
			ID: id, TaskID: taskID, TargetKind: targetKind,
			TargetID: targetID, ConvertedBy: convertedBy, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversions returns the conversion records for a task.
func (s *Store) ListConversions(taskID int64) ([]*v1.TaskConversion, error) {
	type convRow struct {
		ID          int64  `db:"id"`
		TaskID      int64  `db:"task_id"`
		TargetKind  string `db:"target_kind"`
		TargetID    string `db:"target_id"`
		ConvertedBy string `db:"converted_by"`
		CreatedAt   string `db:"created_at"`
	}
	var rows []convRow
	err := s.reader().Select(&rows, `
		SELECT id, task_id, target_kind, target_id, converted_by, created_at
		FROM task_conversions WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.TaskConversion, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.TaskConversion{
			ID: r.ID, TaskID: r.TaskID, TargetKind: r.TargetKind,
			TargetID: r.TargetID, ConvertedBy: r.ConvertedBy, CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}
