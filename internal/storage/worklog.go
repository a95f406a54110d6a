package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

type worklogRow struct {
	ID               int64  `db:"id"`
	TaskID           int64  `db:"task_id"`
	UserID           string `db:"user_id"`
	TimeSpentMinutes int    `db:"time_spent_minutes"`
	WorkDate         string `db:"work_date"`
	WorkType         string `db:"work_type"`
	Billable         bool   `db:"billable"`
	Description      string `db:"description"`
	CreatedAt        string `db:"created_at"`
}

func (r *worklogRow) toEntry() *v1.WorklogEntry {
	return &v1.WorklogEntry{
		ID:               r.ID,
		TaskID:           r.TaskID,
		UserID:           r.UserID,
		TimeSpentMinutes: r.TimeSpentMinutes,
		WorkDate:         r.WorkDate,
		WorkType:         r.WorkType,
		Billable:         r.Billable,
		Description:      r.Description,
		CreatedAt:        parseTime(r.CreatedAt),
	}
}

const worklogColumns = `id, task_id, user_id, time_spent_minutes, work_date,
	work_type, billable, description, created_at`

// AddWorklog records time spent on a task. WorkDate defaults to today (UTC).
func (s *Store) AddWorklog(e *v1.WorklogEntry) error {
	now := nowUTC()
	if e.WorkDate == "" {
		e.WorkDate = now.Format("2006-01-02")
	}
	e.CreatedAt = now

	return s.InTx(func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.Get(&exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, e.TaskID); err != nil {
			return err
		}
		if exists == 0 {
			return ErrTaskNotFound
		}
		res, err := tx.Exec(`
			INSERT INTO task_worklog (task_id, user_id, time_spent_minutes, work_date,
				work_type, billable, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TaskID, e.UserID, e.TimeSpentMinutes, e.WorkDate,
			e.WorkType, e.Billable, e.Description, fmtTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert worklog entry: %w", err)
		}
		e.ID, err = res.LastInsertId()
		return err
	})
}

// ListWorklog returns the worklog entries for a task, newest first.
func (s *Store) ListWorklog(taskID int64) ([]*v1.WorklogEntry, error) {
	var rows []worklogRow
	err := s.reader().Select(&rows, `
		SELECT `+worklogColumns+` FROM task_worklog
		WHERE task_id = ? ORDER BY id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.WorklogEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntry())
	}
	return out, nil
}

// DeleteWorklog removes one worklog entry.
func (s *Store) DeleteWorklog(id int64) error {
	res, err := s.writer().Exec(`DELETE FROM task_worklog WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worklog entry %d: %w", id, ErrTaskNotFound)
	}
	return nil
}

// StartTimer starts a work timer for a user on a task. A user may have only
// one active timer.
func (s *Store) StartTimer(taskID int64, userID string) (*v1.TaskTimer, error) {
	var timer *v1.TaskTimer
	err := s.InTx(func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.Get(&exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID); err != nil {
			return err
		}
		if exists == 0 {
			return ErrTaskNotFound
		}

		var active int
		if err := tx.Get(&active, `SELECT COUNT(*) FROM task_timers WHERE user_id = ?`, userID); err != nil {
			return err
		}
		if active > 0 {
			return ErrTimerActive
		}

		now := nowUTC()
		res, err := tx.Exec(`
			INSERT INTO task_timers (task_id, user_id, started_at) VALUES (?, ?, ?)`,
			taskID, userID, fmtTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		timer = &v1.TaskTimer{ID: id, TaskID: taskID, UserID: userID, StartedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return timer, nil
}

// StopTimer stops a user's active timer and converts the elapsed time into a
// worklog entry (rounded up to a minute minimum).
func (s *Store) StopTimer(userID, description string) (*v1.WorklogEntry, error) {
	var entry *v1.WorklogEntry
	err := s.InTx(func(tx *sqlx.Tx) error {
		type timerRow struct {
			ID        int64  `db:"id"`
			TaskID    int64  `db:"task_id"`
			UserID    string `db:"user_id"`
			StartedAt string `db:"started_at"`
		}
		var row timerRow
		err := tx.Get(&row, `
			SELECT id, task_id, user_id, started_at FROM task_timers WHERE user_id = ?`, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTimerNotFound
		}
		if err != nil {
			return err
		}

		now := nowUTC()
		elapsed := now.Sub(parseTime(row.StartedAt))
		minutes := int(elapsed.Round(time.Minute) / time.Minute)
		if minutes < 1 {
			minutes = 1
		}

		if _, err := tx.Exec(`DELETE FROM task_timers WHERE id = ?`, row.ID); err != nil {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO task_worklog (task_id, user_id, time_spent_minutes, work_date,
				work_type, billable, description, created_at)
			VALUES (?, ?, ?, ?, 'timer', 0, ?, ?)`,
			row.TaskID, userID, minutes, now.Format("2006-01-02"), description, fmtTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		entry = &v1.WorklogEntry{
			ID: id, TaskID: row.TaskID, UserID: userID,
			TimeSpentMinutes: minutes, WorkDate: now.Format("2006-01-02"),
			WorkType: "timer", Description: description, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DiscardTimer deletes a user's active timer without recording any time.
func (s *Store) DiscardTimer(userID string) error {
	res, err := s.writer().Exec(`DELETE FROM task_timers WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTimerNotFound
	}
	return nil
}

// ActiveTimer returns a user's active timer, or ErrTimerNotFound.
func (s *Store) ActiveTimer(userID string) (*v1.TaskTimer, error) {
	type timerRow struct {
		ID        int64  `db:"id"`
		TaskID    int64  `db:"task_id"`
		UserID    string `db:"user_id"`
		StartedAt string `db:"started_at"`
	}
	var row timerRow
	err := s.reader().Get(&row, `
		SELECT id, task_id, user_id, started_at FROM task_timers WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTimerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v1.TaskTimer{
		ID: row.ID, TaskID: row.TaskID, UserID: row.UserID,
		StartedAt: parseTime(row.StartedAt),
	}, nil
}

// WorklogRollup aggregates logged hours across a task and its subtree.
func (s *Store) WorklogRollup(taskID int64) (*v1.WorklogRollup, error) {
	task, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("%s%d/", task.HierarchyPath, task.ID)

	var minutes sql.NullInt64
	err = s.reader().Get(&minutes, `
		SELECT SUM(w.time_spent_minutes) FROM task_worklog w
		JOIN tasks t ON t.id = w.task_id
		WHERE t.id = ? OR t.hierarchy_path LIKE ?`, taskID, prefix+"%")
	if err != nil {
		return nil, err
	}

	var total, done int
	if err := s.reader().Get(&total, `
		SELECT COUNT(*) FROM tasks WHERE id = ? OR hierarchy_path LIKE ?`,
		taskID, prefix+"%"); err != nil {
		return nil, err
	}
	if err := s.reader().Get(&done, `
		SELECT COUNT(*) FROM tasks
		WHERE (id = ? OR hierarchy_path LIKE ?) AND status = 'completed'`,
		taskID, prefix+"%"); err != nil {
		return nil, err
	}

	rollup := &v1.WorklogRollup{
		TaskID:       taskID,
		WorklogHours: float64(minutes.Int64) / 60.0,
		ActualHours:  float64(minutes.Int64) / 60.0,
		TaskCount:    total,
	}
	if total > 0 {
		rollup.ProgressPercent = 100.0 * float64(done) / float64(total)
	}
	return rollup, nil
}

// CreateSprint inserts a sprint with a generated UUID.
func (s *Store) CreateSprint(sp *v1.Sprint) error {
	now := nowUTC()
	sp.ID = uuid.New().String()
	if sp.Status == "" {
		sp.Status = "planned"
	}
	sp.CreatedAt = now
	sp.UpdatedAt = now

	_, err := s.writer().Exec(`
		INSERT INTO sprints (id, name, start_date, end_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.Name, sp.StartDate, sp.EndDate, sp.Status, fmtTime(now), fmtTime(now))
	return err
}

// GetSprint fetches one sprint by ID.
func (s *Store) GetSprint(id string) (*v1.Sprint, error) {
	type sprintRow struct {
		ID        string `db:"id"`
		Name      string `db:"name"`
		StartDate string `db:"start_date"`
		EndDate   string `db:"end_date"`
		Status    string `db:"status"`
		CreatedAt string `db:"created_at"`
		UpdatedAt string `db:"updated_at"`
	}
	var row sprintRow
	err := s.reader().Get(&row, `
		SELECT id, name, start_date, end_date, status, created_at, updated_at
		FROM sprints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSprintNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v1.Sprint{
		ID: row.ID, Name: row.Name, StartDate: row.StartDate, EndDate: row.EndDate,
		Status: row.Status, CreatedAt: parseTime(row.CreatedAt), UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}

// ListSprints returns all sprints, newest first.
func (s *Store) ListSprints() ([]*v1.Sprint, error) {
	rows, err := s.reader().Queryx(`
		SELECT id, name, start_date, end_date, status, created_at, updated_at
		FROM sprints ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Sprint
	for rows.Next() {
		var id, name, start, end, status, created, updated string
		if err := rows.Scan(&id, &name, &start, &end, &status, &created, &updated); err != nil {
			return nil, err
		}
		out = append(out, &v1.Sprint{
			ID: id, Name: name, StartDate: start, EndDate: end, Status: status,
			CreatedAt: parseTime(created), UpdatedAt: parseTime(updated),
		})
	}
	return out, rows.Err()
}

// SetSprintStatus updates a sprint's lifecycle state.
func (s *Store) SetSprintStatus(id, status string) error {
	res, err := s.writer().Exec(`
		UPDATE sprints SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(nowUTC()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSprintNotFound
	}
	return nil
}
