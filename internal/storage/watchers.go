package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

type watchRow struct {
	ID        int64  `db:"id"`
	UserID    string `db:"user_id"`
	TaskID    int64  `db:"task_id"`
	TaskType  string `db:"task_type"`
	WatchType string `db:"watch_type"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r *watchRow) toWatch() *v1.Watch {
	return &v1.Watch{
		ID:        r.ID,
		UserID:    r.UserID,
		TaskID:    r.TaskID,
		TaskType:  r.TaskType,
		WatchType: v1.WatchType(r.WatchType),
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

const watchColumns = `id, user_id, task_id, task_type, watch_type, created_at, updated_at`

// UpsertWatch subscribes a user to a task. A duplicate subscription updates
// the watch type on the existing row.
func (s *Store) UpsertWatch(userID string, taskID int64, watchType v1.WatchType) (*v1.Watch, error) {
	if watchType == "" {
		watchType = v1.WatchAll
	}

	var watch *v1.Watch
	err := s.InTx(func(tx *sqlx.Tx) error {
		var taskType string
		err := tx.Get(&taskType, `SELECT task_type FROM tasks WHERE id = ?`, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}

		now := fmtTime(nowUTC())
		if _, err := tx.Exec(`
			INSERT INTO task_watchers (user_id, task_id, task_type, watch_type, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, task_id) DO UPDATE SET
				watch_type = excluded.watch_type,
				updated_at = excluded.updated_at`,
			userID, taskID, taskType, string(watchType), now, now); err != nil {
			return err
		}

		var row watchRow
		if err := tx.Get(&row, `
			SELECT `+watchColumns+` FROM task_watchers
			WHERE user_id = ? AND task_id = ?`, userID, taskID); err != nil {
			return err
		}
		watch = row.toWatch()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return watch, nil
}

// DeleteWatch removes a user's subscription to a task.
func (s *Store) DeleteWatch(userID string, taskID int64) error {
	res, err := s.writer().Exec(`
		DELETE FROM task_watchers WHERE user_id = ? AND task_id = ?`, userID, taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrWatchNotFound
	}
	return nil
}

// ListWatchers returns everyone watching a task.
func (s *Store) ListWatchers(taskID int64) ([]*v1.Watch, error) {
	var rows []watchRow
	err := s.reader().Select(&rows, `
		SELECT `+watchColumns+` FROM task_watchers WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Watch, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWatch())
	}
	return out, nil
}

// ListUserWatches returns every task a user watches.
func (s *Store) ListUserWatches(userID string) ([]*v1.Watch, error) {
	var rows []watchRow
	err := s.reader().Select(&rows, `
		SELECT `+watchColumns+` FROM task_watchers WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Watch, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWatch())
	}
	return out, nil
}

// RecordWatchEvent stores an emitted notification.
func (s *Store) RecordWatchEvent(e *v1.WatchEvent) error {
	e.CreatedAt = nowUTC()
	res, err := s.writer().Exec(`
		INSERT INTO watch_events (watch_id, user_id, task_id, event_kind, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.WatchID, e.UserID, e.TaskID, e.EventKind, e.Actor, e.Detail, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert watch event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListWatchEvents returns a user's recent notifications, newest first.
func (s *Store) ListWatchEvents(userID string, limit int) ([]*v1.WatchEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	type eventRow struct {
		ID        int64  `db:"id"`
		WatchID   int64  `db:"watch_id"`
		UserID    string `db:"user_id"`
		TaskID    int64  `db:"task_id"`
		EventKind string `db:"event_kind"`
		Actor     string `db:"actor"`
		Detail    string `db:"detail"`
		CreatedAt string `db:"created_at"`
	}
	var rows []eventRow
	err := s.reader().Select(&rows, `
		SELECT id, watch_id, user_id, task_id, event_kind, actor, detail, created_at
		FROM watch_events WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.WatchEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.WatchEvent{
			ID: r.ID, WatchID: r.WatchID, UserID: r.UserID, TaskID: r.TaskID,
			EventKind: r.EventKind, Actor: r.Actor, Detail: r.Detail,
			CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// GetWatchPreferences returns a user's preferences, falling back to defaults
// when none are stored.
func (s *Store) GetWatchPreferences(userID string) (*v1.WatchPreferences, error) {
	type prefsRow struct {
		UserID           string `db:"user_id"`
		AutoWatchCreate  bool   `db:"auto_watch_create"`
		AutoWatchAssign  bool   `db:"auto_watch_assign"`
		AutoWatchComment bool   `db:"auto_watch_comment"`
		QuietHoursStart  string `db:"quiet_hours_start"`
		QuietHoursEnd    string `db:"quiet_hours_end"`
	}
	var row prefsRow
	err := s.reader().Get(&row, `
		SELECT user_id, auto_watch_create, auto_watch_assign, auto_watch_comment,
			quiet_hours_start, quiet_hours_end
		FROM watch_preferences WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &v1.WatchPreferences{
			UserID:          userID,
			AutoWatchCreate: true,
			AutoWatchAssign: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &v1.WatchPreferences{
		UserID:           row.UserID,
		AutoWatchCreate:  row.AutoWatchCreate,
		AutoWatchAssign:  row.AutoWatchAssign,
		AutoWatchComment: row.AutoWatchComment,
		QuietHoursStart:  row.QuietHoursStart,
		QuietHoursEnd:    row.QuietHoursEnd,
	}, nil
}

// SetWatchPreferences stores a user's preferences.
func (s *Store) SetWatchPreferences(p *v1.WatchPreferences) error {
	_, err := s.writer().Exec(`
		INSERT INTO watch_preferences (user_id, auto_watch_create, auto_watch_assign,
			auto_watch_comment, quiet_hours_start, quiet_hours_end)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_watch_create = excluded.auto_watch_create,
			auto_watch_assign = excluded.auto_watch_assign,
			auto_watch_comment = excluded.auto_watch_comment,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end`,
		p.UserID, p.AutoWatchCreate, p.AutoWatchAssign, p.AutoWatchComment,
		p.QuietHoursStart, p.QuietHoursEnd)
	return err
}
