package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

type workerRow struct {
	WorkerID          string `db:"worker_id"`
	WorkerType        string `db:"worker_type"`
	Status            string `db:"status"`
	Capacity          int    `db:"capacity"`
	CurrentLoad       int    `db:"current_load"`
	ActiveConnections int    `db:"active_connections"`
	Skills            string `db:"skills"`
	Weight            int    `db:"weight"`
	RestartCount      int    `db:"restart_count"`
	RegionID          string `db:"region_id"`
	LastHeartbeat     string `db:"last_heartbeat"`
	RegisteredAt      string `db:"registered_at"`
}

func (r *workerRow) toWorker() *v1.Worker {
	w := &v1.Worker{
		WorkerID:          r.WorkerID,
		WorkerType:        r.WorkerType,
		Status:            v1.WorkerStatus(r.Status),
		Capacity:          r.Capacity,
		CurrentLoad:       r.CurrentLoad,
		ActiveConnections: r.ActiveConnections,
		Weight:            r.Weight,
		RestartCount:      r.RestartCount,
		RegionID:          r.RegionID,
		LastHeartbeat:     parseTime(r.LastHeartbeat),
		RegisteredAt:      parseTime(r.RegisteredAt),
	}
	_ = json.Unmarshal([]byte(r.Skills), &w.Skills)
	return w
}

const workerColumns = `worker_id, worker_type, status, capacity, current_load,
	active_connections, skills, weight, restart_count, region_id,
	last_heartbeat, registered_at`

// UpsertWorker registers a worker or refreshes an existing registration.
// Re-registration keeps the original registered_at and restart count.
func (s *Store) UpsertWorker(w *v1.Worker) error {
	skills, err := json.Marshal(w.Skills)
	if err != nil {
		return fmt.Errorf("failed to marshal skills: %w", err)
	}
	if w.Skills == nil {
		skills = []byte("[]")
	}
	now := nowUTC()
	w.LastHeartbeat = now
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}

	_, err = s.writer().Exec(`
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			worker_type = excluded.worker_type,
			status = excluded.status,
			capacity = excluded.capacity,
			skills = excluded.skills,
			weight = excluded.weight,
			region_id = excluded.region_id,
			last_heartbeat = excluded.last_heartbeat`,
		w.WorkerID, w.WorkerType, string(w.Status), w.Capacity, w.CurrentLoad,
		w.ActiveConnections, string(skills), w.Weight, w.RestartCount,
		w.RegionID, fmtTime(now), fmtTime(w.RegisteredAt))
	return err
}

// GetWorker fetches one worker by ID.
func (s *Store) GetWorker(workerID string) (*v1.Worker, error) {
	var row workerRow
	err := s.reader().Get(&row, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toWorker(), nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers() ([]*v1.Worker, error) {
	var rows []workerRow
	if err := s.reader().Select(&rows, `SELECT `+workerColumns+` FROM workers ORDER BY worker_id`); err != nil {
		return nil, err
	}
	out := make([]*v1.Worker, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWorker())
	}
	return out, nil
}

// TouchWorker refreshes a worker's heartbeat and load figures.
func (s *Store) TouchWorker(workerID string, currentLoad, activeConnections int) error {
	res, err := s.writer().Exec(`
		UPDATE workers SET last_heartbeat = ?, current_load = ?, active_connections = ?
		WHERE worker_id = ?`,
		fmtTime(nowUTC()), currentLoad, activeConnections, workerID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// SetWorkerStatus updates a worker's lifecycle state. Restarts bump the
// restart counter.
func (s *Store) SetWorkerStatus(workerID string, status v1.WorkerStatus) error {
	query := `UPDATE workers SET status = ?`
	if status == v1.WorkerStatusRestarting {
		query += `, restart_count = restart_count + 1`
	}
	query += ` WHERE worker_id = ?`
	res, err := s.writer().Exec(query, string(status), workerID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// RemoveWorker deletes a worker registration.
func (s *Store) RemoveWorker(workerID string) error {
	_, err := s.writer().Exec(`DELETE FROM workers WHERE worker_id = ?`, workerID)
	return err
}

// StaleWorkers returns workers whose heartbeat is older than cutoff and that
// are not already stopped.
func (s *Store) StaleWorkers(cutoff time.Time) ([]*v1.Worker, error) {
	var rows []workerRow
	err := s.reader().Select(&rows, `
		SELECT `+workerColumns+` FROM workers
		WHERE last_heartbeat < ? AND status NOT IN ('stopped', 'failed')`, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Worker, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWorker())
	}
	return out, nil
}

// RecordWorkerFailure stores an escalated worker failure.
func (s *Store) RecordWorkerFailure(f *v1.WorkerFailure) error {
	f.CreatedAt = nowUTC()
	res, err := s.writer().Exec(`
		INSERT INTO worker_failures (worker_id, task_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.WorkerID, f.TaskID, f.Kind, f.Detail, fmtTime(f.CreatedAt))
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

// ListWorkerFailures returns recent failures for a worker, newest first. An
// empty workerID lists failures across all workers.
func (s *Store) ListWorkerFailures(workerID string, limit int) ([]*v1.WorkerFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	type failureRow struct {
		ID        int64         `db:"id"`
		WorkerID  string        `db:"worker_id"`
		TaskID    sql.NullInt64 `db:"task_id"`
		Kind      string        `db:"kind"`
		Detail    string        `db:"detail"`
		CreatedAt string        `db:"created_at"`
	}

	query := `SELECT id, worker_id, task_id, kind, detail, created_at FROM worker_failures`
	var args []interface{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []failureRow
	if err := s.reader().Select(&rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*v1.WorkerFailure, 0, len(rows))
	for _, r := range rows {
		f := &v1.WorkerFailure{
			ID: r.ID, WorkerID: r.WorkerID, Kind: r.Kind,
			Detail: r.Detail, CreatedAt: parseTime(r.CreatedAt),
		}
		if r.TaskID.Valid {
			tid := r.TaskID.Int64
			f.TaskID = &tid
		}
		out = append(out, f)
	}
	return out, nil
}
