package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

type templateRow struct {
	ID              string `db:"id"`
	Name            string `db:"name"`
	Description     string `db:"description"`
	TaskType        string `db:"task_type"`
	Payload         string `db:"payload"`
	DefaultPriority int    `db:"default_priority"`
	MaxRetries      int    `db:"max_retries"`
	TimeoutSeconds  int    `db:"timeout_seconds"`
	CreatedBy       string `db:"created_by"`
	UsageCount      int64  `db:"usage_count"`
	IsActive        bool   `db:"is_active"`
	Version         int    `db:"version"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

func (r *templateRow) toTemplate() *v1.TaskTemplate {
	t := &v1.TaskTemplate{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		TaskType:        r.TaskType,
		DefaultPriority: r.DefaultPriority,
		MaxRetries:      r.MaxRetries,
		TimeoutSeconds:  r.TimeoutSeconds,
		CreatedBy:       r.CreatedBy,
		UsageCount:      r.UsageCount,
		IsActive:        r.IsActive,
		Version:         r.Version,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
	_ = json.Unmarshal([]byte(r.Payload), &t.Payload)
	return t
}

const templateColumns = `id, name, description, task_type, payload, default_priority,
	max_retries, timeout_seconds, created_by, usage_count, is_active, version,
	created_at, updated_at`

// CreateTemplate inserts a template with a generated UUID.
func (s *Store) CreateTemplate(tpl *v1.TaskTemplate) error {
	payload, err := marshalPayload(tpl.Payload)
	if err != nil {
		return err
	}
	now := nowUTC()
	tpl.ID = uuid.New().String()
	tpl.UsageCount = 0
	tpl.IsActive = true
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	_, err = s.writer().Exec(`
		INSERT INTO task_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, 1, ?, ?)`,
		tpl.ID, tpl.Name, tpl.Description, tpl.TaskType, payload,
		tpl.DefaultPriority, tpl.MaxRetries, tpl.TimeoutSeconds, tpl.CreatedBy,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// GetTemplate fetches one template by ID.
func (s *Store) GetTemplate(id string) (*v1.TaskTemplate, error) {
	var row templateRow
	err := s.reader().Get(&row, `SELECT `+templateColumns+` FROM task_templates WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTemplate(), nil
}

// ListTemplates returns templates, active first, then most recently updated.
func (s *Store) ListTemplates(includeInactive bool) ([]*v1.TaskTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM task_templates`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY is_active DESC, updated_at DESC`

	var rows []templateRow
	if err := s.reader().Select(&rows, query); err != nil {
		return nil, err
	}
	out := make([]*v1.TaskTemplate, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTemplate())
	}
	return out, nil
}

// UpdateTemplate replaces a template's mutable fields and bumps its version.
func (s *Store) UpdateTemplate(tpl *v1.TaskTemplate) error {
	payload, err := marshalPayload(tpl.Payload)
	if err != nil {
		return err
	}
	now := nowUTC()
	res, err := s.writer().Exec(`
		UPDATE task_templates
		SET name = ?, description = ?, task_type = ?, payload = ?,
			default_priority = ?, max_retries = ?, timeout_seconds = ?,
			is_active = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		tpl.Name, tpl.Description, tpl.TaskType, payload,
		tpl.DefaultPriority, tpl.MaxRetries, tpl.TimeoutSeconds,
		tpl.IsActive, fmtTime(now), tpl.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTemplateNotFound
	}
	tpl.Version++
	tpl.UpdatedAt = now
	return nil
}

// DeleteTemplate deactivates a template. Rows are kept so batches remain
// attributable.
func (s *Store) DeleteTemplate(id string) error {
	res, err := s.writer().Exec(`
		UPDATE task_templates SET is_active = 0, updated_at = ? WHERE id = ?`,
		fmtTime(nowUTC()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// IncrementTemplateUsage bumps a template's usage counter by n.
func (s *Store) IncrementTemplateUsage(id string, n int) error {
	_, err := s.writer().Exec(`
		UPDATE task_templates SET usage_count = usage_count + ? WHERE id = ?`, n, id)
	return err
}

type batchRow struct {
	ID             string `db:"id"`
	TemplateID     string `db:"template_id"`
	Status         string `db:"status"`
	TotalRequested int    `db:"total_requested"`
	CreatedCount   int    `db:"created_count"`
	FailedCount    int    `db:"failed_count"`
	StaggerSeconds int    `db:"stagger_seconds"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

func (r *batchRow) toBatch() *v1.Batch {
	return &v1.Batch{
		ID:             r.ID,
		TemplateID:     r.TemplateID,
		Status:         v1.BatchStatus(r.Status),
		TotalRequested: r.TotalRequested,
		CreatedCount:   r.CreatedCount,
		FailedCount:    r.FailedCount,
		StaggerSeconds: r.StaggerSeconds,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
}

const batchColumns = `id, template_id, status, total_requested, created_count,
	failed_count, stagger_seconds, created_at, updated_at`

// CreateBatch inserts a batch record with a generated UUID.
func (s *Store) CreateBatch(b *v1.Batch) error {
	now := nowUTC()
	b.ID = uuid.New().String()
	if b.Status == "" {
		b.Status = v1.BatchStatusPending
	}
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.writer().Exec(`
		INSERT INTO task_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TemplateID, string(b.Status), b.TotalRequested,
		b.CreatedCount, b.FailedCount, b.StaggerSeconds,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// GetBatch fetches one batch by ID.
func (s *Store) GetBatch(id string) (*v1.Batch, error) {
	var row batchRow
	err := s.reader().Get(&row, `SELECT `+batchColumns+` FROM task_batches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toBatch(), nil
}

// ListBatches returns batches, newest first.
func (s *Store) ListBatches(limit, offset int) ([]*v1.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []batchRow
	err := s.reader().Select(&rows, `
		SELECT `+batchColumns+` FROM task_batches
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Batch, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toBatch())
	}
	return out, nil
}

// UpdateBatchProgress records the outcome counts of a batch expansion and
// derives the aggregate status.
func (s *Store) UpdateBatchProgress(id string, created, failed int) (*v1.Batch, error) {
	var batch *v1.Batch
	err := s.InTx(func(tx *sqlx.Tx) error {
		var row batchRow
		err := tx.Get(&row, `SELECT `+batchColumns+` FROM task_batches WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBatchNotFound
		}
		if err != nil {
			return err
		}

		row.CreatedCount = created
		row.FailedCount = failed
		switch {
		case failed == 0:
			row.Status = string(v1.BatchStatusCreated)
		case created == 0:
			row.Status = string(v1.BatchStatusFailed)
		default:
			row.Status = string(v1.BatchStatusPartial)
		}
		row.UpdatedAt = fmtTime(nowUTC())

		if _, err := tx.Exec(`
			UPDATE task_batches SET status = ?, created_count = ?, failed_count = ?, updated_at = ?
			WHERE id = ?`,
			row.Status, row.CreatedCount, row.FailedCount, row.UpdatedAt, id); err != nil {
			return err
		}
		batch = row.toBatch()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// SetBatchStatus forces a batch status (cancel, retry bookkeeping).
func (s *Store) SetBatchStatus(id string, status v1.BatchStatus) error {
	res, err := s.writer().Exec(`
		UPDATE task_batches SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(nowUTC()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBatchNotFound
	}
	return nil
}
