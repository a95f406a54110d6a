package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

type webhookRow struct {
	ID             string `db:"id"`
	URL            string `db:"url"`
	Secret         string `db:"secret"`
	Events         string `db:"events"`
	TaskTypes      string `db:"task_types"`
	RetryCount     int    `db:"retry_count"`
	TimeoutSeconds int    `db:"timeout_seconds"`
	Enabled        bool   `db:"enabled"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

func (r *webhookRow) toWebhook() *v1.Webhook {
	w := &v1.Webhook{
		ID:             r.ID,
		URL:            r.URL,
		Secret:         r.Secret,
		RetryCount:     r.RetryCount,
		TimeoutSeconds: r.TimeoutSeconds,
		Enabled:        r.Enabled,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
	_ = json.Unmarshal([]byte(r.Events), &w.Events)
	_ = json.Unmarshal([]byte(r.TaskTypes), &w.TaskTypes)
	return w
}

const webhookColumns = `id, url, secret, events, task_types, retry_count,
	timeout_seconds, enabled, created_at, updated_at`

func marshalStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	body, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(body)
}

// CreateWebhook registers a webhook subscription with a generated UUID.
func (s *Store) CreateWebhook(w *v1.Webhook) error {
	now := nowUTC()
	w.ID = uuid.New().String()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.writer().Exec(`
		INSERT INTO task_webhooks (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.URL, w.Secret, marshalStringList(w.Events), marshalStringList(w.TaskTypes),
		w.RetryCount, w.TimeoutSeconds, w.Enabled, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

// GetWebhook fetches one webhook by ID.
func (s *Store) GetWebhook(id string) (*v1.Webhook, error) {
	var row webhookRow
	err := s.reader().Get(&row, `SELECT `+webhookColumns+` FROM task_webhooks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toWebhook(), nil
}

// ListWebhooks returns all webhook subscriptions.
func (s *Store) ListWebhooks() ([]*v1.Webhook, error) {
	var rows []webhookRow
	if err := s.reader().Select(&rows, `SELECT `+webhookColumns+` FROM task_webhooks ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]*v1.Webhook, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWebhook())
	}
	return out, nil
}

// EnabledWebhooks returns only enabled subscriptions, for dispatch fan-out.
func (s *Store) EnabledWebhooks() ([]*v1.Webhook, error) {
	var rows []webhookRow
	if err := s.reader().Select(&rows, `SELECT `+webhookColumns+` FROM task_webhooks WHERE enabled = 1`); err != nil {
		return nil, err
	}
	out := make([]*v1.Webhook, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWebhook())
	}
	return out, nil
}

// UpdateWebhook replaces a webhook's mutable fields.
func (s *Store) UpdateWebhook(w *v1.Webhook) error {
	now := nowUTC()
	res, err := s.writer().Exec(`
		UPDATE task_webhooks
		SET url = ?, secret = ?, events = ?, task_types = ?, retry_count = ?,
			timeout_seconds = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		w.URL, w.Secret, marshalStringList(w.Events), marshalStringList(w.TaskTypes),
		w.RetryCount, w.TimeoutSeconds, w.Enabled, fmtTime(now), w.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrWebhookNotFound
	}
	w.UpdatedAt = now
	return nil
}

// DeleteWebhook removes a webhook and its delivery history.
func (s *Store) DeleteWebhook(id string) error {
	res, err := s.writer().Exec(`DELETE FROM task_webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrWebhookNotFound
	}
	_, err = s.writer().Exec(`DELETE FROM webhook_deliveries WHERE webhook_id = ?`, id)
	return err
}

// RecordDelivery stores the outcome of one delivery attempt.
func (s *Store) RecordDelivery(d *v1.WebhookDelivery) error {
	d.CreatedAt = nowUTC()
	res, err := s.writer().Exec(`
		INSERT INTO webhook_deliveries (webhook_id, event, task_id, payload,
			status_code, success, duration_ms, response, error, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.WebhookID, d.Event, d.TaskID, d.Payload, d.StatusCode, d.Success,
		d.DurationMS, d.Response, d.Error, d.Attempt, fmtTime(d.CreatedAt))
	if err != nil {
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

// ListDeliveries returns recent deliveries for a webhook, newest first.
func (s *Store) ListDeliveries(webhookID string, limit int) ([]*v1.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	type deliveryRow struct {
		ID         int64  `db:"id"`
		WebhookID  string `db:"webhook_id"`
		Event      string `db:"event"`
		TaskID     int64  `db:"task_id"`
		Payload    string `db:"payload"`
		StatusCode int    `db:"status_code"`
		Success    bool   `db:"success"`
		DurationMS int64  `db:"duration_ms"`
		Response   string `db:"response"`
		Error      string `db:"error"`
		Attempt    int    `db:"attempt"`
		CreatedAt  string `db:"created_at"`
	}
	var rows []deliveryRow
	err := s.reader().Select(&rows, `
		SELECT id, webhook_id, event, task_id, payload, status_code, success,
			duration_ms, response, error, attempt, created_at
		FROM webhook_deliveries WHERE webhook_id = ?
		ORDER BY id DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.WebhookDelivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.WebhookDelivery{
			ID: r.ID, WebhookID: r.WebhookID, Event: r.Event, TaskID: r.TaskID,
			Payload: r.Payload, StatusCode: r.StatusCode, Success: r.Success,
			DurationMS: r.DurationMS, Response: r.Response, Error: r.Error,
			Attempt: r.Attempt, CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// PruneDeliveries deletes all but the newest keep rows per webhook.
func (s *Store) PruneDeliveries(keep int) error {
	if keep <= 0 {
		keep = 1000
	}
	_, err := s.writer().Exec(`
		DELETE FROM webhook_deliveries WHERE id NOT IN (
			SELECT id FROM webhook_deliveries d
			WHERE (
				SELECT COUNT(*) FROM webhook_deliveries newer
				WHERE newer.webhook_id = d.webhook_id AND newer.id >= d.id
			) <= ?
		)`, keep)
	return err
}
