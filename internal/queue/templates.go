package queue

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// varPattern matches ${name} and $name placeholders inside payload strings.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// CreateTemplate stores a new task template.
func (s *Service) CreateTemplate(req *v1.CreateTemplateRequest) (*v1.TaskTemplate, error) {
	tpl := &v1.TaskTemplate{
		Name:            req.Name,
		Description:     req.Description,
		TaskType:        req.TaskType,
		Payload:         req.Payload,
		DefaultPriority: req.DefaultPriority,
		MaxRetries:      s.cfg.DefaultMaxRetries,
		TimeoutSeconds:  s.cfg.DefaultTimeoutSeconds,
		CreatedBy:       req.CreatedBy,
	}
	if req.MaxRetries != nil {
		tpl.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds != nil {
		tpl.TimeoutSeconds = *req.TimeoutSeconds
	}
	if err := s.store.CreateTemplate(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetTemplate returns one template.
func (s *Service) GetTemplate(id string) (*v1.TaskTemplate, error) {
	return s.store.GetTemplate(id)
}

// ListTemplates returns templates.
func (s *Service) ListTemplates(includeInactive bool) ([]*v1.TaskTemplate, error) {
	return s.store.ListTemplates(includeInactive)
}

// UpdateTemplate replaces a template's fields.
func (s *Service) UpdateTemplate(tpl *v1.TaskTemplate) error {
	return s.store.UpdateTemplate(tpl)
}

// DeleteTemplate deactivates a template.
func (s *Service) DeleteTemplate(id string) error {
	return s.store.DeleteTemplate(id)
}

// TemplateVariables extracts the placeholder names used by a template's
// payload, sorted for stable output.
func TemplateVariables(payload map[string]interface{}) []string {
	seen := map[string]struct{}{}
	collectVariables(payload, seen)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectVariables(value interface{}, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, m := range varPattern.FindAllStringSubmatch(v, -1) {
			if m[1] != "" {
				seen[m[1]] = struct{}{}
			} else if m[2] != "" {
				seen[m[2]] = struct{}{}
			}
		}
	case map[string]interface{}:
		for _, item := range v {
			collectVariables(item, seen)
		}
	case []interface{}:
		for _, item := range v {
			collectVariables(item, seen)
		}
	}
}

// substitute replaces ${name} and $name placeholders in every string value
// of the payload. Unknown placeholders are left untouched.
func substitute(value interface{}, vars map[string]string) interface{} {
	switch v := value.(type) {
	case string:
		return varPattern.ReplaceAllStringFunc(v, func(match string) string {
			name := match[1:]
			if len(match) > 3 && match[1] == '{' {
				name = match[2 : len(match)-1]
			}
			if repl, ok := vars[name]; ok {
				return repl
			}
			return match
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = substitute(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = substitute(item, vars)
		}
		return out
	default:
		return value
	}
}

// Instantiate creates a single task from a template, applying variable
// substitution and per-call overrides, and bumps the usage counter.
func (s *Service) Instantiate(ctx context.Context, templateID string, req *v1.InstantiateTemplateRequest) (*v1.Task, error) {
	tpl, err := s.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, fmt.Errorf("template %q is inactive: %w", tpl.Name, storage.ErrStateConflict)
	}

	payload, _ := substitute(tpl.Payload, req.Variables).(map[string]interface{})
	if payload == nil {
		payload = map[string]interface{}{}
	}
	for k, v := range req.Overrides {
		payload[k] = v
	}

	createReq := &v1.CreateTaskRequest{
		TaskType:       tpl.TaskType,
		Payload:        payload,
		Priority:       tpl.DefaultPriority,
		MaxRetries:     &tpl.MaxRetries,
		TimeoutSeconds: &tpl.TimeoutSeconds,
	}
	if p, ok := payload[v1.PayloadKeyPriority].(float64); ok {
		createReq.Priority = int(p)
	}

	task, err := s.Submit(ctx, createReq)
	if err != nil {
		return nil, err
	}
	if err := s.store.IncrementTemplateUsage(tpl.ID, 1); err != nil {
		s.logger.Warn("failed to bump template usage",
			zap.String("template_id", tpl.ID), zap.Error(err))
	}
	return task, nil
}

// ExpandBatch expands a template over a list of variable bindings, producing
// one task per item. With a stagger, item i is scheduled i*stagger seconds
// into the future. Per-item failures do not abort the batch.
func (s *Service) ExpandBatch(ctx context.Context, templateID string, req *v1.ExpandBatchRequest) (*v1.Batch, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items in batch request", ErrValidation)
	}
	itemCap := s.cfg.BatchItemCap
	if itemCap <= 0 {
		itemCap = v1.MaxBulkTasks
	}
	if len(req.Items) > itemCap {
		return nil, fmt.Errorf("%w: batch exceeds %d items", ErrValidation, itemCap)
	}
	if req.StaggerSeconds < 0 {
		return nil, fmt.Errorf("%w: stagger_seconds must not be negative", ErrValidation)
	}

	tpl, err := s.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, fmt.Errorf("template %q is inactive: %w", tpl.Name, storage.ErrStateConflict)
	}

	batch := &v1.Batch{
		TemplateID:     tpl.ID,
		TotalRequested: len(req.Items),
		StaggerSeconds: req.StaggerSeconds,
	}
	if err := s.store.CreateBatch(batch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created, failed := 0, 0
	results := make([]v1.BulkItemResult, 0, len(req.Items))
	for i, vars := range req.Items {
		payload, _ := substitute(tpl.Payload, vars).(map[string]interface{})
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload[v1.PayloadKeyBatchID] = batch.ID

		createReq := &v1.CreateTaskRequest{
			TaskType:       tpl.TaskType,
			Payload:        payload,
			Priority:       tpl.DefaultPriority,
			MaxRetries:     &tpl.MaxRetries,
			TimeoutSeconds: &tpl.TimeoutSeconds,
		}
		if req.StaggerSeconds > 0 && i > 0 {
			at := now.Add(time.Duration(i*req.StaggerSeconds) * time.Second)
			createReq.ScheduledFor = &at
		}

		task, err := s.Submit(ctx, createReq)
		if err != nil {
			failed++
			results = append(results, v1.BulkItemResult{Index: i, Error: err.Error()})
			continue
		}
		created++
		results = append(results, v1.BulkItemResult{Index: i, TaskID: task.ID})
	}

	if err := s.store.IncrementTemplateUsage(tpl.ID, created); err != nil {
		s.logger.Warn("failed to bump template usage",
			zap.String("template_id", tpl.ID), zap.Error(err))
	}
	updated, err := s.store.UpdateBatchProgress(batch.ID, created, failed)
	if err != nil {
		return nil, err
	}
	updated.Items = results
	return updated, nil
}

// GetBatch returns a batch.
func (s *Service) GetBatch(id string) (*v1.Batch, error) {
	return s.store.GetBatch(id)
}

// ListBatches returns batches, newest first.
func (s *Service) ListBatches(limit, offset int) ([]*v1.Batch, error) {
	return s.store.ListBatches(limit, offset)
}

// CancelBatch cancels every still-queued task in a batch.
func (s *Service) CancelBatch(ctx context.Context, id string) (*v1.Batch, error) {
	batch, err := s.store.GetBatch(id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(storage.TaskFilter{BatchID: id})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status.Terminal() || task.Status == v1.TaskStatusRunning {
			continue
		}
		if _, err := s.Cancel(ctx, task.ID, false); err != nil {
			s.logger.Warn("failed to cancel batch task",
				zap.Int64("task_id", task.ID), zap.Error(err))
		}
	}
	if err := s.store.SetBatchStatus(id, v1.BatchStatusCancelled); err != nil {
		return nil, err
	}
	batch.Status = v1.BatchStatusCancelled
	return batch, nil
}
