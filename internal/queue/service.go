// Package queue implements the durable task queue: submission, claiming,
// completion, retries, hierarchy, templates, batches, and the background
// sweeps that keep scheduled and timed-out tasks moving.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/events"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

const eventSource = "queue"

// ErrValidation marks request errors the caller can fix. The HTTP layer maps
// it to a 400.
var ErrValidation = errors.New("validation failed")

// sweepLock serializes the background sweep across processes.
const sweepLock = "queue-sweep"

// workerHeartbeatTTL is how fresh a worker's heartbeat must be to keep its
// long-running task exempt from the timeout sweep.
const workerHeartbeatTTL = 2 * time.Minute

// Service is the task queue core.
type Service struct {
	store    *storage.Store
	bus      bus.EventBus
	locks    *flock.Manager
	cfg      config.QueueConfig
	logger   *logger.Logger
	overflow *OverflowStore

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the queue service.
func NewService(store *storage.Store, eventBus bus.EventBus, locks *flock.Manager, cfg config.QueueConfig, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		locks:  locks,
		cfg:    cfg,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

// SetOverflow attaches a spill file for submissions the store cannot accept.
// Must be called before Start.
func (s *Service) SetOverflow(o *OverflowStore) {
	s.overflow = o
}

// Start launches the background sweeps.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()

	sweepEvery := s.cfg.SweepIntervalSeconds
	if sweepEvery <= 0 {
		sweepEvery = 30
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", sweepEvery), s.sweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	if s.cfg.ArchiveAfterHours > 0 {
		if _, err := s.cron.AddFunc("@hourly", s.archive); err != nil {
			return fmt.Errorf("failed to schedule archive: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("queue service started", zap.Int("sweep_interval_seconds", sweepEvery))
	return nil
}

// Stop halts the background sweeps and waits for in-flight runs.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	s.wg.Wait()
	s.logger.Info("queue service stopped")
}

// Submit validates and enqueues one task. When the store refuses the write
// for an infrastructure reason and an overflow file is attached, the request
// spills there and replays on the next sweep; the returned task then has no
// ID yet.
func (s *Service) Submit(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error) {
	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(task); err != nil {
		if s.overflow == nil || requestError(err) {
			return nil, err
		}
		if spillErr := s.overflow.Spill(req); spillErr != nil {
			s.logger.Error("failed to spill task to overflow",
				zap.String("task_type", req.TaskType), zap.Error(spillErr))
			return nil, err
		}
		s.logger.Warn("task spilled to overflow",
			zap.String("task_type", req.TaskType), zap.Error(err))
		return task, nil
	}
	s.emit(ctx, events.TaskCreated, task, nil)
	return task, nil
}

// requestError reports whether a CreateTask failure is the caller's fault
// rather than the store's. Such requests must not spill to overflow.
func requestError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, storage.ErrTaskNotFound) ||
		errors.Is(err, storage.ErrHierarchyTooDeep) ||
		errors.Is(err, storage.ErrSprintNotFound)
}

// BulkSubmit enqueues up to MaxBulkTasks tasks, reporting per-index results.
// Invalid items do not abort the rest of the batch.
func (s *Service) BulkSubmit(ctx context.Context, req *v1.BulkCreateRequest) ([]v1.BulkItemResult, error) {
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks in request", ErrValidation)
	}
	if len(req.Tasks) > v1.MaxBulkTasks {
		return nil, fmt.Errorf("%w: bulk submission exceeds %d tasks", ErrValidation, v1.MaxBulkTasks)
	}

	results := make([]v1.BulkItemResult, 0, len(req.Tasks))
	for i := range req.Tasks {
		task, err := s.Submit(ctx, &req.Tasks[i])
		if err != nil {
			results = append(results, v1.BulkItemResult{Index: i, Error: err.Error()})
			continue
		}
		results = append(results, v1.BulkItemResult{Index: i, TaskID: task.ID})
	}
	return results, nil
}

func (s *Service) buildTask(req *v1.CreateTaskRequest) (*v1.Task, error) {
	if req.TaskType == "" {
		return nil, fmt.Errorf("%w: task_type is required", ErrValidation)
	}

	priority := req.Priority
	if priority < v1.PriorityMin {
		priority = v1.PriorityMin
	}
	if priority > v1.PriorityMax {
		priority = v1.PriorityMax
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrValidation)
		}
		maxRetries = *req.MaxRetries
	}
	timeout := s.cfg.DefaultTimeoutSeconds
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("%w: timeout_seconds must be positive", ErrValidation)
		}
		timeout = *req.TimeoutSeconds
	}

	task := &v1.Task{
		TaskType:       req.TaskType,
		Payload:        req.Payload,
		Priority:       priority,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
		ScheduledFor:   req.ScheduledFor,
		ParentID:       req.ParentID,
		SprintID:       req.SprintID,
	}
	// The batch ID travels in the payload so bulk callers need no extra
	// field, but it is surfaced as a first-class column.
	if bid, ok := req.Payload[v1.PayloadKeyBatchID].(string); ok {
		task.BatchID = bid
	}
	return task, nil
}

// Get returns one task.
func (s *Service) Get(id int64) (*v1.Task, error) {
	return s.store.GetTask(id)
}

// List returns tasks matching the filter.
func (s *Service) List(f storage.TaskFilter) ([]*v1.Task, error) {
	return s.store.ListTasks(f)
}

// Stats returns task counts by status.
func (s *Service) Stats() (map[v1.TaskStatus]int, error) {
	return s.store.CountByStatus()
}

// Claim leases the next eligible task for a worker.
func (s *Service) Claim(ctx context.Context, req *v1.ClaimRequest) (*v1.Task, error) {
	task, err := s.store.ClaimNext(req.WorkerID, req.Capabilities, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TaskClaimed, task, map[string]interface{}{
		events.KeyWorkerID: req.WorkerID,
	})
	s.emit(ctx, events.TaskStarted, task, map[string]interface{}{
		events.KeyWorkerID: req.WorkerID,
	})
	return task, nil
}

// Complete marks a running task completed and cascades completion to the
// parent when the whole subtree is finished.
func (s *Service) Complete(ctx context.Context, id int64, req *v1.CompleteTaskRequest) (*v1.Task, error) {
	task, err := s.store.CompleteTask(id, req.WorkerID, req.Result)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TaskCompleted, task, map[string]interface{}{
		events.KeyWorkerID: req.WorkerID,
		events.KeyResult:   req.Result,
	})
	s.maybeCompleteParent(ctx, task)
	return task, nil
}

// Fail records a failure on a running task. While retry budget remains the
// task is re-queued.
func (s *Service) Fail(ctx context.Context, id int64, req *v1.FailTaskRequest) (*v1.Task, error) {
	task, err := s.store.FailTask(id, req.WorkerID, req.ErrorMessage)
	if err != nil {
		return nil, err
	}
	eventType := events.TaskFailed
	if task.Status == v1.TaskStatusPending {
		eventType = events.TaskRetrying
	}
	s.emit(ctx, eventType, task, map[string]interface{}{
		events.KeyWorkerID: req.WorkerID,
		events.KeyError:    req.ErrorMessage,
	})
	return task, nil
}

// Release returns a running task to pending without consuming retry budget.
func (s *Service) Release(ctx context.Context, id int64, workerID string) (*v1.Task, error) {
	task, err := s.store.ReleaseTask(id, workerID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TaskRetrying, task, map[string]interface{}{
		events.KeyWorkerID: workerID,
		events.KeyError:    "released before execution",
	})
	return task, nil
}

// Cancel cancels a task and cascades to its non-terminal descendants.
// Running descendants are skipped unless includeRunning is set. Cancelling a
// task that is already terminal is a no-op.
func (s *Service) Cancel(ctx context.Context, id int64, includeRunning bool) (*v1.Task, error) {
	task, cancelled, err := s.store.CancelTask(id, includeRunning)
	if err != nil {
		return nil, err
	}
	for _, t := range cancelled {
		s.emit(ctx, events.TaskCancelled, t, nil)
	}
	return task, nil
}

// Retry re-queues a terminal task.
func (s *Service) Retry(ctx context.Context, id int64, resetRetries bool) (*v1.Task, error) {
	task, err := s.store.RetryTask(id, resetRetries)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TaskRetrying, task, nil)
	return task, nil
}

// SetPriority adjusts a queued task's priority.
func (s *Service) SetPriority(ctx context.Context, id int64, priority int, increment bool) (*v1.Task, error) {
	task, err := s.store.SetPriority(id, priority, increment)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TaskPriorityChanged, task, map[string]interface{}{
		events.KeyPriority: task.Priority,
	})
	return task, nil
}

// Delete removes a task, re-parenting its children.
func (s *Service) Delete(id int64, force bool) error {
	return s.store.DeleteTask(id, force)
}

// BulkStatus forces a status on a set of tasks.
func (s *Service) BulkStatus(ctx context.Context, req *v1.BulkStatusRequest) []v1.BulkItemResult {
	if !req.Status.Valid() {
		return []v1.BulkItemResult{{Index: 0, Error: fmt.Sprintf("invalid status %q", req.Status)}}
	}
	results := make([]v1.BulkItemResult, 0, len(req.TaskIDs))
	for i, id := range req.TaskIDs {
		if err := s.store.UpdateStatus(id, req.Status, req.ErrorMessage); err != nil {
			results = append(results, v1.BulkItemResult{Index: i, TaskID: id, Error: err.Error()})
			continue
		}
		results = append(results, v1.BulkItemResult{Index: i, TaskID: id})
	}
	return results
}

// BulkDelete removes a set of tasks.
func (s *Service) BulkDelete(req *v1.BulkDeleteRequest) []v1.BulkItemResult {
	results := make([]v1.BulkItemResult, 0, len(req.TaskIDs))
	for i, id := range req.TaskIDs {
		if err := s.store.DeleteTask(id, req.Force); err != nil {
			results = append(results, v1.BulkItemResult{Index: i, TaskID: id, Error: err.Error()})
			continue
		}
		results = append(results, v1.BulkItemResult{Index: i, TaskID: id})
	}
	return results
}

// BulkRetry re-queues a set of terminal tasks.
func (s *Service) BulkRetry(ctx context.Context, req *v1.BulkRetryRequest) []v1.BulkItemResult {
	ids := req.TaskIDs
	if len(ids) == 0 {
		failed, err := s.store.ListTasks(storage.TaskFilter{Status: v1.TaskStatusFailed})
		if err != nil {
			return []v1.BulkItemResult{{Index: 0, Error: err.Error()}}
		}
		for _, t := range failed {
			ids = append(ids, t.ID)
		}
	}
	results := make([]v1.BulkItemResult, 0, len(ids))
	for i, id := range ids {
		if _, err := s.Retry(ctx, id, req.ResetRetries); err != nil {
			results = append(results, v1.BulkItemResult{Index: i, TaskID: id, Error: err.Error()})
			continue
		}
		results = append(results, v1.BulkItemResult{Index: i, TaskID: id})
	}
	return results
}

// BulkPrioritize adjusts priority on a set of queued tasks.
func (s *Service) BulkPrioritize(ctx context.Context, req *v1.BulkPrioritizeRequest) []v1.BulkItemResult {
	results := make([]v1.BulkItemResult, 0, len(req.TaskIDs))
	for i, id := range req.TaskIDs {
		if _, err := s.SetPriority(ctx, id, req.Priority, req.Increment); err != nil {
			results = append(results, v1.BulkItemResult{Index: i, TaskID: id, Error: err.Error()})
			continue
		}
		results = append(results, v1.BulkItemResult{Index: i, TaskID: id})
	}
	return results
}

// subtreeResult is the result recorded on container tasks completed through
// the all-children-terminal guard.
const subtreeResult = "all subtasks finished"

// MaybeComplete completes a container task once every descendant has reached
// a terminal state. Leaf tasks and already-terminal tasks are returned
// unchanged. Open container children are tried bottom-up first, so finishing
// the last leaf of a deep tree can close the whole chain in one call.
func (s *Service) MaybeComplete(ctx context.Context, id int64) (*v1.Task, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() || task.ChildCount == 0 {
		return task, nil
	}

	children, err := s.store.GetChildren(id)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Status.Terminal() || child.ChildCount == 0 {
			continue
		}
		if _, err := s.MaybeComplete(ctx, child.ID); err != nil {
			return nil, err
		}
	}

	allDone, err := s.store.AllChildrenTerminal(id)
	if err != nil {
		return nil, err
	}
	if !allDone {
		return task, nil
	}
	done, err := s.store.CompleteParent(id, subtreeResult)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TaskCompleted, done, map[string]interface{}{
		events.KeyResult: done.Result,
	})
	return done, nil
}

// maybeCompleteParent walks upward from a freshly-terminal child, completing
// each ancestor whose children have all finished.
func (s *Service) maybeCompleteParent(ctx context.Context, child *v1.Task) {
	if child.ParentID == nil {
		return
	}
	parent, err := s.store.GetTask(*child.ParentID)
	if err != nil || parent.Status.Terminal() || parent.ChildCount == 0 {
		return
	}
	allDone, err := s.store.AllChildrenTerminal(parent.ID)
	if err != nil || !allDone {
		return
	}
	done, err := s.store.CompleteParent(parent.ID, subtreeResult)
	if err != nil {
		s.logger.Warn("failed to complete parent task",
			zap.Int64("parent_id", parent.ID), zap.Error(err))
		return
	}
	s.emit(ctx, events.TaskCompleted, done, map[string]interface{}{
		events.KeyResult: done.Result,
	})
	s.maybeCompleteParent(ctx, done)
}

// sweep promotes due scheduled tasks and times out overdue running tasks.
func (s *Service) sweep() {
	s.wg.Add(1)
	defer s.wg.Done()

	select {
	case <-s.stopCh:
		return
	default:
	}

	err := s.locks.WithLock(sweepLock, 5*time.Second, func() error {
		ctx := context.Background()
		now := time.Now().UTC()

		promoted, err := s.store.PromoteScheduled(now)
		if err != nil {
			return fmt.Errorf("failed to promote scheduled tasks: %w", err)
		}
		for _, id := range promoted {
			if task, err := s.store.GetTask(id); err == nil {
				s.emit(ctx, events.TaskCreated, task, map[string]interface{}{
					events.KeyPreviousStatus: string(v1.TaskStatusScheduled),
				})
			}
		}

		swept, err := s.store.SweepTimeouts(now, workerHeartbeatTTL)
		if err != nil {
			return fmt.Errorf("failed to sweep timeouts: %w", err)
		}
		for _, task := range swept {
			eventType := events.TaskTimeout
			if task.Status == v1.TaskStatusPending {
				eventType = events.TaskRetrying
			}
			s.emit(ctx, eventType, task, map[string]interface{}{
				events.KeyError: task.ErrorMessage,
			})
		}

		drained := 0
		if s.overflow != nil {
			drained, err = s.overflow.Drain(ctx, func(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error) {
				task, err := s.buildTask(req)
				if err != nil {
					return nil, err
				}
				if err := s.store.CreateTask(task); err != nil {
					return nil, err
				}
				s.emit(ctx, events.TaskCreated, task, nil)
				return task, nil
			})
			if err != nil {
				s.logger.Warn("overflow drain incomplete", zap.Error(err))
			}
		}

		if len(promoted) > 0 || len(swept) > 0 || drained > 0 {
			s.logger.Info("queue sweep",
				zap.Int("promoted", len(promoted)),
				zap.Int("timed_out", len(swept)),
				zap.Int("drained", drained))
		}
		return nil
	})
	if err != nil && !isLockTimeout(err) {
		s.logger.Error("queue sweep failed", zap.Error(err))
	}
}

// archive moves old terminal tasks into the archive table.
func (s *Service) archive() {
	s.wg.Add(1)
	defer s.wg.Done()

	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.ArchiveAfterHours) * time.Hour)
	n, err := s.store.ArchiveTerminal(cutoff)
	if err != nil {
		s.logger.Error("task archive failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("archived terminal tasks", zap.Int("count", n))
	}
}

func isLockTimeout(err error) bool {
	return errors.Is(err, flock.ErrLockTimeout)
}

// emit publishes a task lifecycle event. Publish failures are logged, never
// surfaced to callers; the state transition already committed.
func (s *Service) emit(ctx context.Context, eventType string, task *v1.Task, extra map[string]interface{}) {
	data := map[string]interface{}{
		events.KeyTaskID:   task.ID,
		events.KeyTaskType: task.TaskType,
		events.KeyStatus:   string(task.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event", eventType),
			zap.Int64("task_id", task.ID),
			zap.Error(err))
	}
}
