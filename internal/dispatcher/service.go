// Package dispatcher routes queued tasks to interactive assistant sessions
// hosted in a terminal multiplexer, tracks per-session activity, enforces
// dispatch rate limits, and coordinates graceful shutdown.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/events"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/queue"
	"github.com/devplane/devplane/internal/storage"
	"github.com/devplane/devplane/internal/tmux"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

const eventSource = "dispatcher"

// workerPrefix namespaces the worker IDs the dispatcher claims under, one
// per session.
const workerPrefix = "session:"

// Service is the session orchestrator.
type Service struct {
	registry *Registry
	queue    *queue.Service
	store    *storage.Store
	tmux     tmux.Client
	bus      bus.EventBus
	cfg      config.DispatcherConfig
	logger   *logger.Logger
	shutdown *Shutdown

	mu           sync.Mutex
	lastDispatch time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the dispatcher.
func NewService(q *queue.Service, store *storage.Store, tm tmux.Client, eventBus bus.EventBus, cfg config.DispatcherConfig, log *logger.Logger) *Service {
	return &Service{
		registry: NewRegistry(),
		queue:    q,
		store:    store,
		tmux:     tm,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log,
		shutdown: NewShutdown(log),
		stopCh:   make(chan struct{}),
	}
}

// Registry exposes the session registry for the operator surface.
func (s *Service) Registry() *Registry { return s.registry }

// Shutdown exposes the shutdown controller.
func (s *Service) Shutdown() *Shutdown { return s.shutdown }

// Start launches the orchestration loop.
func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("dispatcher started",
		zap.Duration("tick", s.cfg.TickInterval()),
		zap.Duration("min_task_interval", s.cfg.MinTaskInterval()))
	return nil
}

// Stop runs the graceful shutdown sequence and waits for the loop to exit.
func (s *Service) Stop(reason string) {
	s.shutdown.Request(reason, s.cfg.DrainTimeout())
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// RegisterSession adds a session to the registry, registers its worker
// identity so the claim path accepts it, and emits the registration event.
func (s *Service) RegisterSession(ctx context.Context, req *v1.RegisterSessionRequest) {
	s.registry.Register(req)
	if err := s.store.UpsertWorker(&v1.Worker{
		WorkerID:   workerPrefix + req.SessionName,
		WorkerType: "session",
		Status:     v1.WorkerStatusRunning,
		Capacity:   1,
		Skills:     req.Capabilities,
	}); err != nil {
		s.logger.Warn("failed to register session worker",
			zap.String("session", req.SessionName), zap.Error(err))
	}
	s.publish(ctx, events.SessionRegistered, map[string]interface{}{
		events.KeySessionName: req.SessionName,
	})
}

// UnregisterSession removes a session and its worker registration.
func (s *Service) UnregisterSession(name string) {
	s.registry.Unregister(name)
	if err := s.store.RemoveWorker(workerPrefix + name); err != nil {
		s.logger.Warn("failed to remove session worker",
			zap.String("session", name), zap.Error(err))
	}
}

// Sessions returns the registry snapshot.
func (s *Service) Sessions() []*v1.Session {
	return s.registry.Snapshot()
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.shutdown.ShouldRun() {
				return
			}
			s.tick(context.Background())
		}
	}
}

// tick samples every registered session and dispatches work to the ones
// that have been idle long enough.
func (s *Service) tick(ctx context.Context) {
	live, err := s.tmux.ListSessions(ctx)
	if err != nil {
		s.logger.Warn("failed to list sessions", zap.Error(err))
		return
	}
	alive := make(map[string]struct{}, len(live))
	for _, name := range live {
		alive[name] = struct{}{}
	}

	for _, name := range s.registry.Names() {
		if _, ok := alive[name]; !ok {
			s.failSession(ctx, name, nil, "session vanished")
			continue
		}
		capture, err := s.tmux.CapturePane(ctx, name, s.cfg.CaptureLines)
		if err != nil {
			s.failSession(ctx, name, nil, fmt.Sprintf("capture failed: %v", err))
			continue
		}
		sample := DetectActivity(capture)
		load := 0
		if sample.Busy {
			load = 1
		}
		// The heartbeat keeps this session's long-running task exempt from
		// the timeout sweep.
		if err := s.store.TouchWorker(workerPrefix+name, load, 1); err != nil &&
			!errors.Is(err, storage.ErrWorkerNotFound) {
			s.logger.Warn("failed to touch session worker",
				zap.String("session", name), zap.Error(err))
		}
		ticks := s.registry.RecordActivity(name, sample)
		if sample.Idle && ticks == s.cfg.IdleThresholdTicks() {
			s.publish(ctx, events.SessionIdle, map[string]interface{}{
				events.KeySessionName: name,
			})
		}
	}

	for _, name := range s.registry.EligibleForDispatch(s.cfg.IdleThresholdTicks(), s.cfg.ExcludedSessions) {
		if !s.shutdown.ShouldRun() {
			return
		}
		s.claimAndDispatch(ctx, name)
	}
}

// claimAndDispatch leases the next task matching a session's capabilities
// and injects it as a prompt. With nothing queued, an idle session gets a
// fallback prompt instead.
func (s *Service) claimAndDispatch(ctx context.Context, session string) {
	s.waitDispatchSlot()

	workerID := workerPrefix + session
	task, err := s.queue.Claim(ctx, &v1.ClaimRequest{
		WorkerID:     workerID,
		Capabilities: s.registry.Capabilities(session),
	})
	if errors.Is(err, storage.ErrQueueEmpty) {
		s.sendFallback(ctx, session)
		return
	}
	if err != nil {
		s.logger.Error("claim failed", zap.Error(err))
		return
	}

	release, ok := s.shutdown.EnterTask(task.ID)
	if !ok {
		if _, err := s.queue.Release(ctx, task.ID, workerID); err != nil {
			s.logger.Warn("failed to release task during shutdown",
				zap.Int64("task_id", task.ID), zap.Error(err))
		}
		return
	}
	defer release()

	prompt := buildPrompt(task)
	if err := s.tmux.SendKeys(ctx, session, prompt, true); err != nil {
		s.handleInjectionFailure(ctx, session, task, workerID, err)
		return
	}

	s.registry.MarkDispatched(session, task.ID, time.Duration(s.cfg.WorkerSpawnCooldown)*time.Second)
	s.markDispatched()
	s.publish(ctx, events.SessionDispatched, map[string]interface{}{
		events.KeySessionName: session,
		events.KeyTaskID:      task.ID,
		events.KeyTaskType:    task.TaskType,
	})
	s.logger.Info("dispatched task",
		zap.Int64("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.String("session", session))
}

// handleInjectionFailure releases the lease without consuming retry budget,
// marks the session failed, and escalates a failure record.
func (s *Service) handleInjectionFailure(ctx context.Context, session string, task *v1.Task, workerID string, cause error) {
	if _, err := s.queue.Release(ctx, task.ID, workerID); err != nil {
		s.logger.Error("failed to release task after injection failure",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}
	s.failSession(ctx, session, &task.ID, fmt.Sprintf("injection failed: %v", cause))
}

func (s *Service) failSession(ctx context.Context, session string, taskID *int64, detail string) {
	s.registry.MarkFailed(session)
	if err := s.store.SetWorkerStatus(workerPrefix+session, v1.WorkerStatusFailed); err != nil &&
		!errors.Is(err, storage.ErrWorkerNotFound) {
		s.logger.Warn("failed to mark session worker failed",
			zap.String("session", session), zap.Error(err))
	}
	failure := &v1.WorkerFailure{
		WorkerID: workerPrefix + session,
		TaskID:   taskID,
		Kind:     "session_failure",
		Detail:   detail,
	}
	if err := s.store.RecordWorkerFailure(failure); err != nil {
		s.logger.Warn("failed to record session failure",
			zap.String("session", session), zap.Error(err))
	}
	s.publish(ctx, events.SessionFailed, map[string]interface{}{
		events.KeySessionName: session,
		events.KeyError:       detail,
	})
	s.logger.Warn("session failed",
		zap.String("session", session), zap.String("detail", detail))
}

// sendFallback nudges a long-idle session with a configured prompt.
func (s *Service) sendFallback(ctx context.Context, session string) {
	if len(s.cfg.FallbackPrompts) == 0 {
		return
	}
	prompt := s.cfg.FallbackPrompts[rand.Intn(len(s.cfg.FallbackPrompts))]
	if err := s.tmux.SendKeys(ctx, session, prompt, true); err != nil {
		s.failSession(ctx, session, nil, fmt.Sprintf("fallback injection failed: %v", err))
		return
	}
	s.registry.MarkDispatched(session, 0, time.Duration(s.cfg.WorkerSpawnCooldown)*time.Second)
	s.markDispatched()
	s.logger.Debug("sent fallback prompt", zap.String("session", session))
}

// waitDispatchSlot suspends until the global minimum inter-dispatch interval
// has elapsed.
func (s *Service) waitDispatchSlot() {
	s.mu.Lock()
	wait := s.cfg.MinTaskInterval() - time.Since(s.lastDispatch)
	s.mu.Unlock()
	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-s.stopCh:
	}
}

func (s *Service) markDispatched() {
	s.mu.Lock()
	s.lastDispatch = time.Now()
	s.mu.Unlock()
}

// buildPrompt renders a task as the text injected into a session. The
// payload's prompt or description wins; otherwise the payload is summarized.
func buildPrompt(task *v1.Task) string {
	if p, ok := task.Payload["prompt"].(string); ok && p != "" {
		return p
	}
	if d := task.Description(); d != "" {
		return d
	}
	if len(task.Payload) > 0 {
		if body, err := json.Marshal(task.Payload); err == nil {
			return fmt.Sprintf("Work on %s task #%d: %s", task.TaskType, task.ID, body)
		}
	}
	return fmt.Sprintf("Work on %s task #%d", task.TaskType, task.ID)
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event", eventType), zap.Error(err))
	}
}
