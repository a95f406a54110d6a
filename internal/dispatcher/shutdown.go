package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
)

// State is a phase of the graceful shutdown sequence.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateDraining
	StateCleanup
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateDraining:
		return "DRAINING"
	case StateCleanup:
		return "CLEANUP"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// CleanupHook is a registered shutdown step. Hooks run in LIFO order; errors
// are captured into the shutdown record, never propagated.
type CleanupHook struct {
	Name string
	Run  func() error
}

// Shutdown drives the RUNNING → STOPPING → DRAINING → CLEANUP → TERMINATED
// sequence and tracks the in-progress task set during drain.
type Shutdown struct {
	mu         sync.Mutex
	state      State
	reason     string
	hooks      []CleanupHook
	hookErrors map[string]error
	inProgress map[int64]struct{}
	drained    chan struct{}
	logger     *logger.Logger
}

// NewShutdown creates a shutdown controller in RUNNING.
func NewShutdown(log *logger.Logger) *Shutdown {
	return &Shutdown{
		state:      StateRunning,
		hookErrors: make(map[string]error),
		inProgress: make(map[int64]struct{}),
		drained:    make(chan struct{}),
		logger:     log,
	}
}

// State returns the current phase.
func (s *Shutdown) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ShouldRun is true only while RUNNING.
func (s *Shutdown) ShouldRun() bool { return s.State() == StateRunning }

// IsShuttingDown is true in STOPPING, DRAINING, and CLEANUP.
func (s *Shutdown) IsShuttingDown() bool {
	st := s.State()
	return st == StateStopping || st == StateDraining || st == StateCleanup
}

// Reason returns the recorded shutdown reason.
func (s *Shutdown) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// HookErrors returns errors captured from cleanup hooks, keyed by hook name.
func (s *Shutdown) HookErrors() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.hookErrors))
	for k, v := range s.hookErrors {
		out[k] = v
	}
	return out
}

// RegisterCleanup adds a cleanup hook. Hooks run LIFO during CLEANUP.
func (s *Shutdown) RegisterCleanup(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, CleanupHook{Name: name, Run: fn})
}

// EnterTask registers a task as in progress. Returns a release func that
// must run on every exit path, and false when new work is refused.
func (s *Shutdown) EnterTask(id int64) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, false
	}
	s.inProgress[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() { s.exitTask(id) })
	}, true
}

func (s *Shutdown) exitTask(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, id)
	if s.state == StateDraining && len(s.inProgress) == 0 {
		close(s.drained)
	}
}

// InProgress returns the size of the in-progress set.
func (s *Shutdown) InProgress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inProgress)
}

// Request runs the full shutdown sequence and blocks until TERMINATED.
// Calling it again is a no-op.
func (s *Shutdown) Request(reason string, drainTimeout time.Duration) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.reason = reason
	s.logger.Info("shutdown requested", zap.String("reason", reason))

	// STOPPING → DRAINING is immediate; the distinction only marks that
	// the claim gate closed before the drain wait began.
	s.state = StateDraining
	empty := len(s.inProgress) == 0
	drained := s.drained
	s.mu.Unlock()

	if !empty {
		s.logger.Info("draining in-progress tasks",
			zap.Int("in_progress", s.InProgress()),
			zap.Duration("drain_timeout", drainTimeout))
		select {
		case <-drained:
		case <-time.After(drainTimeout):
			s.logger.Warn("drain timeout elapsed",
				zap.Int("still_in_progress", s.InProgress()))
		}
	}

	s.mu.Lock()
	s.state = StateCleanup
	hooks := make([]CleanupHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if err := runHook(hook); err != nil {
			s.logger.Error("cleanup hook failed",
				zap.String("hook", hook.Name), zap.Error(err))
			s.mu.Lock()
			s.hookErrors[hook.Name] = err
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	s.logger.Info("shutdown complete")
}

// runHook confines hook panics to the shutdown record.
func runHook(hook CleanupHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &hookPanicError{hook: hook.Name, value: r}
		}
	}()
	return hook.Run()
}

type hookPanicError struct {
	hook  string
	value interface{}
}

func (e *hookPanicError) Error() string {
	return fmt.Sprintf("cleanup hook %s panicked: %v", e.hook, e.value)
}
