package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/db"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/queue"
	"github.com/devplane/devplane/internal/storage"
	"github.com/devplane/devplane/internal/tmux"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

type testRig struct {
	service *Service
	queue   *queue.Service
	store   *storage.Store
	fake    *tmux.Fake
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	store, err := storage.NewWithDB(conn, conn)
	require.NoError(t, err)

	locks, err := flock.NewManager(t.TempDir(), log)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	q := queue.NewService(store, eventBus, locks, config.QueueConfig{
		DefaultMaxRetries:     3,
		DefaultTimeoutSeconds: 3600,
	}, log)

	fake := tmux.NewFake()
	cfg := config.DispatcherConfig{
		MaxTasksPerSecond:    100,
		WorkerSpawnCooldown:  5,
		TickIntervalSeconds:  1,
		IdleThresholdSeconds: 1,
		CaptureLines:         50,
		DrainTimeoutSeconds:  2,
		FallbackPrompts:      []string{"continue working on your current task"},
	}
	return &testRig{
		service: NewService(q, store, fake, eventBus, cfg, log),
		queue:   q,
		store:   store,
		fake:    fake,
	}
}

func (r *testRig) registerIdle(t *testing.T, name string) {
	t.Helper()
	r.fake.SetPane(name, "ready\n❯")
	r.service.RegisterSession(context.Background(), &v1.RegisterSessionRequest{SessionName: name})
}

func TestTickDispatchesToIdleSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	task, err := rig.queue.Submit(ctx, &v1.CreateTaskRequest{
		TaskType: "code_review",
		Payload:  map[string]interface{}{"prompt": "review PR 42"},
	})
	require.NoError(t, err)

	rig.registerIdle(t, "dev-1")
	rig.service.tick(ctx)

	sent := rig.fake.Sent("dev-1")
	require.Len(t, sent, 1)
	assert.Equal(t, "review PR 42", sent[0])

	got, err := rig.queue.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusRunning, got.Status)
	assert.Equal(t, "session:dev-1", got.AssignedWorker)
}

func TestBusySessionNotDispatched(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.queue.Submit(ctx, &v1.CreateTaskRequest{TaskType: "x"})
	require.NoError(t, err)

	rig.service.RegisterSession(ctx, &v1.RegisterSessionRequest{SessionName: "dev-1"})
	rig.fake.SetPane("dev-1", "Running tests…\n$")
	rig.service.tick(ctx)

	assert.Empty(t, rig.fake.Sent("dev-1"))
}

func TestVanishedSessionMarkedFailed(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.registerIdle(t, "dev-1")
	rig.fake.RemoveSession("dev-1")
	rig.service.tick(ctx)

	sessions := rig.service.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Failed)

	failures, err := rig.store.ListWorkerFailures("session:dev-1", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "session_failure", failures[0].Kind)
}

func TestInjectionFailureReleasesLease(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	task, err := rig.queue.Submit(ctx, &v1.CreateTaskRequest{TaskType: "x"})
	require.NoError(t, err)

	rig.registerIdle(t, "dev-1")
	rig.fake.FailSends(assert.AnError)
	rig.service.tick(ctx)

	got, err := rig.queue.Get(task.ID)
	require.NoError(t, err)
	// Released back without consuming retry budget.
	assert.Equal(t, v1.TaskStatusPending, got.Status)
	assert.Zero(t, got.Retries)

	sessions := rig.service.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Failed)
}

func TestFallbackPromptWhenQueueEmpty(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.registerIdle(t, "dev-1")
	rig.service.tick(ctx)

	sent := rig.fake.Sent("dev-1")
	require.Len(t, sent, 1)
	assert.Equal(t, "continue working on your current task", sent[0])

	// Cooldown holds: the next tick must not nudge again.
	rig.service.tick(ctx)
	assert.Len(t, rig.fake.Sent("dev-1"), 1)
}

func TestExcludedSessionSkipped(t *testing.T) {
	rig := newTestRig(t)
	rig.service.cfg.ExcludedSessions = []string{"dev-1"}
	ctx := context.Background()

	_, err := rig.queue.Submit(ctx, &v1.CreateTaskRequest{TaskType: "x"})
	require.NoError(t, err)

	rig.registerIdle(t, "dev-1")
	rig.service.tick(ctx)
	assert.Empty(t, rig.fake.Sent("dev-1"))
}

func TestNoDispatchDuringShutdown(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.queue.Submit(ctx, &v1.CreateTaskRequest{TaskType: "x"})
	require.NoError(t, err)
	rig.registerIdle(t, "dev-1")

	rig.service.shutdown.Request("test", time.Millisecond)
	rig.service.tick(ctx)
	// tick itself runs, but claims are gated by the shutdown state.
	assert.Empty(t, rig.fake.Sent("dev-1"))
}

func TestRegistryIdleCounter(t *testing.T) {
	r := NewRegistry()
	r.Register(&v1.RegisterSessionRequest{SessionName: "dev-1"})

	assert.Equal(t, 1, r.RecordActivity("dev-1", Activity{Idle: true}))
	assert.Equal(t, 2, r.RecordActivity("dev-1", Activity{Idle: true}))
	assert.Equal(t, 0, r.RecordActivity("dev-1", Activity{Busy: true}))
	assert.Equal(t, -1, r.RecordActivity("unknown", Activity{Idle: true}))
}

func TestRegistryReregisterClearsFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(&v1.RegisterSessionRequest{SessionName: "dev-1"})
	r.MarkFailed("dev-1")

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.True(t, snap[0].Failed)

	r.Register(&v1.RegisterSessionRequest{SessionName: "dev-1", ToolName: "assistant"})
	snap = r.Snapshot()
	assert.False(t, snap[0].Failed)
	assert.Equal(t, "assistant", snap[0].ToolName)
}
