package queue

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
	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func newTestService(t *testing.T) *Service {
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

	cfg := config.QueueConfig{
		DefaultMaxRetries:     3,
		DefaultTimeoutSeconds: 3600,
		SweepIntervalSeconds:  30,
		BatchItemCap:          100,
	}
	return NewService(store, bus.NewMemoryEventBus(log), locks, cfg, log)
}

func registerWorker(t *testing.T, s *Service, id string) {
	t.Helper()
	require.NoError(t, s.store.UpsertWorker(&v1.Worker{
		WorkerID:   id,
		WorkerType: "test",
		Status:     v1.WorkerStatusRunning,
		Capacity:   1,
	}))
}

func TestSubmitAppliesDefaults(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "build", Priority: 99})
	require.NoError(t, err)
	assert.Equal(t, v1.PriorityMax, task.Priority)
	assert.Equal(t, 3, task.MaxRetries)
	assert.Equal(t, 3600, task.TimeoutSeconds)
	assert.Equal(t, v1.TaskStatusPending, task.Status)
}

func TestSubmitValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, &v1.CreateTaskRequest{})
	assert.Error(t, err)

	bad := -1
	_, err = s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "x", MaxRetries: &bad})
	assert.Error(t, err)

	zero := 0
	_, err = s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "x", TimeoutSeconds: &zero})
	assert.Error(t, err)
}

func TestSubmitPicksUpBatchID(t *testing.T) {
	s := newTestService(t)

	task, err := s.Submit(context.Background(), &v1.CreateTaskRequest{
		TaskType: "build",
		Payload:  map[string]interface{}{v1.PayloadKeyBatchID: "batch-7", "x": "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-7", task.BatchID)
}

func TestSubmitEmitsEvent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	_, err := s.bus.Subscribe("task.created", func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	task, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "build"})
	require.NoError(t, err)

	select {
	case e := <-received:
		id, ok := e.Int64("task_id")
		require.True(t, ok)
		assert.Equal(t, task.ID, id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task.created")
	}
}

func TestBulkSubmitPartialFailure(t *testing.T) {
	s := newTestService(t)

	results, err := s.BulkSubmit(context.Background(), &v1.BulkCreateRequest{
		Tasks: []v1.CreateTaskRequest{
			{TaskType: "build"},
			{}, // missing task_type
			{TaskType: "deploy"},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NotZero(t, results[0].TaskID)
	assert.NotEmpty(t, results[1].Error)
	assert.NotZero(t, results[2].TaskID)
}

func TestBulkSubmitCaps(t *testing.T) {
	s := newTestService(t)

	tasks := make([]v1.CreateTaskRequest, v1.MaxBulkTasks+1)
	for i := range tasks {
		tasks[i] = v1.CreateTaskRequest{TaskType: "build"}
	}
	_, err := s.BulkSubmit(context.Background(), &v1.BulkCreateRequest{Tasks: tasks})
	assert.Error(t, err)
}

func TestClaimCompleteLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	registerWorker(t, s, "w1")

	submitted, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "build"})
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, &v1.ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, submitted.ID, claimed.ID)
	assert.Equal(t, v1.TaskStatusRunning, claimed.Status)

	done, err := s.Complete(ctx, claimed.ID, &v1.CompleteTaskRequest{WorkerID: "w1", Result: "ok"})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, done.Status)
}

func TestClaimEmptyQueue(t *testing.T) {
	s := newTestService(t)
	registerWorker(t, s, "w1")
	_, err := s.Claim(context.Background(), &v1.ClaimRequest{WorkerID: "w1"})
	assert.ErrorIs(t, err, storage.ErrQueueEmpty)
}

func TestClaimUnregisteredWorker(t *testing.T) {
	s := newTestService(t)
	_, err := s.Submit(context.Background(), &v1.CreateTaskRequest{TaskType: "build"})
	require.NoError(t, err)

	_, err = s.Claim(context.Background(), &v1.ClaimRequest{WorkerID: "ghost"})
	assert.ErrorIs(t, err, storage.ErrWorkerNotFound)
}

func TestParentAutoCompletes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	registerWorker(t, s, "w1")
	registerWorker(t, s, "w2")

	parent, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "epic"})
	require.NoError(t, err)
	child, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "story", ParentID: &parent.ID})
	require.NoError(t, err)

	// Parent claimed first (epic runs as umbrella), then the child.
	first, err := s.Claim(ctx, &v1.ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, parent.ID, first.ID)
	second, err := s.Claim(ctx, &v1.ClaimRequest{WorkerID: "w2"})
	require.NoError(t, err)
	require.Equal(t, child.ID, second.ID)

	_, err = s.Complete(ctx, child.ID, &v1.CompleteTaskRequest{WorkerID: "w2", Result: "done"})
	require.NoError(t, err)

	got, err := s.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
	assert.Equal(t, "all subtasks finished", got.Result)
}

func TestPendingParentCompletesWhenChildFinishes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	registerWorker(t, s, "w1")

	parent, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "epic"})
	require.NoError(t, err)
	child, err := s.Submit(ctx, &v1.CreateTaskRequest{
		TaskType: "story",
		Priority: 9,
		ParentID: &parent.ID,
	})
	require.NoError(t, err)

	// Only the child runs; the umbrella parent stays pending.
	claimed, err := s.Claim(ctx, &v1.ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, child.ID, claimed.ID)
	_, err = s.Complete(ctx, child.ID, &v1.CompleteTaskRequest{WorkerID: "w1", Result: "done"})
	require.NoError(t, err)

	got, err := s.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
	assert.Equal(t, subtreeResult, got.Result)
}

func TestMaybeCompleteClosesFinishedSubtree(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	root, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "epic"})
	require.NoError(t, err)
	mid, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "story", ParentID: &root.ID})
	require.NoError(t, err)
	leaf, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "subtask", ParentID: &mid.ID})
	require.NoError(t, err)

	// Cancelling the leaf makes it terminal without touching the ancestors.
	_, err = s.Cancel(ctx, leaf.ID, false)
	require.NoError(t, err)
	gotMid, err := s.Get(mid.ID)
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusPending, gotMid.Status)

	done, err := s.MaybeComplete(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, done.Status)

	// The intermediate container was closed bottom-up on the way.
	gotMid, err = s.Get(mid.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, gotMid.Status)
}

func TestMaybeCompleteLeavesOpenWork(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	parent, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "epic"})
	require.NoError(t, err)
	open, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "story", ParentID: &parent.ID})
	require.NoError(t, err)
	closed, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "story", ParentID: &parent.ID})
	require.NoError(t, err)
	_, err = s.Cancel(ctx, closed.ID, false)
	require.NoError(t, err)

	got, err := s.MaybeComplete(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, got.Status)

	// A pending leaf never self-completes through this path.
	leaf, err := s.MaybeComplete(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, leaf.Status)
}

func TestCancelCascadeEmitsPerTask(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	parent, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "epic"})
	require.NoError(t, err)
	_, err = s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "story", ParentID: &parent.ID})
	require.NoError(t, err)

	received := make(chan *bus.Event, 4)
	_, err = s.bus.Subscribe("task.cancelled", func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, parent.ID, false)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, cancelled.Status)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for cancellation event %d", i+1)
		}
	}

	// Repeat cancel is a no-op and emits nothing further.
	_, err = s.Cancel(ctx, parent.ID, false)
	require.NoError(t, err)
	select {
	case e := <-received:
		t.Fatalf("unexpected event after no-op cancel: %v", e.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReleaseDoesNotConsumeRetries(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	registerWorker(t, s, "w1")

	_, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "build"})
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, &v1.ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)

	released, err := s.Release(ctx, claimed.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, released.Status)
	assert.Zero(t, released.Retries)
}

func TestBulkRetryDefaultsToFailed(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	registerWorker(t, s, "w1")

	zero := 0
	_, err := s.Submit(ctx, &v1.CreateTaskRequest{TaskType: "build", MaxRetries: &zero})
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, &v1.ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	failed, err := s.Fail(ctx, claimed.ID, &v1.FailTaskRequest{WorkerID: "w1", ErrorMessage: "boom"})
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusFailed, failed.Status)

	results := s.BulkRetry(ctx, &v1.BulkRetryRequest{ResetRetries: true})
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Error)

	got, err := s.Get(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, got.Status)
}
