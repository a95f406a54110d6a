package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/devplane/internal/db"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	store, err := NewWithDB(conn, conn)
	require.NoError(t, err)
	return store
}

func registerWorker(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.UpsertWorker(&v1.Worker{
		WorkerID:   id,
		WorkerType: "test",
		Status:     v1.WorkerStatusRunning,
		Capacity:   1,
	}))
}

func newTask(t *testing.T, s *Store, taskType string, priority int) *v1.Task {
	t.Helper()
	task := &v1.Task{
		TaskType:       taskType,
		Priority:       priority,
		MaxRetries:     3,
		TimeoutSeconds: 3600,
	}
	require.NoError(t, s.CreateTask(task))
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)

	task := &v1.Task{
		TaskType:       "code_review",
		Payload:        map[string]interface{}{"repo": "devplane", "pr": float64(42)},
		Priority:       5,
		MaxRetries:     3,
		TimeoutSeconds: 900,
	}
	require.NoError(t, s.CreateTask(task))
	require.NotZero(t, task.ID)
	assert.Equal(t, v1.TaskStatusPending, task.Status)
	assert.Equal(t, "/", task.HierarchyPath)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "code_review", got.TaskType)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, "devplane", got.Payload["repo"])
	assert.Equal(t, float64(42), got.Payload["pr"])
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(9999)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCreateScheduledTask(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")

	future := time.Now().UTC().Add(time.Hour)
	task := &v1.Task{TaskType: "deploy", ScheduledFor: &future, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(task))
	assert.Equal(t, v1.TaskStatusScheduled, task.Status)

	// A scheduled task whose time has not arrived must not be claimable.
	_, err := s.ClaimNext("w1", nil, time.Now().UTC())
	assert.ErrorIs(t, err, ErrQueueEmpty)

	// Once due it is claimable even before the sweeper promotes it.
	claimed, err := s.ClaimNext("w1", nil, future.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestClaimOrdering(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")

	low := newTask(t, s, "build", 1)
	high := newTask(t, s, "build", 9)
	mid := newTask(t, s, "build", 5)

	now := time.Now().UTC()
	first, err := s.ClaimNext("w1", nil, now)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, v1.TaskStatusRunning, first.Status)
	assert.Equal(t, "w1", first.AssignedWorker)
	require.NotNil(t, first.StartedAt)

	second, err := s.ClaimNext("w1", nil, now)
	require.NoError(t, err)
	assert.Equal(t, mid.ID, second.ID)

	third, err := s.ClaimNext("w1", nil, now)
	require.NoError(t, err)
	assert.Equal(t, low.ID, third.ID)

	_, err = s.ClaimNext("w1", nil, now)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestClaimFiltersTaskTypes(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")

	newTask(t, s, "build", 9)
	review := newTask(t, s, "review", 1)

	claimed, err := s.ClaimNext("w1", []string{"review"}, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, review.ID, claimed.ID)
}

func TestClaimRequiresRegisteredWorker(t *testing.T) {
	s := newTestStore(t)
	newTask(t, s, "build", 5)

	_, err := s.ClaimNext("ghost", nil, time.Now().UTC())
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestClaimRefusedWhileDraining(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	task := newTask(t, s, "build", 5)
	require.NoError(t, s.SetWorkerStatus("w1", v1.WorkerStatusDraining))

	_, err := s.ClaimNext("w1", nil, time.Now().UTC())
	assert.ErrorIs(t, err, ErrStateConflict)

	// Back to running, the claim goes through.
	require.NoError(t, s.SetWorkerStatus("w1", v1.WorkerStatusRunning))
	claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestCompleteTask(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	task := newTask(t, s, "build", 5)

	claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)

	done, err := s.CompleteTask(claimed.ID, "w1", "ok")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, done.Status)
	assert.Equal(t, "ok", done.Result)
	require.NotNil(t, done.CompletedAt)

	// Completing again conflicts.
	_, err = s.CompleteTask(task.ID, "w1", "again")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestCompleteWrongWorker(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	newTask(t, s, "build", 5)

	claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)

	_, err = s.CompleteTask(claimed.ID, "w2", "stolen")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestFailTaskRetriesThenFails(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	task := &v1.Task{TaskType: "flaky", MaxRetries: 2, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(task))

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
		require.NoError(t, err)

		failed, err := s.FailTask(claimed.ID, "w1", "boom")
		require.NoError(t, err)
		assert.Equal(t, v1.TaskStatusPending, failed.Status, "attempt %d should re-queue", attempt)
		assert.Equal(t, attempt, failed.Retries)
		assert.Empty(t, failed.AssignedWorker)
	}

	claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)
	failed, err := s.FailTask(claimed.ID, "w1", "boom")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, failed.Status)
	require.NotNil(t, failed.CompletedAt)
}

func TestReleaseTaskKeepsRetryBudget(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	newTask(t, s, "build", 5)

	claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)

	released, err := s.ReleaseTask(claimed.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, released.Status)
	assert.Zero(t, released.Retries)
	assert.Nil(t, released.StartedAt)
}

func TestCancelTask(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, "build", 5)

	cancelled, transitioned, err := s.CancelTask(task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, cancelled.Status)
	require.Len(t, transitioned, 1)

	// Repeat cancel is a no-op, not a conflict.
	again, transitioned, err := s.CancelTask(task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, again.Status)
	assert.Empty(t, transitioned)
}

func TestCancelCascadesToDescendants(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	root := newTask(t, s, "epic", 5)
	pending := &v1.Task{TaskType: "story", ParentID: &root.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(pending))
	running := &v1.Task{TaskType: "build", ParentID: &root.ID, Priority: 9, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(running))
	claimed, err := s.ClaimNext("w1", []string{"build"}, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, running.ID, claimed.ID)

	_, transitioned, err := s.CancelTask(root.ID, false)
	require.NoError(t, err)
	require.Len(t, transitioned, 2)
	assert.Equal(t, root.ID, transitioned[0].ID)
	assert.Equal(t, pending.ID, transitioned[1].ID)

	// The running child survives unless the caller opts in.
	got, err := s.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusRunning, got.Status)
}

func TestCancelIncludeRunning(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	root := newTask(t, s, "epic", 5)
	child := &v1.Task{TaskType: "build", ParentID: &root.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(child))
	_, err := s.ClaimNext("w1", []string{"build"}, time.Now().UTC())
	require.NoError(t, err)

	_, transitioned, err := s.CancelTask(root.ID, true)
	require.NoError(t, err)
	require.Len(t, transitioned, 2)

	got, err := s.GetTask(child.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, got.Status)
}

func TestRetryTask(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, "build", 5)
	_, _, err := s.CancelTask(task.ID, false)
	require.NoError(t, err)

	retried, err := s.RetryTask(task.ID, true)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, retried.Status)
	assert.Zero(t, retried.Retries)
	assert.Nil(t, retried.CompletedAt)
}

func TestRetryTaskClearsSchedule(t *testing.T) {
	s := newTestStore(t)
	future := time.Now().UTC().Add(time.Hour)
	task := &v1.Task{TaskType: "deploy", ScheduledFor: &future, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(task))
	_, _, err := s.CancelTask(task.ID, false)
	require.NoError(t, err)

	// The stale schedule must not gate the re-queued task.
	retried, err := s.RetryTask(task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, retried.Status)
	assert.Nil(t, retried.ScheduledFor)
}

func TestSetPriorityClamped(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, "build", 8)

	up, err := s.SetPriority(task.ID, 5, true)
	require.NoError(t, err)
	assert.Equal(t, v1.PriorityMax, up.Priority)

	down, err := s.SetPriority(task.ID, -100, true)
	require.NoError(t, err)
	assert.Equal(t, v1.PriorityMin, down.Priority)

	abs, err := s.SetPriority(task.ID, 7, false)
	require.NoError(t, err)
	assert.Equal(t, 7, abs.Priority)
}

func TestHierarchy(t *testing.T) {
	s := newTestStore(t)
	root := newTask(t, s, "epic", 5)

	child := &v1.Task{TaskType: "story", ParentID: &root.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(child))
	assert.Equal(t, 1, child.HierarchyLevel)
	assert.Equal(t, fmt.Sprintf("/%d/", root.ID), child.HierarchyPath)

	grand := &v1.Task{TaskType: "subtask", ParentID: &child.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(grand))
	assert.Equal(t, 2, grand.HierarchyLevel)

	parent, err := s.GetTask(root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.ChildCount)

	subtree, err := s.GetSubtree(root.ID)
	require.NoError(t, err)
	require.Len(t, subtree, 2)
	assert.Equal(t, child.ID, subtree[0].ID)
	assert.Equal(t, grand.ID, subtree[1].ID)

	terminal, err := s.AllChildrenTerminal(root.ID)
	require.NoError(t, err)
	assert.False(t, terminal)
}

func TestHierarchyDepthLimit(t *testing.T) {
	s := newTestStore(t)

	parentID := int64(0)
	for level := 0; level < MaxHierarchyDepth; level++ {
		task := &v1.Task{TaskType: "deep", MaxRetries: 1, TimeoutSeconds: 60}
		if parentID != 0 {
			pid := parentID
			task.ParentID = &pid
		}
		require.NoError(t, s.CreateTask(task))
		parentID = task.ID
	}

	over := &v1.Task{TaskType: "deep", ParentID: &parentID, MaxRetries: 1, TimeoutSeconds: 60}
	assert.ErrorIs(t, s.CreateTask(over), ErrHierarchyTooDeep)
}

func TestDeleteTaskDetachesChildren(t *testing.T) {
	s := newTestStore(t)
	root := newTask(t, s, "epic", 5)
	mid := &v1.Task{TaskType: "story", ParentID: &root.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(mid))
	leaf := &v1.Task{TaskType: "subtask", ParentID: &mid.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(leaf))

	require.NoError(t, s.DeleteTask(mid.ID, false))

	// Children of the deleted task become hierarchy roots, not grandchildren.
	got, err := s.GetTask(leaf.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)
	assert.Equal(t, 0, got.HierarchyLevel)
	assert.Equal(t, "/", got.HierarchyPath)

	gotRoot, err := s.GetTask(root.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotRoot.ChildCount)
}

func TestDeleteTaskRebasesDeepDescendants(t *testing.T) {
	s := newTestStore(t)
	root := newTask(t, s, "epic", 5)
	mid := &v1.Task{TaskType: "story", ParentID: &root.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(mid))
	leaf := &v1.Task{TaskType: "subtask", ParentID: &mid.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(leaf))

	require.NoError(t, s.DeleteTask(root.ID, false))

	gotMid, err := s.GetTask(mid.ID)
	require.NoError(t, err)
	assert.Nil(t, gotMid.ParentID)
	assert.Equal(t, "/", gotMid.HierarchyPath)

	// The grandchild keeps its parent but its subtree is rebased.
	gotLeaf, err := s.GetTask(leaf.ID)
	require.NoError(t, err)
	require.NotNil(t, gotLeaf.ParentID)
	assert.Equal(t, mid.ID, *gotLeaf.ParentID)
	assert.Equal(t, 1, gotLeaf.HierarchyLevel)
	assert.Equal(t, fmt.Sprintf("/%d/", mid.ID), gotLeaf.HierarchyPath)
}

func TestDeleteRunningTaskRequiresForce(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	newTask(t, s, "build", 5)
	claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteTask(claimed.ID, false), ErrStateConflict)
	require.NoError(t, s.DeleteTask(claimed.ID, true))
}

func TestPromoteScheduled(t *testing.T) {
	s := newTestStore(t)
	future := time.Now().UTC().Add(time.Hour)

	due := &v1.Task{TaskType: "deploy", ScheduledFor: &future, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(due))

	ids, err := s.PromoteScheduled(future.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	got, err := s.GetTask(due.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, got.Status)
}

func TestSweepTimeouts(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	task := &v1.Task{TaskType: "slow", MaxRetries: 0, TimeoutSeconds: 1}
	require.NoError(t, s.CreateTask(task))
	longRunning := &v1.Task{TaskType: "daemonish", MaxRetries: 0, TimeoutSeconds: 1, LongRunning: true}
	require.NoError(t, s.CreateTask(longRunning))

	now := time.Now().UTC()
	_, err := s.ClaimNext("w1", []string{"slow"}, now)
	require.NoError(t, err)
	_, err = s.ClaimNext("w1", []string{"daemonish"}, now)
	require.NoError(t, err)

	swept, err := s.SweepTimeouts(now.Add(time.Minute), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, task.ID, swept[0].ID)
	assert.Equal(t, v1.TaskStatusTimeout, swept[0].Status)

	// The long-running task rides on its worker's fresh heartbeat.
	lr, err := s.GetTask(longRunning.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusRunning, lr.Status)
}

func TestSweepTimeoutsStaleHeartbeat(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	longRunning := &v1.Task{TaskType: "daemonish", MaxRetries: 0, TimeoutSeconds: 1, LongRunning: true}
	require.NoError(t, s.CreateTask(longRunning))

	now := time.Now().UTC()
	_, err := s.ClaimNext("w1", nil, now)
	require.NoError(t, err)

	// Heartbeat from "now" is stale against a sweep an hour later: the
	// long-running exemption no longer applies.
	swept, err := s.SweepTimeouts(now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, longRunning.ID, swept[0].ID)
	assert.Equal(t, v1.TaskStatusTimeout, swept[0].Status)
}

func TestSweepTimeoutsRetries(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	task := &v1.Task{TaskType: "slow", MaxRetries: 2, TimeoutSeconds: 1}
	require.NoError(t, s.CreateTask(task))

	now := time.Now().UTC()
	_, err := s.ClaimNext("w1", nil, now)
	require.NoError(t, err)

	swept, err := s.SweepTimeouts(now.Add(time.Minute), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, v1.TaskStatusPending, swept[0].Status)
	assert.Equal(t, 1, swept[0].Retries)
}

func TestArchiveTerminal(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	task := newTask(t, s, "build", 5)
	claimed, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)
	_, err = s.CompleteTask(claimed.ID, "w1", "ok")
	require.NoError(t, err)

	open := newTask(t, s, "build", 5)

	n, err := s.ArchiveTerminal(time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetTask(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.GetTask(open.ID)
	require.NoError(t, err)

	archived, err := s.ListArchived(10, 0)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, task.ID, archived[0].ID)
}

func TestCountByStatus(t *testing.T) {
	s := newTestStore(t)
	registerWorker(t, s, "w1")
	newTask(t, s, "a", 1)
	newTask(t, s, "b", 1)
	_, err := s.ClaimNext("w1", nil, time.Now().UTC())
	require.NoError(t, err)

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[v1.TaskStatusPending])
	assert.Equal(t, 1, counts[v1.TaskStatusRunning])
}

func TestConvertTask(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, "idea", 1)

	conv, err := s.ConvertTask(task.ID, "issue", "GH-17", "alex")
	require.NoError(t, err)
	assert.Equal(t, "issue", conv.TargetKind)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusConverted, got.Status)

	list, err := s.ListConversions(task.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.ConvertTask(task.ID, "issue", "GH-18", "alex")
	assert.ErrorIs(t, err, ErrStateConflict)
}
