package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func TestAddAndListWorklog(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, "build", 5)

	entry := &v1.WorklogEntry{
		TaskID:           task.ID,
		UserID:           "alex",
		TimeSpentMinutes: 30,
		WorkType:         "development",
		Billable:         true,
		Description:      "wired the claim loop",
	}
	require.NoError(t, s.AddWorklog(entry))
	require.NotZero(t, entry.ID)
	assert.NotEmpty(t, entry.WorkDate)

	list, err := s.ListWorklog(task.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 30, list[0].TimeSpentMinutes)
	assert.True(t, list[0].Billable)
}

func TestAddWorklogUnknownTask(t *testing.T) {
	s := newTestStore(t)
	err := s.AddWorklog(&v1.WorklogEntry{TaskID: 404, UserID: "alex", TimeSpentMinutes: 5})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTimerLifecycle(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, "build", 5)

	timer, err := s.StartTimer(task.ID, "alex")
	require.NoError(t, err)
	require.NotZero(t, timer.ID)

	// One active timer per user.
	_, err = s.StartTimer(task.ID, "alex")
	assert.ErrorIs(t, err, ErrTimerActive)

	active, err := s.ActiveTimer("alex")
	require.NoError(t, err)
	assert.Equal(t, task.ID, active.TaskID)

	entry, err := s.StopTimer("alex", "focused work")
	require.NoError(t, err)
	assert.Equal(t, task.ID, entry.TaskID)
	assert.GreaterOrEqual(t, entry.TimeSpentMinutes, 1)
	assert.Equal(t, "timer", entry.WorkType)

	_, err = s.ActiveTimer("alex")
	assert.ErrorIs(t, err, ErrTimerNotFound)
	_, err = s.StopTimer("alex", "")
	assert.ErrorIs(t, err, ErrTimerNotFound)
}

func TestDiscardTimer(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, "build", 5)

	_, err := s.StartTimer(task.ID, "alex")
	require.NoError(t, err)

	require.NoError(t, s.DiscardTimer("alex"))
	_, err = s.ActiveTimer("alex")
	assert.ErrorIs(t, err, ErrTimerNotFound)

	// Nothing was logged for the discarded timer.
	list, err := s.ListWorklog(task.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, s.DiscardTimer("alex"), ErrTimerNotFound)
}

func TestWorklogRollup(t *testing.T) {
	s := newTestStore(t)
	root := newTask(t, s, "epic", 5)
	child := &v1.Task{TaskType: "story", ParentID: &root.ID, MaxRetries: 1, TimeoutSeconds: 60}
	require.NoError(t, s.CreateTask(child))

	require.NoError(t, s.AddWorklog(&v1.WorklogEntry{TaskID: root.ID, UserID: "alex", TimeSpentMinutes: 60}))
	require.NoError(t, s.AddWorklog(&v1.WorklogEntry{TaskID: child.ID, UserID: "alex", TimeSpentMinutes: 30}))

	rollup, err := s.WorklogRollup(root.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, rollup.WorklogHours, 0.001)
	assert.Equal(t, 2, rollup.TaskCount)
	assert.Zero(t, rollup.ProgressPercent)
}

func TestSprints(t *testing.T) {
	s := newTestStore(t)

	sp := &v1.Sprint{Name: "August iteration", StartDate: "2026-08-24", EndDate: "2026-09-06"}
	require.NoError(t, s.CreateSprint(sp))
	require.NotEmpty(t, sp.ID)
	assert.Equal(t, "planned", sp.Status)

	got, err := s.GetSprint(sp.ID)
	require.NoError(t, err)
	assert.Equal(t, "August iteration", got.Name)

	require.NoError(t, s.SetSprintStatus(sp.ID, "active"))
	got, err = s.GetSprint(sp.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status)

	task := newTask(t, s, "build", 5)
	require.NoError(t, s.AssignSprint(task.ID, sp.ID))
	inSprint, err := s.ListTasks(TaskFilter{SprintID: sp.ID})
	require.NoError(t, err)
	require.Len(t, inSprint, 1)
	assert.Equal(t, task.ID, inSprint[0].ID)

	all, err := s.ListSprints()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
