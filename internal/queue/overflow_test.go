package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

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

func newOverflow(t *testing.T) *OverflowStore {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	o, err := NewOverflowStore(filepath.Join(t.TempDir(), "overflow.json"), log)
	require.NoError(t, err)
	return o
}

func TestResolvePriority(t *testing.T) {
	assert.Equal(t, 10, ResolvePriority("critical"))
	assert.Equal(t, 8, ResolvePriority("high"))
	assert.Equal(t, 5, ResolvePriority("medium"))
	assert.Equal(t, 2, ResolvePriority("low"))
	assert.Equal(t, 5, ResolvePriority("whatever"))
}

func TestOverflowSpillAndDrain(t *testing.T) {
	o := newOverflow(t)

	require.NoError(t, o.Spill(&v1.CreateTaskRequest{TaskType: "a"}))
	require.NoError(t, o.Spill(&v1.CreateTaskRequest{TaskType: "b"}))

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var order []string
	drained, err := o.Drain(context.Background(), func(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error) {
		order = append(order, req.TaskType)
		return &v1.Task{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, drained)
	assert.Equal(t, []string{"a", "b"}, order)

	n, err = o.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOverflowDrainStopsOnError(t *testing.T) {
	o := newOverflow(t)

	require.NoError(t, o.Spill(&v1.CreateTaskRequest{TaskType: "a"}))
	require.NoError(t, o.Spill(&v1.CreateTaskRequest{TaskType: "b"}))
	require.NoError(t, o.Spill(&v1.CreateTaskRequest{TaskType: "c"}))

	calls := 0
	drained, err := o.Drain(context.Background(), func(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("store still down")
		}
		return &v1.Task{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, drained)

	// The failed entry and everything after it stay spilled.
	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubmitSpillsOnStoreFailure(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	store, err := storage.NewWithDB(conn, conn)
	require.NoError(t, err)
	locks, err := flock.NewManager(t.TempDir(), log)
	require.NoError(t, err)

	s := NewService(store, bus.NewMemoryEventBus(log), locks, config.QueueConfig{
		DefaultMaxRetries:     3,
		DefaultTimeoutSeconds: 3600,
	}, log)
	o := newOverflow(t)
	s.SetOverflow(o)

	// With the store gone, the submission lands in the overflow file.
	require.NoError(t, conn.Close())
	task, err := s.Submit(context.Background(), &v1.CreateTaskRequest{TaskType: "build"})
	require.NoError(t, err)
	assert.Zero(t, task.ID)

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Caller mistakes are still rejected, never spilled.
	_, err = s.Submit(context.Background(), &v1.CreateTaskRequest{})
	require.ErrorIs(t, err, ErrValidation)
	n, err = o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepDrainsOverflow(t *testing.T) {
	s := newTestService(t)
	o := newOverflow(t)
	s.SetOverflow(o)

	require.NoError(t, o.Spill(&v1.CreateTaskRequest{TaskType: "build"}))
	s.sweep()

	n, err := o.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	tasks, err := s.List(storage.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "build", tasks[0].TaskType)
	assert.Equal(t, v1.TaskStatusPending, tasks[0].Status)
}
