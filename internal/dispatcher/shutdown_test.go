package dispatcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/devplane/internal/common/logger"
)

func newShutdownLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestShutdownStatePredicates(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, s.ShouldRun())
	assert.False(t, s.IsShuttingDown())

	s.Request("test", time.Second)
	assert.Equal(t, StateTerminated, s.State())
	assert.False(t, s.ShouldRun())
	assert.False(t, s.IsShuttingDown())
	assert.Equal(t, "test", s.Reason())
}

func TestShutdownRunsHooksLIFO(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))

	var order []string
	s.RegisterCleanup("first", func() error {
		order = append(order, "first")
		return nil
	})
	s.RegisterCleanup("second", func() error {
		order = append(order, "second")
		return nil
	})

	s.Request("test", time.Second)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownCapturesHookErrors(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))
	s.RegisterCleanup("bad", func() error { return errors.New("boom") })
	s.RegisterCleanup("panics", func() error { panic("oh no") })

	s.Request("test", time.Second)
	errs := s.HookErrors()
	require.Len(t, errs, 2)
	assert.EqualError(t, errs["bad"], "boom")
	assert.Contains(t, errs["panics"].Error(), "panicked")
}

func TestShutdownWaitsForDrain(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))

	release, ok := s.EnterTask(1)
	require.True(t, ok)
	assert.Equal(t, 1, s.InProgress())

	go func() {
		time.Sleep(100 * time.Millisecond)
		release()
	}()

	start := time.Now()
	s.Request("drain", 5*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, StateTerminated, s.State())
	assert.Zero(t, s.InProgress())
	// Drained well before the timeout.
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestShutdownDrainTimeout(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))

	_, ok := s.EnterTask(1)
	require.True(t, ok)

	start := time.Now()
	s.Request("stuck", 200*time.Millisecond)
	assert.Equal(t, StateTerminated, s.State())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestEnterTaskRefusedAfterShutdown(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))
	s.Request("test", time.Second)

	_, ok := s.EnterTask(1)
	assert.False(t, ok)
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))
	release, ok := s.EnterTask(1)
	require.True(t, ok)
	release()
	release()
	assert.Zero(t, s.InProgress())
}

func TestRequestTwiceIsNoop(t *testing.T) {
	s := NewShutdown(newShutdownLogger(t))
	calls := 0
	s.RegisterCleanup("count", func() error {
		calls++
		return nil
	})
	s.Request("first", time.Second)
	s.Request("second", time.Second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "first", s.Reason())
}
