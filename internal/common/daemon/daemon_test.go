package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newControl(t *testing.T) *Control {
	t.Helper()
	c, err := New("testd", t.TempDir())
	require.NoError(t, err)
	return c
}

// deadPID returns the PID of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())
	return cmd.Process.Pid
}

func TestAcquireAndReleasePID(t *testing.T) {
	c := newControl(t)

	stale, err := c.AcquirePID()
	require.NoError(t, err)
	assert.False(t, stale)

	pid, err := c.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, c.Alive())

	c.ReleasePID()
	_, err = c.ReadPID()
	assert.ErrorIs(t, err, ErrNotRunning)

	// Release twice is fine.
	c.ReleasePID()
}

func TestAcquireRefusedWhileLive(t *testing.T) {
	c := newControl(t)
	_, err := c.AcquirePID()
	require.NoError(t, err)

	// The file holds our own live PID, so a second claim is refused.
	_, err = c.AcquirePID()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStalePIDCleanedUp(t *testing.T) {
	c := newControl(t)
	require.NoError(t, os.WriteFile(c.PIDPath(), []byte(strconv.Itoa(deadPID(t))+"\n"), 0o644))

	stale, err := c.AcquirePID()
	require.NoError(t, err)
	assert.True(t, stale)

	pid, err := c.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStateRoundTrip(t *testing.T) {
	c := newControl(t)
	require.NoError(t, c.WriteState(map[string]interface{}{
		"tasks_dispatched": 12,
		"phase":            "running",
	}))

	state, err := c.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "testd", state.Name)
	assert.Equal(t, os.Getpid(), state.PID)
	assert.Equal(t, "running", state.Fields["phase"])
	assert.False(t, state.StartedAt.IsZero())

	// A second write preserves the start time.
	started := state.StartedAt
	require.NoError(t, c.WriteState(map[string]interface{}{"phase": "draining"}))
	state, err = c.ReadState()
	require.NoError(t, err)
	assert.Equal(t, started, state.StartedAt)
	assert.Equal(t, "draining", state.Fields["phase"])
}

func TestStopWithoutPIDFile(t *testing.T) {
	c := newControl(t)
	assert.Equal(t, ExitOK, c.Stop())
}

func TestStopStalePID(t *testing.T) {
	c := newControl(t)
	require.NoError(t, os.WriteFile(c.PIDPath(), []byte(strconv.Itoa(deadPID(t))), 0o644))
	assert.Equal(t, ExitStaleCleanup, c.Stop())
	assert.NoFileExists(t, c.PIDPath())
}

func TestStatusStates(t *testing.T) {
	c := newControl(t)
	assert.Equal(t, ExitOK, c.Status())

	require.NoError(t, os.WriteFile(c.PIDPath(), []byte(strconv.Itoa(deadPID(t))), 0o644))
	assert.Equal(t, ExitStaleCleanup, c.Status())

	_, err := c.AcquirePID()
	require.NoError(t, err)
	require.NoError(t, c.WriteState(map[string]interface{}{"phase": "running"}))
	assert.Equal(t, ExitOK, c.Status())
}

func TestCorruptPIDFile(t *testing.T) {
	c := newControl(t)
	require.NoError(t, os.WriteFile(c.PIDPath(), []byte("not-a-pid"), 0o644))
	_, err := c.ReadPID()
	assert.Error(t, err)
	assert.Equal(t, ExitUsage, c.Status())
}

func TestDefaultDirCreated(t *testing.T) {
	base := t.TempDir()
	c, err := New("testd", filepath.Join(base, "nested", "dir"))
	require.NoError(t, err)
	_, err = c.AcquirePID()
	require.NoError(t, err)
	assert.FileExists(t, c.PIDPath())
}
