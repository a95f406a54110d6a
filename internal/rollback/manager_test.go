package rollback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
)

func newTestManager(t *testing.T, keep int) (*Manager, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("db-v1"), 0o644))

	m, err := NewManager(config.SnapshotConfig{
		Dir:       t.TempDir(),
		KeepCount: keep,
	}, dbPath, log)
	require.NoError(t, err)
	m.gitInfo = func(context.Context) (string, string) { return "abc123", "main" }
	return m, dbPath
}

func TestCreateAndListSnapshots(t *testing.T) {
	m, _ := newTestManager(t, 10)

	snap, err := m.Create(context.Background(), "before deploy")
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.GitCommit)
	assert.Equal(t, "main", snap.GitBranch)
	assert.FileExists(t, snap.DBFile)

	snaps, err := m.List()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, snap.ID, snaps[0].ID)

	history, err := m.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0], "before deploy")
}

func TestRestoreSwapsDatabase(t *testing.T) {
	m, dbPath := newTestManager(t, 10)

	snap, err := m.Create(context.Background(), "v1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(dbPath, []byte("db-v2-corrupt"), 0o644))
	require.NoError(t, m.Restore(snap.ID))

	body, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "db-v1", string(body))
}

func TestRestoreMissingSnapshot(t *testing.T) {
	m, dbPath := newTestManager(t, 10)
	assert.ErrorIs(t, m.Restore("nope"), ErrSnapshotNotFound)

	// Missing database copy behind valid metadata also fails cleanly.
	snap, err := m.Create(context.Background(), "v1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(snap.DBFile))
	require.NoError(t, os.WriteFile(dbPath, []byte("live"), 0o644))

	err = m.Restore(snap.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	// The live database was not touched.
	body, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "live", string(body))
}

func TestPruneKeepsNewest(t *testing.T) {
	m, dbPath := newTestManager(t, 2)

	var ids []string
	for i := 0; i < 4; i++ {
		require.NoError(t, os.WriteFile(dbPath, []byte{byte('a' + i)}, 0o644))
		snap, err := m.Create(context.Background(), "s")
		require.NoError(t, err)
		ids = append(ids, snap.ID)
		time.Sleep(5 * time.Millisecond)
	}

	removed, err := m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	snaps, err := m.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	// The two newest survive.
	kept := map[string]bool{snaps[0].ID: true, snaps[1].ID: true}
	assert.True(t, kept[ids[2]])
	assert.True(t, kept[ids[3]])
}

func TestHealthMonitorTriggersRestore(t *testing.T) {
	m, dbPath := newTestManager(t, 10)
	_, err := m.Create(context.Background(), "good")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dbPath, []byte("db-broken"), 0o644))

	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m.cfg.HealthURL = srv.URL
	m.cfg.FailureThreshold = 3
	mon := NewMonitor(m, m.logger)

	ctx := context.Background()
	mon.check(ctx)
	mon.check(ctx)
	assert.Equal(t, 2, mon.Failures())
	assert.Zero(t, mon.Restores())

	mon.check(ctx)
	assert.Equal(t, 1, mon.Restores())
	assert.Zero(t, mon.Failures())

	body, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "db-v1", string(body))

	history, err := m.History()
	require.NoError(t, err)
	assert.Contains(t, history[len(history)-1], "auto-restore")

	// Recovery resets the counter without restoring again.
	healthy = true
	mon.check(ctx)
	assert.Zero(t, mon.Failures())
	assert.Equal(t, 1, mon.Restores())
}
