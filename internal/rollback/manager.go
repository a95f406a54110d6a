// Package rollback captures restorable snapshots of the queue database plus
// deployment metadata, and monitors service health to trigger automatic
// restores.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// historyFile is the append-only log of snapshot and restore actions.
const historyFile = "history.log"

// currentFile points at the snapshot the database was last restored from or
// created at, for "last known good" restores.
const currentFile = "current.json"

// Snapshot is the immutable metadata stored next to each database copy.
type Snapshot struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	GitCommit   string    `json:"git_commit,omitempty"`
	GitBranch   string    `json:"git_branch,omitempty"`
	DBFile      string    `json:"db_file"`
}

// Manager creates, lists, restores, and prunes snapshots.
type Manager struct {
	cfg    config.SnapshotConfig
	dbPath string
	logger *logger.Logger

	// gitInfo is swappable for tests.
	gitInfo func(ctx context.Context) (commit, branch string)
}

// NewManager creates the snapshot manager. dbPath is the live database file.
func NewManager(cfg config.SnapshotConfig, dbPath string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		dbPath:  dbPath,
		logger:  log,
		gitInfo: readGitInfo,
	}, nil
}

// Create captures a snapshot: database copy first, metadata JSON last, so a
// partially copied database never appears in the index.
func (m *Manager) Create(ctx context.Context, description string) (*Snapshot, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := fmt.Sprintf("%s-%s", now.Format("20060102T150405"), uuid.New().String()[:8])

	dbCopy := filepath.Join(m.cfg.Dir, id+".db")
	if err := copyFile(m.dbPath, dbCopy); err != nil {
		return nil, fmt.Errorf("failed to copy database: %w", err)
	}

	commit, branch := m.gitInfo(ctx)
	snap := &Snapshot{
		ID:          id,
		CreatedAt:   now,
		Description: description,
		GitCommit:   commit,
		GitBranch:   branch,
		DBFile:      dbCopy,
	}
	if err := writeJSONAtomic(m.metaPath(id), snap); err != nil {
		_ = os.Remove(dbCopy)
		return nil, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	m.appendHistory(fmt.Sprintf("snapshot %s created: %s", id, description))
	_ = writeJSONAtomic(filepath.Join(m.cfg.Dir, currentFile), snap)
	m.logger.Info("snapshot created",
		zap.String("snapshot_id", id),
		zap.String("git_commit", commit))
	return snap, nil
}

// Get returns one snapshot's metadata.
func (m *Manager) Get(id string) (*Snapshot, error) {
	body, err := os.ReadFile(m.metaPath(id))
	if os.IsNotExist(err) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot metadata %s: %w", id, err)
	}
	return &snap, nil
}

// List returns all snapshots, newest first. Metadata that fails to parse is
// skipped with a warning.
func (m *Manager) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || name == currentFile {
			continue
		}
		snap, err := m.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			m.logger.Warn("skipping unreadable snapshot", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Restore copies a snapshot's database over the live file. The copy lands in
// a temp file next to the target and renames into place, so a failed restore
// never leaves a half-written database.
func (m *Manager) Restore(id string) error {
	snap, err := m.Get(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(snap.DBFile); err != nil {
		return fmt.Errorf("snapshot %s database copy missing: %w", id, ErrSnapshotNotFound)
	}

	tmp := m.dbPath + ".restore.tmp"
	if err := copyFile(snap.DBFile, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to stage restore: %w", err)
	}
	// Stale WAL or SHM sidecars would shadow the restored file.
	_ = os.Remove(m.dbPath + "-wal")
	_ = os.Remove(m.dbPath + "-shm")
	if err := os.Rename(tmp, m.dbPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to swap database: %w", err)
	}

	m.appendHistory(fmt.Sprintf("restore from %s", id))
	_ = writeJSONAtomic(filepath.Join(m.cfg.Dir, currentFile), snap)
	m.logger.Info("database restored", zap.String("snapshot_id", id))
	return nil
}

// RestoreLatest restores the newest snapshot. The health monitor uses this
// as the last-known-good target.
func (m *Manager) RestoreLatest() (*Snapshot, error) {
	snaps, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrSnapshotNotFound
	}
	if err := m.Restore(snaps[0].ID); err != nil {
		return nil, err
	}
	return snaps[0], nil
}

// Prune deletes the oldest snapshots beyond the keep count.
func (m *Manager) Prune() (int, error) {
	keep := m.cfg.KeepCount
	if keep <= 0 {
		keep = 10
	}
	snaps, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(snaps) <= keep {
		return 0, nil
	}

	removed := 0
	for _, snap := range snaps[keep:] {
		// Database copy first, metadata last: a metadata file without a
		// database is detected and skipped, the reverse is invisible.
		_ = os.Remove(snap.DBFile)
		if err := os.Remove(m.metaPath(snap.ID)); err != nil {
			m.logger.Warn("failed to remove snapshot metadata",
				zap.String("snapshot_id", snap.ID), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.appendHistory(fmt.Sprintf("pruned %d snapshots", removed))
	}
	return removed, nil
}

// History returns the raw action log lines, oldest first.
func (m *Manager) History() ([]string, error) {
	body, err := os.ReadFile(filepath.Join(m.cfg.Dir, historyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	return lines, nil
}

func (m *Manager) metaPath(id string) string {
	return filepath.Join(m.cfg.Dir, id+".json")
}

func (m *Manager) appendHistory(line string) {
	f, err := os.OpenFile(filepath.Join(m.cfg.Dir, historyFile),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("failed to open history log", zap.Error(err))
		return
	}
	defer f.Close()
	stamp := time.Now().UTC().Format(time.RFC3339)
	_, _ = fmt.Fprintf(f, "%s %s\n", stamp, line)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeJSONAtomic(path string, v interface{}) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readGitInfo returns the working directory's HEAD commit and branch, empty
// on any failure. Snapshots outside a git checkout simply lack these fields.
func readGitInfo(ctx context.Context) (string, string) {
	commit := gitOutput(ctx, "rev-parse", "HEAD")
	branch := gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return commit, branch
}

func gitOutput(ctx context.Context, args ...string) string {
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
