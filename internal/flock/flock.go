// Package flock provides advisory, OS-level exclusive locks for
// cross-process coordination. Each named resource maps to one lock file in
// the lock directory; the file holds the owner PID and acquisition time so a
// stale lock left by a crashed process can be detected and reclaimed.
package flock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
)

// ErrLockTimeout is returned when a lock is not acquired within the deadline.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// acquirePulse is the retry interval while waiting for a contended lock.
const acquirePulse = 100 * time.Millisecond

// lockInfo is the JSON body written into each lock file.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle represents a held lock. Release is idempotent.
type Handle struct {
	name     string
	path     string
	file     *os.File
	released bool
}

// Name returns the resource name the handle locks.
func (h *Handle) Name() string { return h.name }

// Manager acquires and releases named advisory locks.
type Manager struct {
	dir    string
	logger *logger.Logger
}

// NewManager creates a Manager rooted at dir, creating it if needed.
func NewManager(dir string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Manager{dir: dir, logger: log}, nil
}

// Acquire obtains the exclusive lock for name, retrying in 100 ms pulses
// until timeout. Stale lock files (owner PID no longer alive) are reclaimed.
func (m *Manager) Acquire(name string, timeout time.Duration) (*Handle, error) {
	path := m.lockPath(name)
	deadline := time.Now().Add(timeout)

	for {
		h, err := m.tryAcquire(name, path)
		if err == nil {
			return h, nil
		}

		if m.reclaimStale(path) {
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %q: %w", name, ErrLockTimeout)
		}
		time.Sleep(acquirePulse)
	}
}

// tryAcquire attempts a non-blocking flock on the lock file.
func (m *Manager) tryAcquire(name, path string) (*Handle, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, err
	}

	info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	body, _ := json.Marshal(info)
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt(body, 0)
		_ = file.Sync()
	}

	m.logger.Debug("acquired lock", zap.String("lock", name), zap.Int("pid", info.PID))
	return &Handle{name: name, path: path, file: file}, nil
}

// reclaimStale removes a lock file whose owner PID is no longer alive.
// Returns true if a stale lock was removed and acquisition should be retried
// immediately.
func (m *Manager) reclaimStale(path string) bool {
	body, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var info lockInfo
	if err := json.Unmarshal(body, &info); err != nil || info.PID <= 0 {
		return false
	}
	if pidAlive(info.PID) {
		return false
	}

	m.logger.Warn("reclaiming stale lock",
		zap.String("path", path),
		zap.Int("stale_pid", info.PID))
	return os.Remove(path) == nil
}

// Release releases the lock. Safe to call more than once and on every exit
// path.
func (m *Manager) Release(h *Handle) error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	_ = syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
	err := h.file.Close()
	_ = os.Remove(h.path)

	m.logger.Debug("released lock", zap.String("lock", h.name))
	return err
}

// WithLock runs fn while holding the named lock.
func (m *Manager) WithLock(name string, timeout time.Duration, fn func() error) error {
	h, err := m.Acquire(name, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release(h) }()
	return fn()
}

func (m *Manager) lockPath(name string) string {
	return filepath.Join(m.dir, name+".lock")
}

// pidAlive reports whether a process with the given PID exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs permission/existence checks without delivering.
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
