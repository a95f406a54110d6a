// Package daemon provides PID-file based process control for the long-running
// components: background detach, stop via signal, and status introspection
// through a JSON state file.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Exit codes for the daemon CLI surface.
const (
	ExitOK             = 0
	ExitUsage          = 1
	ExitAlreadyRunning = 2
	ExitStaleCleanup   = 3
)

// ErrAlreadyRunning reports a live process holding the PID file.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrNotRunning reports that no PID file exists.
var ErrNotRunning = errors.New("daemon not running")

// envDetached marks the re-executed child so it skips forking again.
const envDetached = "DEVPLANE_DETACHED"

// State is the JSON introspection file a running daemon keeps current.
type State struct {
	Name      string                 `json:"name"`
	PID       int                    `json:"pid"`
	StartedAt time.Time              `json:"started_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Control manages the PID and state files for one named daemon.
type Control struct {
	name string
	dir  string
}

// New creates a control rooted at dir. An empty dir defaults to
// $TMPDIR/devplane.
func New(name, dir string) (*Control, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "devplane")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create daemon directory: %w", err)
	}
	return &Control{name: name, dir: dir}, nil
}

func (c *Control) PIDPath() string   { return filepath.Join(c.dir, c.name+".pid") }
func (c *Control) StatePath() string { return filepath.Join(c.dir, c.name+".state.json") }

// AcquirePID claims the PID file for this process. A live holder yields
// ErrAlreadyRunning. A stale file (dead PID) is removed first; staleCleaned
// reports that cleanup happened so callers can exit with the dedicated code.
func (c *Control) AcquirePID() (staleCleaned bool, err error) {
	if pid, readErr := c.ReadPID(); readErr == nil {
		if alive(pid) {
			return false, fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
		}
		staleCleaned = true
		_ = os.Remove(c.PIDPath())
		_ = os.Remove(c.StatePath())
	}
	body := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(c.PIDPath(), []byte(body), 0o644); err != nil {
		return staleCleaned, fmt.Errorf("failed to write pid file: %w", err)
	}
	return staleCleaned, nil
}

// ReleasePID removes the PID and state files. Idempotent.
func (c *Control) ReleasePID() {
	_ = os.Remove(c.PIDPath())
	_ = os.Remove(c.StatePath())
}

// ReadPID returns the PID recorded in the file.
func (c *Control) ReadPID() (int, error) {
	body, err := os.ReadFile(c.PIDPath())
	if os.IsNotExist(err) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file %s: %w", c.PIDPath(), err)
	}
	return pid, nil
}

// alive probes a PID with signal 0.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Alive reports whether the recorded daemon process is live.
func (c *Control) Alive() bool {
	pid, err := c.ReadPID()
	return err == nil && alive(pid)
}

// WriteState refreshes the introspection file. StartedAt is preserved from an
// existing state when present.
func (c *Control) WriteState(fields map[string]interface{}) error {
	now := time.Now().UTC()
	state := &State{
		Name:      c.name,
		PID:       os.Getpid(),
		StartedAt: now,
		UpdatedAt: now,
		Fields:    fields,
	}
	if prev, err := c.ReadState(); err == nil && prev.PID == state.PID {
		state.StartedAt = prev.StartedAt
	}

	body, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.StatePath() + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.StatePath())
}

// ReadState loads the introspection file.
func (c *Control) ReadState() (*State, error) {
	body, err := os.ReadFile(c.StatePath())
	if os.IsNotExist(err) {
		return nil, ErrNotRunning
	}
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", c.StatePath(), err)
	}
	return &state, nil
}

// Detach re-executes the current binary in the background with --daemon
// stripped, a new session, and output redirected to a log file next to the
// PID file. The caller should exit 0 afterwards.
func (c *Control) Detach() error {
	if os.Getenv(envDetached) != "" {
		return nil
	}

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--daemon" || a == "-daemon" {
			continue
		}
		args = append(args, a)
	}

	logFile, err := os.OpenFile(filepath.Join(c.dir, c.name+".log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), envDetached+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detached process: %w", err)
	}
	fmt.Printf("%s started, pid %d\n", c.name, cmd.Process.Pid)
	return nil
}

// Detached reports whether this process is the re-executed background child.
func Detached() bool { return os.Getenv(envDetached) != "" }

// Stop SIGTERMs the recorded process. Returns the exit code for the CLI.
func (c *Control) Stop() int {
	pid, err := c.ReadPID()
	if errors.Is(err, ErrNotRunning) {
		fmt.Printf("%s is not running\n", c.name)
		return ExitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return ExitUsage
	}
	if !alive(pid) {
		c.ReleasePID()
		fmt.Printf("%s had a stale pid file (pid %d), cleaned up\n", c.name, pid)
		return ExitStaleCleanup
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal pid %d: %v\n", pid, err)
		return ExitUsage
	}
	fmt.Printf("sent SIGTERM to %s (pid %d)\n", c.name, pid)
	return ExitOK
}

// Status prints liveness, uptime, and the state file's progress fields.
// Returns the exit code for the CLI.
func (c *Control) Status() int {
	pid, err := c.ReadPID()
	if errors.Is(err, ErrNotRunning) {
		fmt.Printf("%s: not running\n", c.name)
		return ExitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return ExitUsage
	}
	if !alive(pid) {
		c.ReleasePID()
		fmt.Printf("%s: stale pid file (pid %d), cleaned up\n", c.name, pid)
		return ExitStaleCleanup
	}

	fmt.Printf("%s: running, pid %d\n", c.name, pid)
	if state, err := c.ReadState(); err == nil {
		fmt.Printf("  uptime: %s\n", time.Since(state.StartedAt).Round(time.Second))
		for key, value := range state.Fields {
			fmt.Printf("  %s: %v\n", key, value)
		}
	}
	return ExitOK
}
