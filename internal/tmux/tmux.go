// Package tmux shells out to the tmux binary to observe and drive terminal
// sessions. Missing sessions and a missing server are normal conditions and
// surface as empty results, never as errors.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
)

// Client is the tmux surface used by the dispatcher and responder. It is an
// interface so tests can substitute a fake multiplexer.
type Client interface {
	// ListSessions returns the names of all live sessions.
	ListSessions(ctx context.Context) ([]string, error)
	// CapturePane returns the last lines of a session's visible pane.
	// A missing session yields an empty string.
	CapturePane(ctx context.Context, session string, lines int) (string, error)
	// SendKeys types text into a session, optionally followed by Enter.
	SendKeys(ctx context.Context, session, text string, enter bool) error
	// KillSession terminates a session. Missing sessions are not an error.
	KillSession(ctx context.Context, session string) error
}

// captureInterval is the per-session floor between pane captures so a tight
// polling loop cannot hammer the tmux server.
const captureInterval = 150 * time.Millisecond

type execClient struct {
	bin    string
	logger *logger.Logger

	mu           sync.Mutex
	lastCapture  map[string]time.Time
	lastSnapshot map[string]string
}

// NewClient creates a Client backed by the tmux binary.
func NewClient(log *logger.Logger) Client {
	return &execClient{
		bin:          "tmux",
		logger:       log,
		lastCapture:  make(map[string]time.Time),
		lastSnapshot: make(map[string]string),
	}
}

func (c *execClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isBenign(msg) {
			return "", nil
		}
		return "", fmt.Errorf("tmux %s: %s: %w", args[0], msg, err)
	}
	return stdout.String(), nil
}

// isBenign reports tmux errors that mean "nothing there" rather than a real
// failure.
func isBenign(stderr string) bool {
	return strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "no sessions")
}

func (c *execClient) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil, err
	}
	var sessions []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			sessions = append(sessions, name)
		}
	}
	return sessions, nil
}

func (c *execClient) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}

	// Rate limit per session; inside the window the previous snapshot is
	// returned instead of shelling out again.
	c.mu.Lock()
	if last, ok := c.lastCapture[session]; ok && time.Since(last) < captureInterval {
		snap := c.lastSnapshot[session]
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	out, err := c.run(ctx, "capture-pane", "-p", "-t", session, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.lastCapture[session] = time.Now()
	c.lastSnapshot[session] = out
	c.mu.Unlock()
	return out, nil
}

func (c *execClient) SendKeys(ctx context.Context, session, text string, enter bool) error {
	args := []string{"send-keys", "-t", session}
	if text != "" {
		args = append(args, "-l", text)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return err
	}
	if enter {
		if _, err := c.run(ctx, "send-keys", "-t", session, "Enter"); err != nil {
			return err
		}
	}
	c.logger.Debug("sent keys",
		zap.String("session", session),
		zap.Int("chars", len(text)),
		zap.Bool("enter", enter))
	return nil
}

func (c *execClient) KillSession(ctx context.Context, session string) error {
	_, err := c.run(ctx, "kill-session", "-t", session)
	return err
}
