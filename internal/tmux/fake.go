package tmux

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests. Panes are plain strings the test
// mutates directly.
type Fake struct {
	mu       sync.Mutex
	panes    map[string]string
	sent     map[string][]string
	killed   map[string]bool
	sendErr  error
	captures int
}

// NewFake creates an empty fake multiplexer.
func NewFake() *Fake {
	return &Fake{
		panes:  make(map[string]string),
		sent:   make(map[string][]string),
		killed: make(map[string]bool),
	}
}

// SetPane sets a session's visible pane content, creating the session.
func (f *Fake) SetPane(session, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[session] = content
}

// RemoveSession drops a session.
func (f *Fake) RemoveSession(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, session)
}

// Sent returns everything typed into a session.
func (f *Fake) Sent(session string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[session]...)
}

// Killed reports whether a session was killed.
func (f *Fake) Killed(session string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed[session]
}

// FailSends makes subsequent SendKeys calls return err.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Captures returns how many times CapturePane was called.
func (f *Fake) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

func (f *Fake) ListSessions(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.panes {
		names = append(names, name)
	}
	return names, nil
}

func (f *Fake) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return f.panes[session], nil
}

func (f *Fake) SendKeys(ctx context.Context, session, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if _, ok := f.panes[session]; !ok {
		// Mirrors the real client: missing sessions are benign.
		return nil
	}
	f.sent[session] = append(f.sent[session], text)
	return nil
}

func (f *Fake) KillSession(ctx context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[session] = true
	delete(f.panes, session)
	return nil
}
