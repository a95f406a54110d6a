package dispatcher

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// sessionState is the registry's view of one session.
type sessionState struct {
	name           string
	toolName       string
	capabilities   []string
	nodeID         string
	idle           bool
	busy           bool
	idleTicks      int
	failed         bool
	assignedTaskID *int64
	lastHeartbeat  time.Time
	lastDispatch   time.Time
	cooldownUntil  time.Time
}

// Registry tracks the sessions the dispatcher may route work to. The
// registry owns only metadata; sessions themselves live in the terminal
// multiplexer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*sessionState)}
}

// Register adds a session or refreshes an existing registration. A failed
// session re-registering is cleared.
func (r *Registry) Register(req *v1.RegisterSessionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.sessions[req.SessionName]; ok {
		existing.toolName = req.ToolName
		existing.capabilities = req.Capabilities
		existing.nodeID = req.NodeID
		existing.failed = false
		existing.lastHeartbeat = now
		return
	}
	r.sessions[req.SessionName] = &sessionState{
		name:          req.SessionName,
		toolName:      req.ToolName,
		capabilities:  req.Capabilities,
		nodeID:        req.NodeID,
		lastHeartbeat: now,
	}
}

// Unregister removes a session.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// Names returns the registered session names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordActivity ingests one activity sample. Idle samples increment the
// idle counter; busy samples reset it. Returns the updated idle tick count,
// or -1 for unknown sessions.
func (r *Registry) RecordActivity(name string, sample Activity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		return -1
	}
	s.idle = sample.Idle
	s.busy = sample.Busy
	s.lastHeartbeat = time.Now().UTC()
	if sample.Busy {
		s.idleTicks = 0
		// A busy session has picked its work up; the lease is its own.
		s.assignedTaskID = nil
	} else if sample.Idle {
		s.idleTicks++
	}
	return s.idleTicks
}

// MarkFailed flags a session as failed so it is skipped until it
// re-registers.
func (r *Registry) MarkFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		s.failed = true
		s.assignedTaskID = nil
	}
}

// MarkDispatched records a dispatch: remembers the assigned task, stamps the
// dispatch time, and starts the per-session cooldown. A zero taskID records
// a fallback nudge, which holds the cooldown without pinning an assignment.
func (r *Registry) MarkDispatched(name string, taskID int64, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		now := time.Now().UTC()
		if taskID != 0 {
			s.assignedTaskID = &taskID
		}
		s.lastDispatch = now
		s.cooldownUntil = now.Add(cooldown)
		s.idleTicks = 0
	}
}

// EligibleForDispatch returns sessions that are registered, not failed, not
// excluded, past their cooldown, and idle for at least threshold ticks.
func (r *Registry) EligibleForDispatch(threshold int, excluded []string) []string {
	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		skip[name] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now().UTC()
	var eligible []string
	for name, s := range r.sessions {
		if _, ok := skip[name]; ok {
			continue
		}
		if s.failed || !s.idle || s.idleTicks < threshold {
			continue
		}
		if now.Before(s.cooldownUntil) {
			continue
		}
		if s.assignedTaskID != nil {
			continue
		}
		eligible = append(eligible, name)
	}
	sort.Strings(eligible)
	return eligible
}

// Snapshot returns the registry contents as API sessions.
func (r *Registry) Snapshot() []*v1.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*v1.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		session := &v1.Session{
			SessionName:    s.name,
			ToolName:       s.toolName,
			Capabilities:   append([]string(nil), s.capabilities...),
			Idle:           s.idle,
			Busy:           s.busy,
			IdleTicks:      s.idleTicks,
			Failed:         s.failed,
			AssignedTaskID: s.assignedTaskID,
			NodeID:         s.nodeID,
			LastHeartbeat:  s.lastHeartbeat,
		}
		if !s.cooldownUntil.IsZero() {
			cd := s.cooldownUntil
			session.CooldownUntil = &cd
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionName < out[j].SessionName })
	return out
}

// Capabilities returns a session's capability list, or nil for unknown
// sessions.
func (r *Registry) Capabilities(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[name]; ok {
		return append([]string(nil), s.capabilities...)
	}
	return nil
}
