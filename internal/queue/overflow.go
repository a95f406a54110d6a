package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// Symbolic priority names accepted by the overflow file store. The encoded
// values are rank-ordered with the most urgent lowest, matching the overflow
// file format; ResolvePriority translates them onto the queue's
// higher-is-sooner scale.
var symbolicPriorities = map[string]int{
	"critical": -10,
	"high":     -8,
	"medium":   -5,
	"low":      -2,
}

// overflowEntry is one spilled submission.
type overflowEntry struct {
	Request   v1.CreateTaskRequest `json:"request"`
	SpilledAt time.Time            `json:"spilled_at"`
}

// OverflowStore is a JSON file fallback used when the relational store is
// unavailable. Spilled submissions are drained back on recovery.
type OverflowStore struct {
	mu     sync.Mutex
	path   string
	logger *logger.Logger
}

// NewOverflowStore creates an overflow store at path.
func NewOverflowStore(path string, log *logger.Logger) (*OverflowStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create overflow directory: %w", err)
	}
	return &OverflowStore{path: path, logger: log}, nil
}

// ResolvePriority maps a symbolic priority name to a queue priority. Unknown
// names fall back to "medium".
func ResolvePriority(name string) int {
	p, ok := symbolicPriorities[name]
	if !ok {
		p = symbolicPriorities["medium"]
	}
	return -p
}

// Spill appends one submission to the overflow file.
func (o *OverflowStore) Spill(req *v1.CreateTaskRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.readLocked()
	if err != nil {
		return err
	}
	entries = append(entries, overflowEntry{Request: *req, SpilledAt: time.Now().UTC()})
	return o.writeLocked(entries)
}

// Len returns the number of spilled submissions.
func (o *OverflowStore) Len() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.readLocked()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Drain replays every spilled submission through submit, oldest first.
// Successfully replayed entries are removed; the rest stay spilled.
func (o *OverflowStore) Drain(ctx context.Context, submit func(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error)) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.readLocked()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var remaining []overflowEntry
	drained := 0
	for i := range entries {
		if _, err := submit(ctx, &entries[i].Request); err != nil {
			o.logger.Warn("overflow drain stopped",
				zap.Int("drained", drained), zap.Error(err))
			remaining = append(remaining, entries[i:]...)
			break
		}
		drained++
	}
	if err := o.writeLocked(remaining); err != nil {
		return drained, err
	}
	return drained, nil
}

func (o *OverflowStore) readLocked() ([]overflowEntry, error) {
	body, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var entries []overflowEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("overflow file corrupt: %w", err)
	}
	return entries, nil
}

func (o *OverflowStore) writeLocked(entries []overflowEntry) error {
	if len(entries) == 0 {
		err := os.Remove(o.path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}
