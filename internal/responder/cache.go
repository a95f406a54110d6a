package responder

import (
	"regexp"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// compiledPattern pairs a stored pattern with its compiled regex.
type compiledPattern struct {
	Pattern *v1.PromptPattern
	Regex   *regexp.Regexp
}

// PatternCache holds the compiled active patterns grouped by tool name.
// Refreshes build a new map and swap it atomically, so the polling loop
// never observes a half-built cache.
type PatternCache struct {
	store  *PatternStore
	logger *logger.Logger
	byTool atomic.Pointer[map[string][]*compiledPattern]
}

// NewPatternCache creates an empty cache over the given store.
func NewPatternCache(store *PatternStore, log *logger.Logger) *PatternCache {
	c := &PatternCache{store: store, logger: log}
	empty := make(map[string][]*compiledPattern)
	c.byTool.Store(&empty)
	return c
}

// Refresh reloads all active patterns and swaps the cache. Patterns whose
// regex fails to compile are skipped with a warning; the rest still load.
func (c *PatternCache) Refresh() error {
	patterns, err := c.store.ListPatterns("", true)
	if err != nil {
		return err
	}

	next := make(map[string][]*compiledPattern)
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			c.logger.Warn("skipping pattern with invalid regex",
				zap.String("pattern_name", p.PatternName),
				zap.String("tool", p.ToolName),
				zap.Error(err))
			continue
		}
		next[p.ToolName] = append(next[p.ToolName], &compiledPattern{Pattern: p, Regex: re})
	}

	c.byTool.Store(&next)
	c.logger.Debug("pattern cache refreshed", zap.Int("patterns", len(patterns)))
	return nil
}

// ForTool returns the compiled patterns for a tool. Patterns registered
// under the empty tool name apply to every tool and are appended last.
func (c *PatternCache) ForTool(tool string) []*compiledPattern {
	m := *c.byTool.Load()
	out := append([]*compiledPattern(nil), m[tool]...)
	if tool != "" {
		out = append(out, m[""]...)
	}
	return out
}

// Size returns the total number of cached patterns.
func (c *PatternCache) Size() int {
	m := *c.byTool.Load()
	n := 0
	for _, list := range m {
		n += len(list)
	}
	return n
}
