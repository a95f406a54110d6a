package rollback

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
)

// Monitor polls a health URL and, after enough consecutive failures,
// restores the last known good snapshot.
type Monitor struct {
	manager *Manager
	url     string
	every   time.Duration
	limit   int
	client  *http.Client
	logger  *logger.Logger

	mu       sync.Mutex
	failures int
	restores int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor over the manager's snapshot set. An
// empty URL disables monitoring; Start becomes a no-op.
func NewMonitor(manager *Manager, log *logger.Logger) *Monitor {
	every := time.Duration(manager.cfg.HealthIntervalSec) * time.Second
	if every <= 0 {
		every = time.Minute
	}
	limit := manager.cfg.FailureThreshold
	if limit <= 0 {
		limit = 3
	}
	return &Monitor{
		manager: manager,
		url:     manager.cfg.HealthURL,
		every:   every,
		limit:   limit,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the polling loop.
func (m *Monitor) Start(ctx context.Context) error {
	if m.url == "" {
		m.logger.Info("health monitoring disabled, no health url configured")
		return nil
	}
	m.wg.Add(1)
	go m.run()
	m.logger.Info("health monitor started",
		zap.String("url", m.url),
		zap.Duration("interval", m.every),
		zap.Int("failure_threshold", m.limit))
	return nil
}

// Stop halts the polling loop.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// Failures returns the current consecutive-failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Restores returns how many automatic restores the monitor has performed.
func (m *Monitor) Restores() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restores
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(context.Background())
		}
	}
}

// check performs one health probe and restores when the failure budget is
// spent.
func (m *Monitor) check(ctx context.Context) {
	if m.probe(ctx) {
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()
	m.logger.Warn("health check failed",
		zap.Int("consecutive", failures),
		zap.Int("threshold", m.limit))

	if failures < m.limit {
		return
	}

	snap, err := m.manager.RestoreLatest()
	if err != nil {
		m.manager.appendHistory("auto-restore failed: " + err.Error())
		m.logger.Error("automatic restore failed", zap.Error(err))
		return
	}
	m.manager.appendHistory("auto-restore triggered by health monitor, snapshot " + snap.ID)
	m.logger.Warn("automatic restore performed", zap.String("snapshot_id", snap.ID))

	m.mu.Lock()
	m.failures = 0
	m.restores++
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
