// Package main is a reference task worker. It registers with the devplane
// API, claims tasks in a polling loop, runs the payload command, and reports
// the outcome. SIGTERM drains the in-flight task before exiting.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

const (
	pollInterval      = 2 * time.Second
	heartbeatInterval = 30 * time.Second
	requestTimeout    = 15 * time.Second
)

type worker struct {
	baseURL  string
	workerID string
	client   *http.Client
	log      *logger.Logger
	token    string
}

func main() {
	var (
		baseURL    = flag.String("server", "http://127.0.0.1:8080", "devplane API base URL")
		workerID   = flag.String("id", "", "worker id (defaults to hostname-pid)")
		workerType = flag.String("type", "shell", "worker type reported at registration")
		capacity   = flag.Int("capacity", 1, "concurrent task capacity to advertise")
		skills     = flag.String("skills", "", "comma separated capability list")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	id := *workerID
	if id == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	w := &worker{
		baseURL:  strings.TrimRight(*baseURL, "/"),
		workerID: id,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
	}

	var skillList []string
	if *skills != "" {
		skillList = strings.Split(*skills, ",")
	}
	if err := w.refreshToken(); err != nil {
		log.Error("failed to fetch CSRF token", zap.Error(err))
		os.Exit(1)
	}
	if err := w.register(*workerType, *capacity, skillList); err != nil {
		log.Error("registration failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("worker registered",
		zap.String("worker_id", id),
		zap.String("server", w.baseURL))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go w.heartbeatLoop(ctx)
	w.claimLoop(ctx, skillList)

	w.deregister()
	log.Info("worker stopped")
}

// claimLoop polls for tasks until the context is cancelled. An in-flight task
// always runs to completion; cancellation only stops new claims.
func (w *worker) claimLoop(ctx context.Context, capabilities []string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, err := w.claim(capabilities)
		if err != nil {
			w.log.Warn("claim failed", zap.Error(err))
			continue
		}
		if task == nil {
			continue
		}

		w.log.Info("task claimed",
			zap.Int64("task_id", task.ID),
			zap.String("task_type", task.TaskType))
		result, runErr := w.execute(task)
		if runErr != nil {
			w.log.Warn("task failed",
				zap.Int64("task_id", task.ID), zap.Error(runErr))
			if err := w.fail(task.ID, runErr.Error()); err != nil {
				w.log.Error("failed to report task failure", zap.Error(err))
			}
			continue
		}
		if err := w.complete(task.ID, result); err != nil {
			w.log.Error("failed to report task completion", zap.Error(err))
		}
	}
}

// execute runs the payload. A "command" key runs through the shell; a
// "sleep_seconds" key just waits, which is useful for dispatch testing.
func (w *worker) execute(task *v1.Task) (string, error) {
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if command, ok := task.Payload["command"].(string); ok && command != "" {
		out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return strings.TrimSpace(string(out)), nil
	}
	if secs, ok := task.Payload["sleep_seconds"].(float64); ok && secs > 0 {
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return fmt.Sprintf("slept %.0fs", secs), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("payload has neither command nor sleep_seconds")
}

func (w *worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.post(fmt.Sprintf("/api/workers/%s/heartbeat", w.workerID),
				map[string]interface{}{"current_load": 0}, nil); err != nil {
				w.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *worker) register(workerType string, capacity int, skills []string) error {
	return w.post("/api/workers/register", &v1.RegisterWorkerRequest{
		WorkerID:   w.workerID,
		WorkerType: workerType,
		Capacity:   capacity,
		Skills:     skills,
	}, nil)
}

func (w *worker) deregister() {
	req, err := http.NewRequest(http.MethodDelete,
		w.baseURL+"/api/workers/"+w.workerID, nil)
	if err != nil {
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("deregistration failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// claim returns nil without error when the queue is empty.
func (w *worker) claim(capabilities []string) (*v1.Task, error) {
	var out struct {
		Task *v1.Task `json:"task"`
		Code string   `json:"code"`
	}
	err := w.post("/api/tasks/claim", &v1.ClaimRequest{
		WorkerID:     w.workerID,
		Capabilities: capabilities,
	}, &out)
	if err != nil {
		if out.Code == "QUEUE_EMPTY" {
			return nil, nil
		}
		return nil, err
	}
	return out.Task, nil
}

func (w *worker) complete(taskID int64, result string) error {
	return w.post(fmt.Sprintf("/api/tasks/%d/complete", taskID),
		&v1.CompleteTaskRequest{WorkerID: w.workerID, Result: result}, nil)
}

func (w *worker) fail(taskID int64, message string) error {
	return w.post(fmt.Sprintf("/api/tasks/%d/fail", taskID),
		&v1.FailTaskRequest{WorkerID: w.workerID, ErrorMessage: message}, nil)
}

// refreshToken fetches a fresh CSRF token. Task completion endpoints are not
// exempt from CSRF checks, so the worker carries a token like any client.
func (w *worker) refreshToken() error {
	resp, err := w.client.Get(w.baseURL + "/api/csrf-token")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"csrf_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.Token == "" {
		return fmt.Errorf("server returned an empty CSRF token")
	}
	w.token = out.Token
	return nil
}

// post sends a JSON request and decodes the response into out when non-nil.
// A 403 triggers one token refresh and retry, covering token rotation.
func (w *worker) post(path string, payload, out interface{}) error {
	status, err := w.postOnce(path, payload, out)
	if status == http.StatusForbidden {
		if err := w.refreshToken(); err != nil {
			return err
		}
		_, err = w.postOnce(path, payload, out)
	}
	return err
}

func (w *worker) postOnce(path string, payload, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, w.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return resp.StatusCode, nil
}
