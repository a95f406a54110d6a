package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/db"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/queue"
	"github.com/devplane/devplane/internal/responder"
	"github.com/devplane/devplane/internal/storage"
)

type serverRig struct {
	srv   *Server
	token string
}

func newServerRig(t *testing.T) *serverRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	store, err := storage.NewWithDB(conn, conn)
	require.NoError(t, err)

	patternConn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = patternConn.Close() })
	patterns, err := responder.NewPatternStore(patternConn)
	require.NoError(t, err)

	locks, err := flock.NewManager(t.TempDir(), log)
	require.NoError(t, err)

	q := queue.NewService(store, bus.NewMemoryEventBus(log), locks, config.QueueConfig{
		DefaultMaxRetries:     3,
		DefaultTimeoutSeconds: 3600,
	}, log)

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, config.AuthConfig{}, Deps{
		Queue:    q,
		Store:    store,
		Patterns: patterns,
	}, log)

	rig := &serverRig{srv: srv}
	body := rig.do(t, http.MethodGet, "/api/csrf-token", nil, false)
	rig.token = body["csrf_token"].(string)
	return rig
}

// do performs a request against the router and decodes the JSON body.
func (r *serverRig) do(t *testing.T, method, path string, payload interface{}, withToken bool) map[string]interface{} {
	t.Helper()
	rec := r.raw(t, method, path, payload, withToken)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body),
		"response body: %s", rec.Body.String())
	return body
}

func (r *serverRig) raw(t *testing.T, method, path string, payload interface{}, withToken bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if withToken {
		req.Header.Set(csrfHeader, r.token)
	}
	rec := httptest.NewRecorder()
	r.srv.Router().ServeHTTP(rec, req)
	return rec
}

// registerWorker registers a claim-eligible worker through the public
// endpoint, which is CSRF-exempt like the claim loop itself.
func (r *serverRig) registerWorker(t *testing.T, id string) {
	t.Helper()
	body := r.do(t, http.MethodPost, "/api/workers/register", map[string]interface{}{
		"worker_id":   id,
		"worker_type": "test",
		"capacity":    1,
	}, false)
	require.Equal(t, true, body["success"])
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	rig := newServerRig(t)
	rig.registerWorker(t, "worker-1")

	created := rig.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type": "build",
		"payload":   map[string]interface{}{"prompt": "run the release build"},
		"priority":  7,
	}, true)
	require.Equal(t, true, created["success"])
	taskID := int64(created["task"].(map[string]interface{})["id"].(float64))

	// Claim is CSRF-exempt; workers carry no browser session.
	claimed := rig.do(t, http.MethodPost, "/api/tasks/claim", map[string]interface{}{
		"worker_id": "worker-1",
	}, false)
	claimedTask := claimed["task"].(map[string]interface{})
	assert.Equal(t, float64(taskID), claimedTask["id"])
	assert.Equal(t, "running", claimedTask["status"])

	done := rig.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/complete", taskID),
		map[string]interface{}{"worker_id": "worker-1", "result": "build ok"}, true)
	assert.Equal(t, "completed", done["task"].(map[string]interface{})["status"])

	stats := rig.do(t, http.MethodGet, "/api/tasks/stats", nil, false)
	assert.Equal(t, float64(1), stats["stats"].(map[string]interface{})["completed"])
}

func TestClaimEmptyQueue(t *testing.T) {
	rig := newServerRig(t)
	rig.registerWorker(t, "worker-1")
	rec := rig.raw(t, http.MethodPost, "/api/tasks/claim", map[string]interface{}{
		"worker_id": "worker-1",
	}, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), codeQueueEmpty)
}

func TestClaimUnregisteredWorkerOverHTTP(t *testing.T) {
	rig := newServerRig(t)
	rig.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type": "build",
	}, true)

	rec := rig.raw(t, http.MethodPost, "/api/tasks/claim", map[string]interface{}{
		"worker_id": "ghost",
	}, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), codeNotFound)
}

func TestMaybeCompleteOverHTTP(t *testing.T) {
	rig := newServerRig(t)
	rig.registerWorker(t, "worker-1")

	created := rig.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type": "epic",
	}, true)
	rootID := int64(created["task"].(map[string]interface{})["id"].(float64))
	childBody := rig.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type": "story",
		"parent_id": rootID,
		"priority":  9,
	}, true)
	childID := int64(childBody["task"].(map[string]interface{})["id"].(float64))

	// Cancelling the child leaves the pending root untouched.
	cancelled := rig.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/cancel", childID), nil, true)
	require.Equal(t, "cancelled", cancelled["task"].(map[string]interface{})["status"])

	done := rig.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/maybe-complete", rootID), nil, true)
	assert.Equal(t, "completed", done["task"].(map[string]interface{})["status"])
}

func TestCancelIncludeRunningOverHTTP(t *testing.T) {
	rig := newServerRig(t)
	rig.registerWorker(t, "worker-1")

	created := rig.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type": "epic",
	}, true)
	rootID := int64(created["task"].(map[string]interface{})["id"].(float64))
	childBody := rig.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type": "build",
		"parent_id": rootID,
	}, true)
	childID := int64(childBody["task"].(map[string]interface{})["id"].(float64))

	claimed := rig.do(t, http.MethodPost, "/api/tasks/claim", map[string]interface{}{
		"worker_id": "worker-1",
	}, false)
	require.Equal(t, float64(childID), claimed["task"].(map[string]interface{})["id"])

	rig.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/cancel?include_running=true", rootID), nil, true)
	child := rig.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", childID), nil, false)
	assert.Equal(t, "cancelled", child["task"].(map[string]interface{})["status"])
}

func TestCreateTaskValidation(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.raw(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"payload": map[string]interface{}{"prompt": "no type"},
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), codeValidation)
}

func TestBulkCreateCap(t *testing.T) {
	rig := newServerRig(t)
	tasks := make([]map[string]interface{}, 101)
	for i := range tasks {
		tasks[i] = map[string]interface{}{"task_type": "build"}
	}
	rec := rig.raw(t, http.MethodPost, "/api/tasks/bulk/create",
		map[string]interface{}{"tasks": tasks}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), codeValidation)
}

func TestMissingTaskIs404(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.raw(t, http.MethodGet, "/api/tasks/999999", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), codeNotFound)
}

func TestCSRFEnforcedOnMutations(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.raw(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type": "build",
	}, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), codeCSRFInvalid)
	assert.Contains(t, rec.Body.String(), "CSRF validation failed")
	assert.Contains(t, rec.Body.String(), "CSRF token missing")

	// Reads never need a token.
	list := rig.raw(t, http.MethodGet, "/api/tasks", nil, false)
	assert.Equal(t, http.StatusOK, list.Code)

	// A bogus token is rejected the same way.
	req := httptest.NewRequest(http.MethodPost, "/api/tasks",
		strings.NewReader(`{"task_type":"build"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrfHeader, "forged")
	bogus := httptest.NewRecorder()
	rig.srv.Router().ServeHTTP(bogus, req)
	assert.Equal(t, http.StatusForbidden, bogus.Code)
}

func TestCSRFTokenInJSONBody(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.raw(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"task_type":  "build",
		"csrf_token": rig.token,
	}, false)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSessionsUnavailableWithoutDispatcher(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.raw(t, http.MethodGet, "/api/sessions", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreatePatternEndpoint(t *testing.T) {
	rig := newServerRig(t)

	created := rig.do(t, http.MethodPost, "/api/patterns", map[string]interface{}{
		"pattern_name": "trust_prompt",
		"tool_name":    "claude",
		"pattern":      `Do you trust the files in this folder\?`,
		"action":       "send_key:1",
	}, true)
	require.Equal(t, true, created["success"])

	rec := rig.raw(t, http.MethodPost, "/api/patterns", map[string]interface{}{
		"pattern_name": "broken",
		"pattern":      `([unclosed`,
		"action":       "skip",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	listed := rig.do(t, http.MethodGet, "/api/patterns?tool_name=claude", nil, false)
	assert.Equal(t, float64(1), listed["count"])
}

func TestTemplateInstantiateOverHTTP(t *testing.T) {
	rig := newServerRig(t)

	created := rig.do(t, http.MethodPost, "/api/templates", map[string]interface{}{
		"name":      "review",
		"task_type": "code_review",
		"payload":   map[string]interface{}{"prompt": "review PR ${pr_number}"},
	}, true)
	tplID := created["template"].(map[string]interface{})["id"].(string)

	vars := rig.do(t, http.MethodGet, "/api/templates/"+tplID+"/variables", nil, false)
	assert.Equal(t, []interface{}{"pr_number"}, vars["variables"])

	task := rig.do(t, http.MethodPost, "/api/templates/"+tplID+"/instantiate",
		map[string]interface{}{"variables": map[string]string{"pr_number": "42"}}, true)
	payload := task["task"].(map[string]interface{})["payload"].(map[string]interface{})
	assert.Equal(t, "review PR 42", payload["prompt"])
}

// collectRefs walks the document gathering every $ref value.
func collectRefs(node interface{}, out *[]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, item := range v {
			if key == "$ref" {
				if s, isString := item.(string); isString {
					*out = append(*out, s)
				}
				continue
			}
			collectRefs(item, out)
		}
	case []interface{}:
		for _, item := range v {
			collectRefs(item, out)
		}
	}
}

func TestOpenAPIDocRefsResolve(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.raw(t, http.MethodGet, "/api/openapi.yaml", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])

	schemas := doc["components"].(map[string]interface{})["schemas"].(map[string]interface{})
	for _, name := range []string{"Project", "Milestone", "Feature", "Bug", "Task", "Error", "Node", "Success"} {
		assert.Contains(t, schemas, name)
	}

	var refs []string
	collectRefs(doc, &refs)
	require.NotEmpty(t, refs)
	for _, ref := range refs {
		name := strings.TrimPrefix(ref, "#/components/schemas/")
		assert.Contains(t, schemas, name, "unresolved $ref %s", ref)
	}
}
