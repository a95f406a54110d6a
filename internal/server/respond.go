package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/queue"
	"github.com/devplane/devplane/internal/responder"
	"github.com/devplane/devplane/internal/rollback"
	"github.com/devplane/devplane/internal/storage"
)

// Machine-readable error codes in the failure envelope.
const (
	codeValidation   = "VALIDATION_ERROR"
	codeNotFound     = "NOT_FOUND"
	codeConflict     = "STATE_CONFLICT"
	codeLockTimeout  = "LOCK_TIMEOUT"
	codeQueueEmpty   = "QUEUE_EMPTY"
	codeCSRFInvalid  = "CSRF_INVALID"
	codeUnauthorized = "UNAUTHORIZED"
	codeInternal     = "INTERNAL_ERROR"
)

// ok writes the success envelope. Extra keys merge into the top level next
// to "success".
func ok(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(status, body)
}

// fail writes the failure envelope.
func fail(c *gin.Context, status int, human, code, detail string) {
	c.JSON(status, gin.H{
		"error":   human,
		"code":    code,
		"message": detail,
	})
}

// failErr maps a service error onto the right status and code.
func failErr(c *gin.Context, err error) {
	status, human, code := classify(err)
	fail(c, status, human, code, err.Error())
}

func classify(err error) (int, string, string) {
	switch {
	case isNotFound(err):
		return http.StatusNotFound, "not found", codeNotFound
	case errors.Is(err, storage.ErrStateConflict),
		errors.Is(err, storage.ErrTimerActive),
		errors.Is(err, storage.ErrHierarchyTooDeep):
		return http.StatusConflict, "state conflict", codeConflict
	case errors.Is(err, flock.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock timeout", codeLockTimeout
	case errors.Is(err, storage.ErrQueueEmpty):
		return http.StatusNotFound, "queue empty", codeQueueEmpty
	case errors.Is(err, queue.ErrValidation):
		return http.StatusBadRequest, "validation failed", codeValidation
	default:
		return http.StatusInternalServerError, "internal error", codeInternal
	}
}

func isNotFound(err error) bool {
	for _, target := range []error{
		storage.ErrTaskNotFound,
		storage.ErrTemplateNotFound,
		storage.ErrBatchNotFound,
		storage.ErrWebhookNotFound,
		storage.ErrWorkerNotFound,
		storage.ErrWatchNotFound,
		storage.ErrSprintNotFound,
		storage.ErrTimerNotFound,
		storage.ErrRegionNotFound,
		storage.ErrNodeNotFound,
		responder.ErrPatternNotFound,
		responder.ErrChangeNotFound,
		rollback.ErrSnapshotNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
