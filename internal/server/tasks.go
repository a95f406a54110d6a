package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "validation failed", codeValidation, "id must be an integer")
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, "validation failed", codeValidation, err.Error())
		return false
	}
	return true
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.deps.Queue.Submit(c.Request.Context(), &req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"task": task})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var parentID *int64
	if raw := c.Query("parent_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			parentID = &id
		}
	}
	filter := storage.TaskFilter{
		Status:   v1.TaskStatus(c.Query("status")),
		TaskType: c.Query("task_type"),
		BatchID:  c.Query("batch_id"),
		SprintID: c.Query("sprint_id"),
		Worker:   c.Query("worker"),
		ParentID: parentID,
		Limit:    queryInt(c, "limit", 100),
		Offset:   queryInt(c, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		fail(c, http.StatusBadRequest, "validation failed", codeValidation,
			"unknown status "+string(filter.Status))
		return
	}
	tasks, err := s.deps.Queue.List(filter)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskStats(c *gin.Context) {
	stats, err := s.deps.Queue.Stats()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"stats": stats})
}

// handleTaskBoard groups non-archived tasks by status for kanban-style
// rendering.
func (s *Server) handleTaskBoard(c *gin.Context) {
	tasks, err := s.deps.Queue.List(storage.TaskFilter{Limit: queryInt(c, "limit", 500)})
	if err != nil {
		failErr(c, err)
		return
	}
	board := map[v1.TaskStatus][]*v1.Task{}
	for _, t := range tasks {
		board[t.Status] = append(board[t.Status], t)
	}
	ok(c, http.StatusOK, gin.H{"board": board})
}

func (s *Server) handleListArchived(c *gin.Context) {
	tasks, err := s.deps.Store.ListArchived(queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleClaimTask(c *gin.Context) {
	var req v1.ClaimRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.deps.Queue.Claim(c.Request.Context(), &req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	task, err := s.deps.Queue.Get(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	force := c.Query("force") == "true"
	if err := s.deps.Queue.Delete(id, force); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req v1.CompleteTaskRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.deps.Queue.Complete(c.Request.Context(), id, &req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleFailTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req v1.FailTaskRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.deps.Queue.Fail(c.Request.Context(), id, &req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleReleaseTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req struct {
		WorkerID string `json:"worker_id" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.deps.Queue.Release(c.Request.Context(), id, req.WorkerID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	includeRunning := c.Query("include_running") == "true"
	task, err := s.deps.Queue.Cancel(c.Request.Context(), id, includeRunning)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

// handleMaybeComplete asks the queue to close a container task whose subtree
// has finished. The response carries the task either way; callers inspect the
// status to see whether the guard held.
func (s *Server) handleMaybeComplete(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	task, err := s.deps.Queue.MaybeComplete(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleRetryTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	reset := c.Query("reset_retries") == "true"
	task, err := s.deps.Queue.Retry(c.Request.Context(), id, reset)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleSetPriority(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req struct {
		Priority  int  `json:"priority"`
		Increment bool `json:"increment"`
	}
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.deps.Queue.SetPriority(c.Request.Context(), id, req.Priority, req.Increment)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleGetChildren(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	children, err := s.deps.Store.GetChildren(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"tasks": children, "count": len(children)})
}

func (s *Server) handleGetSubtree(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	tasks, err := s.deps.Store.GetSubtree(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleConvertTask(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req struct {
		TargetKind  string `json:"target_kind" binding:"required,max=32"`
		TargetID    string `json:"target_id" binding:"required,max=128"`
		ConvertedBy string `json:"converted_by,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	conv, err := s.deps.Store.ConvertTask(id, req.TargetKind, req.TargetID, req.ConvertedBy)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"conversion": conv})
}

func (s *Server) handleListConversions(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	convs, err := s.deps.Store.ListConversions(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"conversions": convs})
}

func (s *Server) handleAssignSprint(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req struct {
		SprintID string `json:"sprint_id" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := s.deps.Store.AssignSprint(id, req.SprintID); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task_id": id, "sprint_id": req.SprintID})
}

func (s *Server) handleBulkCreate(c *gin.Context) {
	var req v1.BulkCreateRequest
	if !bindJSON(c, &req) {
		return
	}
	results, err := s.deps.Queue.BulkSubmit(c.Request.Context(), &req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleBulkStatus(c *gin.Context) {
	var req v1.BulkStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	ok(c, http.StatusOK, gin.H{"results": s.deps.Queue.BulkStatus(c.Request.Context(), &req)})
}

func (s *Server) handleBulkDelete(c *gin.Context) {
	var req v1.BulkDeleteRequest
	if !bindJSON(c, &req) {
		return
	}
	ok(c, http.StatusOK, gin.H{"results": s.deps.Queue.BulkDelete(&req)})
}

func (s *Server) handleBulkRetry(c *gin.Context) {
	var req v1.BulkRetryRequest
	if !bindJSON(c, &req) {
		return
	}
	ok(c, http.StatusOK, gin.H{"results": s.deps.Queue.BulkRetry(c.Request.Context(), &req)})
}

func (s *Server) handleBulkPrioritize(c *gin.Context) {
	var req v1.BulkPrioritizeRequest
	if !bindJSON(c, &req) {
		return
	}
	ok(c, http.StatusOK, gin.H{"results": s.deps.Queue.BulkPrioritize(c.Request.Context(), &req)})
}
