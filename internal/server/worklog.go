package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func (s *Server) handleAddWorklog(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req v1.CreateWorklogRequest
	if !bindJSON(c, &req) {
		return
	}
	entry := &v1.WorklogEntry{
		TaskID:           id,
		UserID:           req.UserID,
		TimeSpentMinutes: req.TimeSpentMinutes,
		WorkDate:         req.WorkDate,
		WorkType:         req.WorkType,
		Billable:         req.Billable,
		Description:      req.Description,
	}
	if err := s.deps.Store.AddWorklog(entry); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"entry": entry})
}

func (s *Server) handleListWorklog(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	entries, err := s.deps.Store.ListWorklog(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDeleteWorklog(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := s.deps.Store.DeleteWorklog(id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleWorklogRollup(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	rollup, err := s.deps.Store.WorklogRollup(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"rollup": rollup})
}

func (s *Server) handleStartTimer(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req struct {
		UserID string `json:"user_id" binding:"required,max=128"`
	}
	if !bindJSON(c, &req) {
		return
	}
	timer, err := s.deps.Store.StartTimer(id, req.UserID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"timer": timer})
}

func (s *Server) handleStopTimer(c *gin.Context) {
	var req struct {
		UserID      string `json:"user_id" binding:"required,max=128"`
		Description string `json:"description,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	entry, err := s.deps.Store.StopTimer(req.UserID, req.Description)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"entry": entry})
}

// handleDiscardTimer drops the user's running timer without logging any time.
func (s *Server) handleDiscardTimer(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		fail(c, http.StatusBadRequest, "validation failed", codeValidation, "user_id is required")
		return
	}
	if err := s.deps.Store.DiscardTimer(userID); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"discarded": true, "user_id": userID})
}

func (s *Server) handleActiveTimer(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		fail(c, http.StatusBadRequest, "validation failed", codeValidation, "user_id is required")
		return
	}
	timer, err := s.deps.Store.ActiveTimer(userID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"timer": timer})
}

func (s *Server) handleCreateSprint(c *gin.Context) {
	var req v1.CreateSprintRequest
	if !bindJSON(c, &req) {
		return
	}
	sprint := &v1.Sprint{
		Name:      req.Name,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}
	if err := s.deps.Store.CreateSprint(sprint); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"sprint": sprint})
}

func (s *Server) handleListSprints(c *gin.Context) {
	sprints, err := s.deps.Store.ListSprints()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"sprints": sprints, "count": len(sprints)})
}

// handleGetSprint returns the sprint plus its tasks.
func (s *Server) handleGetSprint(c *gin.Context) {
	sprint, err := s.deps.Store.GetSprint(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	tasks, err := s.deps.Store.ListTasks(storage.TaskFilter{SprintID: sprint.ID})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"sprint": sprint, "tasks": tasks})
}

func (s *Server) handleSetSprintStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required,max=32"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := s.deps.Store.SetSprintStatus(c.Param("id"), req.Status); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"sprint_id": c.Param("id"), "status": req.Status})
}
