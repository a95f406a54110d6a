package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devplane/devplane/internal/queue"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var req v1.CreateTemplateRequest
	if !bindJSON(c, &req) {
		return
	}
	tpl, err := s.deps.Queue.CreateTemplate(&req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"template": tpl})
}

func (s *Server) handleListTemplates(c *gin.Context) {
	tpls, err := s.deps.Queue.ListTemplates(c.Query("include_inactive") == "true")
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"templates": tpls, "count": len(tpls)})
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	tpl, err := s.deps.Queue.GetTemplate(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"template": tpl})
}

func (s *Server) handleUpdateTemplate(c *gin.Context) {
	tpl, err := s.deps.Queue.GetTemplate(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}

	var req struct {
		Name            *string                `json:"name,omitempty"`
		Description     *string                `json:"description,omitempty"`
		TaskType        *string                `json:"task_type,omitempty"`
		Payload         map[string]interface{} `json:"payload,omitempty"`
		DefaultPriority *int                   `json:"default_priority,omitempty"`
		MaxRetries      *int                   `json:"max_retries,omitempty"`
		TimeoutSeconds  *int                   `json:"timeout_seconds,omitempty"`
		IsActive        *bool                  `json:"is_active,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Name != nil {
		tpl.Name = *req.Name
	}
	if req.Description != nil {
		tpl.Description = *req.Description
	}
	if req.TaskType != nil {
		tpl.TaskType = *req.TaskType
	}
	if req.Payload != nil {
		tpl.Payload = req.Payload
	}
	if req.DefaultPriority != nil {
		tpl.DefaultPriority = *req.DefaultPriority
	}
	if req.MaxRetries != nil {
		tpl.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds != nil {
		tpl.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.IsActive != nil {
		tpl.IsActive = *req.IsActive
	}

	if err := s.deps.Queue.UpdateTemplate(tpl); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"template": tpl})
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	if err := s.deps.Queue.DeleteTemplate(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleTemplateVariables(c *gin.Context) {
	tpl, err := s.deps.Queue.GetTemplate(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"variables": queue.TemplateVariables(tpl.Payload)})
}

func (s *Server) handleInstantiateTemplate(c *gin.Context) {
	var req v1.InstantiateTemplateRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.deps.Queue.Instantiate(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"task": task})
}

func (s *Server) handleExpandBatch(c *gin.Context) {
	var req v1.ExpandBatchRequest
	if !bindJSON(c, &req) {
		return
	}
	batch, err := s.deps.Queue.ExpandBatch(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"batch": batch})
}

func (s *Server) handleListBatches(c *gin.Context) {
	batches, err := s.deps.Queue.ListBatches(queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

func (s *Server) handleGetBatch(c *gin.Context) {
	batch, err := s.deps.Queue.GetBatch(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"batch": batch})
}

func (s *Server) handleCancelBatch(c *gin.Context) {
	batch, err := s.deps.Queue.CancelBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"batch": batch})
}
