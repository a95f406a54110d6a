package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func validEventKinds(kinds []string) (string, bool) {
	known := map[string]bool{v1.EventTest: true}
	for _, k := range v1.TaskEventKinds {
		known[k] = true
	}
	for _, k := range kinds {
		if !known[k] {
			return k, false
		}
	}
	return "", true
}

func (s *Server) handleCreateWebhook(c *gin.Context) {
	var req v1.CreateWebhookRequest
	if !bindJSON(c, &req) {
		return
	}
	if bad, valid := validEventKinds(req.Events); !valid {
		fail(c, http.StatusBadRequest, "validation failed", codeValidation,
			"unknown event kind "+bad)
		return
	}

	hook := &v1.Webhook{
		URL:            req.URL,
		Secret:         req.Secret,
		Events:         req.Events,
		TaskTypes:      req.TaskTypes,
		RetryCount:     3,
		TimeoutSeconds: 10,
		Enabled:        true,
	}
	if req.RetryCount != nil {
		hook.RetryCount = *req.RetryCount
	}
	if req.TimeoutSeconds != nil {
		hook.TimeoutSeconds = *req.TimeoutSeconds
	}
	if err := s.deps.Store.CreateWebhook(hook); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"webhook": hook})
}

func (s *Server) handleListWebhooks(c *gin.Context) {
	hooks, err := s.deps.Store.ListWebhooks()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"webhooks": hooks, "count": len(hooks)})
}

func (s *Server) handleGetWebhook(c *gin.Context) {
	hook, err := s.deps.Store.GetWebhook(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"webhook": hook})
}

func (s *Server) handleUpdateWebhook(c *gin.Context) {
	hook, err := s.deps.Store.GetWebhook(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}

	var req struct {
		URL            *string  `json:"url,omitempty"`
		Secret         *string  `json:"secret,omitempty"`
		Events         []string `json:"events,omitempty"`
		TaskTypes      []string `json:"task_types,omitempty"`
		RetryCount     *int     `json:"retry_count,omitempty"`
		TimeoutSeconds *int     `json:"timeout_seconds,omitempty"`
		Enabled        *bool    `json:"enabled,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.URL != nil {
		hook.URL = *req.URL
	}
	if req.Secret != nil {
		hook.Secret = *req.Secret
	}
	if req.Events != nil {
		if bad, valid := validEventKinds(req.Events); !valid {
			fail(c, http.StatusBadRequest, "validation failed", codeValidation,
				"unknown event kind "+bad)
			return
		}
		hook.Events = req.Events
	}
	if req.TaskTypes != nil {
		hook.TaskTypes = req.TaskTypes
	}
	if req.RetryCount != nil {
		hook.RetryCount = *req.RetryCount
	}
	if req.TimeoutSeconds != nil {
		hook.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}

	if err := s.deps.Store.UpdateWebhook(hook); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"webhook": hook})
}

func (s *Server) handleDeleteWebhook(c *gin.Context) {
	if err := s.deps.Store.DeleteWebhook(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleListDeliveries(c *gin.Context) {
	deliveries, err := s.deps.Store.ListDeliveries(c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deliveries": deliveries, "count": len(deliveries)})
}

func (s *Server) handleTestWebhook(c *gin.Context) {
	if s.deps.Webhooks == nil {
		fail(c, http.StatusServiceUnavailable, "webhook dispatcher not running", codeInternal,
			"this process does not host the webhook dispatcher")
		return
	}
	delivery, err := s.deps.Webhooks.SendTest(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"delivery": delivery})
}
