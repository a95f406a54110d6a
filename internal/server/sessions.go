package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func (s *Server) handleRegisterWorker(c *gin.Context) {
	var req v1.RegisterWorkerRequest
	if !bindJSON(c, &req) {
		return
	}
	worker := &v1.Worker{
		WorkerID:   req.WorkerID,
		WorkerType: req.WorkerType,
		Status:     v1.WorkerStatusRunning,
		Capacity:   req.Capacity,
		Skills:     req.Skills,
		Weight:     req.Weight,
		RegionID:   req.RegionID,
	}
	if err := s.deps.Store.UpsertWorker(worker); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"worker": worker})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers, err := s.deps.Store.ListWorkers()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) handleWorkerHeartbeat(c *gin.Context) {
	var req struct {
		CurrentLoad       int `json:"current_load"`
		ActiveConnections int `json:"active_connections"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := s.deps.Store.TouchWorker(c.Param("id"), req.CurrentLoad, req.ActiveConnections); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"worker_id": c.Param("id")})
}

func (s *Server) handleRemoveWorker(c *gin.Context) {
	if err := s.deps.Store.RemoveWorker(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"removed": c.Param("id")})
}

func (s *Server) handleWorkerFailures(c *gin.Context) {
	failures, err := s.deps.Store.ListWorkerFailures(c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

func (s *Server) dispatcherAttached(c *gin.Context) bool {
	if s.deps.Dispatcher == nil {
		fail(c, http.StatusServiceUnavailable, "dispatcher not running", codeInternal,
			"this process does not host the session dispatcher")
		return false
	}
	return true
}

func (s *Server) handleRegisterSession(c *gin.Context) {
	if !s.dispatcherAttached(c) {
		return
	}
	var req v1.RegisterSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	s.deps.Dispatcher.RegisterSession(c.Request.Context(), &req)
	ok(c, http.StatusCreated, gin.H{"session_name": req.SessionName})
}

func (s *Server) handleListSessions(c *gin.Context) {
	if !s.dispatcherAttached(c) {
		return
	}
	sessions := s.deps.Dispatcher.Sessions()
	ok(c, http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleUnregisterSession(c *gin.Context) {
	if !s.dispatcherAttached(c) {
		return
	}
	s.deps.Dispatcher.UnregisterSession(c.Param("name"))
	ok(c, http.StatusOK, gin.H{"removed": c.Param("name")})
}
