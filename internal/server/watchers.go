package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func (s *Server) handleAddWatcher(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req v1.CreateWatchRequest
	if !bindJSON(c, &req) {
		return
	}
	watchType := req.WatchType
	if watchType == "" {
		watchType = v1.WatchAll
	}
	watch, err := s.deps.Store.UpsertWatch(req.UserID, id, watchType)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"watch": watch})
}

func (s *Server) handleListWatchers(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	watches, err := s.deps.Store.ListWatchers(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"watchers": watches, "count": len(watches)})
}

func (s *Server) handleRemoveWatcher(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := s.deps.Store.DeleteWatch(c.Param("user_id"), id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"task_id": id, "user_id": c.Param("user_id")})
}

func (s *Server) handleUserWatches(c *gin.Context) {
	watches, err := s.deps.Store.ListUserWatches(c.Param("user_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"watches": watches, "count": len(watches)})
}

func (s *Server) handleUserNotifications(c *gin.Context) {
	events, err := s.deps.Store.ListWatchEvents(c.Param("user_id"), queryInt(c, "limit", 50))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleGetWatchPreferences(c *gin.Context) {
	prefs, err := s.deps.Store.GetWatchPreferences(c.Param("user_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"preferences": prefs})
}

func (s *Server) handleSetWatchPreferences(c *gin.Context) {
	var prefs v1.WatchPreferences
	if !bindJSON(c, &prefs) {
		return
	}
	prefs.UserID = c.Param("user_id")
	if err := s.deps.Store.SetWatchPreferences(&prefs); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"preferences": prefs})
}
