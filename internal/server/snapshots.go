package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) snapshotsAttached(c *gin.Context) bool {
	if s.deps.Snapshots == nil {
		fail(c, http.StatusServiceUnavailable, "snapshot manager not available", codeInternal,
			"this process does not host the snapshot manager")
		return false
	}
	return true
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	if !s.snapshotsAttached(c) {
		return
	}
	var req struct {
		Description string `json:"description,omitempty"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	snap, err := s.deps.Snapshots.Create(c.Request.Context(), req.Description)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"snapshot": snap})
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	if !s.snapshotsAttached(c) {
		return
	}
	snaps, err := s.deps.Snapshots.List()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) handleSnapshotHistory(c *gin.Context) {
	if !s.snapshotsAttached(c) {
		return
	}
	history, err := s.deps.Snapshots.History()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"history": history})
}

func (s *Server) handleRestoreSnapshot(c *gin.Context) {
	if !s.snapshotsAttached(c) {
		return
	}
	if err := s.deps.Snapshots.Restore(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"restored": c.Param("id")})
}

func (s *Server) handlePruneSnapshots(c *gin.Context) {
	if !s.snapshotsAttached(c) {
		return
	}
	removed, err := s.deps.Snapshots.Prune()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"removed": removed})
}
