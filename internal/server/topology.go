package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func (s *Server) handleCreateRegion(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required,max=128"`
	}
	if !bindJSON(c, &req) {
		return
	}
	region := &v1.Region{Name: req.Name}
	if err := s.deps.Store.CreateRegion(region); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"region": region})
}

func (s *Server) handleListRegions(c *gin.Context) {
	regions, err := s.deps.Store.ListRegions()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"regions": regions, "count": len(regions)})
}

func (s *Server) handleDeleteRegion(c *gin.Context) {
	if err := s.deps.Store.DeleteRegion(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleUpsertNode(c *gin.Context) {
	var req struct {
		ID       string `json:"id,omitempty"`
		RegionID string `json:"region_id,omitempty"`
		Hostname string `json:"hostname" binding:"required,max=255"`
		Status   string `json:"status,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	node := &v1.Node{
		ID:       req.ID,
		RegionID: req.RegionID,
		Hostname: req.Hostname,
		Status:   req.Status,
	}
	if err := s.deps.Store.UpsertNode(node); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"node": node})
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.deps.Store.ListNodes(c.Query("region_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleGetNode(c *gin.Context) {
	node, err := s.deps.Store.GetNode(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"node": node})
}

func (s *Server) handleDeleteNode(c *gin.Context) {
	if err := s.deps.Store.DeleteNode(c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}
