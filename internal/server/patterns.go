package server

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func (s *Server) patternsAttached(c *gin.Context) bool {
	if s.deps.Patterns == nil {
		fail(c, http.StatusServiceUnavailable, "pattern store not available", codeInternal,
			"this process does not host the prompt responder store")
		return false
	}
	return true
}

func (s *Server) handleCreatePattern(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	var req struct {
		PatternName         string  `json:"pattern_name" binding:"required,max=128"`
		ToolName            string  `json:"tool_name,omitempty"`
		Pattern             string  `json:"pattern" binding:"required"`
		PatternType         string  `json:"pattern_type,omitempty"`
		Action              string  `json:"action" binding:"required"`
		ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if _, err := regexp.Compile(req.Pattern); err != nil {
		fail(c, http.StatusBadRequest, "validation failed", codeValidation,
			"pattern is not a valid regular expression: "+err.Error())
		return
	}

	pattern, err := s.deps.Patterns.CreatePattern(&v1.PromptPattern{
		PatternName:         req.PatternName,
		ToolName:            req.ToolName,
		Pattern:             req.Pattern,
		PatternType:         v1.PatternType(req.PatternType),
		Action:              req.Action,
		ConfidenceThreshold: req.ConfidenceThreshold,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"pattern": pattern})
}

func (s *Server) handleListPatterns(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	patterns, err := s.deps.Patterns.ListPatterns(c.Query("tool_name"), c.Query("include_inactive") != "true")
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"patterns": patterns, "count": len(patterns)})
}

func (s *Server) handleGetPattern(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	pattern, err := s.deps.Patterns.GetPattern(id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"pattern": pattern})
}

func (s *Server) handleUpdatePattern(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	existing, err := s.deps.Patterns.GetPattern(id)
	if err != nil {
		failErr(c, err)
		return
	}

	var req struct {
		Pattern             *string  `json:"pattern,omitempty"`
		Action              *string  `json:"action,omitempty"`
		ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
		IsActive            *bool    `json:"is_active,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Pattern != nil {
		if _, err := regexp.Compile(*req.Pattern); err != nil {
			fail(c, http.StatusBadRequest, "validation failed", codeValidation,
				"pattern is not a valid regular expression: "+err.Error())
			return
		}
		existing.Pattern = *req.Pattern
	}
	if req.Action != nil {
		existing.Action = *req.Action
	}
	if req.ConfidenceThreshold != nil {
		existing.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}

	updated, err := s.deps.Patterns.UpdatePattern(id, existing)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"pattern": updated})
}

func (s *Server) handleDeactivatePattern(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := s.deps.Patterns.DeactivatePattern(id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deactivated": id})
}

func (s *Server) handlePatternOccurrences(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	occurrences, err := s.deps.Patterns.ListOccurrences(id, queryInt(c, "limit", 50))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"occurrences": occurrences, "count": len(occurrences)})
}

func (s *Server) handlePatternTrends(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	since := time.Now().UTC().Add(-time.Duration(queryInt(c, "hours", 24)) * time.Hour)
	trends, err := s.deps.Patterns.Trends(id, since)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"trends": trends, "count": len(trends)})
}

func (s *Server) handleListPatternChanges(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	changes, err := s.deps.Patterns.ListChanges(c.Query("include_acked") != "true", queryInt(c, "limit", 50))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"changes": changes, "count": len(changes)})
}

func (s *Server) handleAckPatternChange(c *gin.Context) {
	if !s.patternsAttached(c) {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := s.deps.Patterns.AcknowledgeChange(id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"acknowledged": id})
}
