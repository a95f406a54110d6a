// Package server exposes the operator HTTP surface: task queue operations,
// templates and batches, worklog and sprints, watchers, webhooks, prompt
// patterns, topology, snapshots, and the notification websocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/httpmw"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/dispatcher"
	"github.com/devplane/devplane/internal/notify"
	"github.com/devplane/devplane/internal/queue"
	"github.com/devplane/devplane/internal/responder"
	"github.com/devplane/devplane/internal/rollback"
	"github.com/devplane/devplane/internal/storage"
	"github.com/devplane/devplane/internal/webhook"
)

// Deps carries the services the HTTP surface fronts. Patterns, Snapshots,
// Dispatcher, and Hub may be nil when the hosting process does not run that
// subsystem; their endpoints then return 503.
type Deps struct {
	Queue      *queue.Service
	Store      *storage.Store
	Webhooks   *webhook.Dispatcher
	Patterns   *responder.PatternStore
	Snapshots  *rollback.Manager
	Dispatcher *dispatcher.Service
	Hub        *notify.Hub
}

// Server is the operator API.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	csrf   *CSRFManager
	logger *logger.Logger

	router  *gin.Engine
	httpSrv *http.Server
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(cfg config.ServerConfig, auth config.AuthConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		csrf: NewCSRFManager(
			time.Duration(auth.CSRFTokenLifetime)*time.Second,
			time.Duration(auth.CSRFGraceWindow)*time.Second),
		logger: log,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(log, "devplane-api"))
	s.router.Use(httpmw.Tracing("devplane-api"))
	s.router.Use(CSRFMiddleware(s.csrf))
	s.setupRoutes()
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/csrf-token", s.handleCSRFToken)
	s.router.GET("/api/openapi.yaml", s.handleOpenAPISpec)
	s.router.GET("/api/docs", s.handleSwaggerUI)
	s.router.GET("/api/redoc", s.handleReDoc)

	if s.deps.Hub != nil {
		s.router.GET("/ws", s.deps.Hub.HandleConnection)
	}

	api := s.router.Group("/api")

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/stats", s.handleTaskStats)
		tasks.GET("/board", s.handleTaskBoard)
		tasks.GET("/archived", s.handleListArchived)
		tasks.POST("/claim", s.handleClaimTask)

		tasks.POST("/bulk/create", s.handleBulkCreate)
		tasks.POST("/bulk/update-status", s.handleBulkStatus)
		tasks.POST("/bulk/delete", s.handleBulkDelete)
		tasks.POST("/bulk/retry", s.handleBulkRetry)
		tasks.POST("/bulk/prioritize", s.handleBulkPrioritize)

		tasks.GET("/:id", s.handleGetTask)
		tasks.DELETE("/:id", s.handleDeleteTask)
		tasks.POST("/:id/complete", s.handleCompleteTask)
		tasks.POST("/:id/fail", s.handleFailTask)
		tasks.POST("/:id/release", s.handleReleaseTask)
		tasks.POST("/:id/cancel", s.handleCancelTask)
		tasks.POST("/:id/maybe-complete", s.handleMaybeComplete)
		tasks.POST("/:id/retry", s.handleRetryTask)
		tasks.POST("/:id/priority", s.handleSetPriority)
		tasks.GET("/:id/children", s.handleGetChildren)
		tasks.GET("/:id/subtree", s.handleGetSubtree)
		tasks.POST("/:id/convert", s.handleConvertTask)
		tasks.GET("/:id/conversions", s.handleListConversions)
		tasks.POST("/:id/sprint", s.handleAssignSprint)

		tasks.POST("/:id/worklog", s.handleAddWorklog)
		tasks.GET("/:id/worklog", s.handleListWorklog)
		tasks.GET("/:id/rollup", s.handleWorklogRollup)
		tasks.POST("/:id/timer/start", s.handleStartTimer)

		tasks.POST("/:id/watchers", s.handleAddWatcher)
		tasks.GET("/:id/watchers", s.handleListWatchers)
		tasks.DELETE("/:id/watchers/:user_id", s.handleRemoveWatcher)
	}

	api.DELETE("/worklog/:id", s.handleDeleteWorklog)
	api.POST("/timer/stop", s.handleStopTimer)
	api.GET("/timer", s.handleActiveTimer)
	api.DELETE("/timer", s.handleDiscardTimer)

	templates := api.Group("/templates")
	{
		templates.POST("", s.handleCreateTemplate)
		templates.GET("", s.handleListTemplates)
		templates.GET("/:id", s.handleGetTemplate)
		templates.PUT("/:id", s.handleUpdateTemplate)
		templates.DELETE("/:id", s.handleDeleteTemplate)
		templates.GET("/:id/variables", s.handleTemplateVariables)
		templates.POST("/:id/instantiate", s.handleInstantiateTemplate)
		templates.POST("/:id/batch", s.handleExpandBatch)
	}

	batches := api.Group("/batches")
	{
		batches.GET("", s.handleListBatches)
		batches.GET("/:id", s.handleGetBatch)
		batches.POST("/:id/cancel", s.handleCancelBatch)
	}

	sprints := api.Group("/sprints")
	{
		sprints.POST("", s.handleCreateSprint)
		sprints.GET("", s.handleListSprints)
		sprints.GET("/:id", s.handleGetSprint)
		sprints.POST("/:id/status", s.handleSetSprintStatus)
	}

	users := api.Group("/users/:user_id")
	{
		users.GET("/watches", s.handleUserWatches)
		users.GET("/notifications", s.handleUserNotifications)
		users.GET("/watch-preferences", s.handleGetWatchPreferences)
		users.PUT("/watch-preferences", s.handleSetWatchPreferences)
	}

	webhooks := api.Group("/webhooks")
	{
		webhooks.POST("", s.handleCreateWebhook)
		webhooks.GET("", s.handleListWebhooks)
		webhooks.GET("/:id", s.handleGetWebhook)
		webhooks.PUT("/:id", s.handleUpdateWebhook)
		webhooks.DELETE("/:id", s.handleDeleteWebhook)
		webhooks.GET("/:id/deliveries", s.handleListDeliveries)
		webhooks.POST("/:id/test", s.handleTestWebhook)
	}

	workers := api.Group("/workers")
	{
		workers.POST("/register", s.handleRegisterWorker)
		workers.GET("", s.handleListWorkers)
		workers.POST("/:id/heartbeat", s.handleWorkerHeartbeat)
		workers.DELETE("/:id", s.handleRemoveWorker)
		workers.GET("/:id/failures", s.handleWorkerFailures)
	}

	sessions := api.Group("/sessions")
	{
		sessions.POST("", s.handleRegisterSession)
		sessions.GET("", s.handleListSessions)
		sessions.DELETE("/:name", s.handleUnregisterSession)
	}

	patterns := api.Group("/patterns")
	{
		patterns.POST("", s.handleCreatePattern)
		patterns.GET("", s.handleListPatterns)
		patterns.GET("/:id", s.handleGetPattern)
		patterns.PUT("/:id", s.handleUpdatePattern)
		patterns.DELETE("/:id", s.handleDeactivatePattern)
		patterns.GET("/:id/occurrences", s.handlePatternOccurrences)
		patterns.GET("/:id/trends", s.handlePatternTrends)
	}
	api.GET("/pattern-changes", s.handleListPatternChanges)
	api.POST("/pattern-changes/:id/ack", s.handleAckPatternChange)

	regions := api.Group("/regions")
	{
		regions.POST("", s.handleCreateRegion)
		regions.GET("", s.handleListRegions)
		regions.DELETE("/:id", s.handleDeleteRegion)
	}
	nodes := api.Group("/nodes")
	{
		nodes.POST("", s.handleUpsertNode)
		nodes.GET("", s.handleListNodes)
		nodes.GET("/:id", s.handleGetNode)
		nodes.DELETE("/:id", s.handleDeleteNode)
	}

	snapshots := api.Group("/snapshots")
	{
		snapshots.POST("", s.handleCreateSnapshot)
		snapshots.GET("", s.handleListSnapshots)
		snapshots.GET("/history", s.handleSnapshotHistory)
		snapshots.POST("/prune", s.handlePruneSnapshots)
		snapshots.POST("/:id/restore", s.handleRestoreSnapshot)
	}
}

// Start begins serving and blocks until the listener fails or ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("api server shutting down")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.deps.Store.Ping(); err != nil {
		fail(c, http.StatusServiceUnavailable, "storage unavailable", codeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

func (s *Server) handleCSRFToken(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"csrf_token": s.csrf.Token()})
}
