package main

import (
	"github.com/gin-gonic/gin"
	"github.com/xcancloud/AngusInfra-sub001/internal/handlers"
	"github.com/xcancloud/AngusInfra-sub001/internal/middleware"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

// newRouter sets up all HTTP routes of the management API.
func newRouter(a *app) *gin.Engine {
	gin.SetMode(a.cfg.Server.Mode)
	r := gin.New()
	r.Use(logger.GinLogger("/health", "/metrics"), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(a.cfg.Server.CORSOrigins))

	health := handlers.NewHealthHandler(a.db, a.scheduler.NodeID(), a.taskQueue.IsAsync(), a.pool)
	r.GET("/health", health.CheckHealth)
	if a.cfg.Metrics.Enabled {
		r.GET("/metrics", handlers.Metrics(a.registry))
	}

	api := r.Group("/api", a.limiter.Middleware())
	secured := a.cfg.Server.JWTSecret != ""
	if secured {
		api.Use(middleware.AuthRequired())
	} else {
		logger.Warn().Msg("server.jwt_secret is empty, the management API is unauthenticated")
	}

	// Mutating routes require the operator role once a JWT secret is set.
	write := api.Group("")
	if secured {
		write.Use(middleware.OperatorRequired())
	}
	write.Use(middleware.AuditLog())

	jobHandler := handlers.NewJobHandler(a.jobService, a.taskQueue)
	{
		api.GET("/jobs", jobHandler.List)
		api.GET("/jobs/:id", jobHandler.GetByID)
		api.GET("/jobs/:id/history", jobHandler.History)
		api.GET("/jobs/:id/stats", jobHandler.Stats)
		api.GET("/jobs/:id/shards", jobHandler.Shards)
		api.GET("/jobs/:id/lock", jobHandler.Lock)
		api.GET("/executors", jobHandler.Executors)
		api.GET("/events", handlers.NewEventHandler(a.events).Stream)
		api.GET("/dashboard/stats", handlers.NewDashboardHandler(a.dashboard).GetStats)

		write.POST("/jobs", jobHandler.Create)
		write.POST("/jobs/:id/pause", jobHandler.Pause)
		write.POST("/jobs/:id/resume", jobHandler.Resume)
		write.POST("/jobs/:id/trigger", jobHandler.Trigger)
		write.DELETE("/jobs/:id", jobHandler.Delete)
		write.POST("/locks/sweep", jobHandler.SweepLocks)
	}

	return r
}
