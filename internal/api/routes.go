package api

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/playstake/backend/internal/api/handlers"
	"github.com/playstake/backend/internal/config"
	"github.com/playstake/backend/internal/match"
	"github.com/playstake/backend/internal/session"
	"github.com/playstake/backend/internal/store"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, svc *match.Service, hub *session.Hub, co *session.Coordinator, st store.Store, cfg *config.Config) {
	// CORS middleware for the web client
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	if cfg.Environment != "production" {
		router.Use(func(c *gin.Context) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			c.Next()
		})
		log.Println("[DEV MODE] No-cache headers enabled for all routes")
	}

	// API v1 group
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck)

		// Match lifecycle
		matches := v1.Group("/matches")
		{
			matches.POST("", handlers.CreateMatch(svc))
			matches.GET("", handlers.ListMatches(svc))
			matches.POST("/quick", handlers.QuickMatch(svc))
			matches.GET("/:id", handlers.GetMatch(st))
			matches.POST("/:id/join", handlers.JoinMatch(svc))
			matches.POST("/:id/leave", handlers.LeaveMatch(svc))
			matches.GET("/:id/audit", handlers.GetAuditLog(st))
		}

		// Realtime session endpoint
		v1.GET("/ws", handlers.HandleWebSocket(hub, co, st, cfg))
	}
}
