package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/playstake/backend/internal/api"
	"github.com/playstake/backend/internal/config"
	"github.com/playstake/backend/internal/database"
	"github.com/playstake/backend/internal/match"
	"github.com/playstake/backend/internal/migrations"
	"github.com/playstake/backend/internal/redis"
	"github.com/playstake/backend/internal/session"
	"github.com/playstake/backend/internal/store"
	"github.com/playstake/backend/internal/wallet"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg := config.Load()

	// Initialize storage. Without a DATABASE_URL the server runs on the
	// in-memory store, which is only acceptable outside production.
	var st store.Store
	if os.Getenv("DATABASE_URL") == "" && cfg.Environment != "production" {
		log.Println("[DB] DATABASE_URL not set - using in-memory store (development only)")
		st = store.NewMemory()
	} else {
		db, err := database.Connect(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		// Run migrations on start if requested
		if os.Getenv("MIGRATE_ON_START") == "true" {
			log.Println("↗ Running DB migrations on startup...")
			if err := migrations.RunMigrations(cfg.DatabaseURL); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
		}

		st = store.NewSQLStore(db)
	}

	// Initialize Redis (optional: single-instance deployments can run without it)
	var rdb *goredis.Client
	if os.Getenv("REDIS_URL") != "" {
		var err error
		rdb, err = redis.Connect(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	} else {
		log.Println("[REDIS] REDIS_URL not set - events will be delivered in-process only")
	}

	// Initialize wallet gateway (mock mode when not configured)
	var gateway wallet.Gateway
	if client := wallet.NewClient(cfg); client != nil {
		gateway = client
		log.Printf("[WALLET] Gateway client initialized (base=%s)", cfg.WalletBaseURL)
	} else {
		gateway = wallet.Mock{}
		log.Println("[WALLET] Gateway not configured - wallet operations will use mock mode")
	}

	// Wire the realtime layer
	hub := session.NewHub(st)

	var bridge *session.EventBridge
	if rdb != nil {
		bridge = session.NewEventBridge(rdb, hub)
		go bridge.Start(context.Background())
	}

	coordinator := session.NewCoordinator(st, gateway, hub, bridge, rdb, cfg)
	coordinator.StartWorkers(context.Background())

	svc := match.NewService(st, gateway, cfg)

	// Set up Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Initialize API handlers
	api.SetupRoutes(router, svc, hub, coordinator, st, cfg)

	// Start server
	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting PlayStake server on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
