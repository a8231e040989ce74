package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classpulse-backend/internal/config"
	"classpulse-backend/internal/database"
	"classpulse-backend/internal/handlers"
	"classpulse-backend/internal/middleware"
	"classpulse-backend/internal/presence"
	"classpulse-backend/internal/repository"
	"classpulse-backend/internal/router"
	"classpulse-backend/internal/websocket"
	"classpulse-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting ClassPulse Telemetry...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	activityRepo := repository.NewActivityRepo(pool)

	// ──── Step 5: Start Presence Aggregator ────
	agg := presence.New(presence.Config{
		ViewingWindow:  cfg.ViewingWindow,
		IdleAfter:      cfg.IdleAfter,
		OfflineAfter:   cfg.OfflineAfter,
		ReevalInterval: cfg.ReevalInterval,
	})
	agg.Start()
	log.Println("✓ Presence aggregator started")

	// ──── Step 6: Start WebSocket Hub ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	wsHub := websocket.NewHub(agg, redisClients.PubSub, redisClients.Queue, jwtAuth, cfg.SnapshotInterval)
	wsHub.Start()
	log.Println("✓ WebSocket hub started")

	// ──── Step 7: Start Persistence Worker Pool ────
	workerPool := worker.NewPool(redisClients.Queue, activityRepo, cfg.WorkerCount)
	workerPool.Start()
	log.Printf("✓ Worker pool started (%d goroutines)", cfg.WorkerCount)

	// ──── Step 8: Start HTTP Server ────
	activityHandler := handlers.NewActivityHandler(wsHub, agg, activityRepo)

	r := router.New(jwtAuth, activityHandler, wsHub, cfg.FrontendURL)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		workerPool.Stop()
		wsHub.Stop()
		agg.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ ClassPulse Telemetry ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
