package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/rpattn/pfasync/internal/config"
	"github.com/rpattn/pfasync/internal/coordinator"
	"github.com/rpattn/pfasync/internal/db"
	"github.com/rpattn/pfasync/internal/export"
	"github.com/rpattn/pfasync/internal/middleware"
	"github.com/rpattn/pfasync/internal/reconciler"
	"github.com/rpattn/pfasync/internal/repository"
	"github.com/rpattn/pfasync/internal/server"
	"github.com/rpattn/pfasync/internal/session"
	"github.com/rpattn/pfasync/internal/stats"
	"github.com/rpattn/pfasync/internal/view"
)

func main() {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(cfg.Database, "./migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Create repositories
	mirrorRepo := repository.NewMirrorRepository(conn.Pool)
	ledgerRepo := repository.NewLedgerRepository(conn.Pool)
	auditRepo := repository.NewAuditRepository(conn.Pool)

	// Create session manager
	sessions, err := session.NewManager(cfg.RedisURL, cfg.SessionIdleTTL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer sessions.CloseClient()

	// Create coordinator and repair anything a previous crash left behind
	coord := coordinator.New(conn, mirrorRepo, ledgerRepo, auditRepo)
	if err := coord.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover interrupted commits: %v", err)
	}

	// Create reconciler fed by the push refresh endpoint
	source := reconciler.NewPushSource()
	recon := reconciler.New(mirrorRepo, ledgerRepo, source, coord, cfg.ReconcileInterval)
	go recon.Run(ctx)

	// Sweep idle drafts on the session TTL cadence
	go func() {
		ticker := time.NewTicker(cfg.SessionIdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := coord.GarbageCollect(ctx, time.Now().Add(-2*cfg.SessionIdleTTL))
				if err != nil {
					log.Printf("[GC] failed to sweep idle drafts: %v", err)
				} else if removed > 0 {
					log.Printf("[GC] removed %d idle draft(s)", removed)
				}
			}
		}
	}()

	// Create read-model and derived services
	viewCache, err := view.NewCache(0)
	if err != nil {
		log.Fatalf("Failed to create view cache: %v", err)
	}
	views := view.NewService(mirrorRepo, ledgerRepo, viewCache)
	statsSvc := stats.NewService(mirrorRepo, ledgerRepo)
	exportSvc := export.NewService(views)

	// Create HTTP handler
	apiHandler := server.NewHTTPHandler(sessions, views, coord, statsSvc, exportSvc, auditRepo, recon, source, server.Options{
		DefaultLimit: cfg.DefaultPageSize,
		MaxLimit:     cfg.MaxPageSize,
	})

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	http.Handle("/", corsHandler.Handler(middleware.LoggingMiddleware(apiHandler)))

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
