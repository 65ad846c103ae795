package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/termlab/internal/catalog"
	"github.com/gluk-w/termlab/internal/config"
	"github.com/gluk-w/termlab/internal/container"
	"github.com/gluk-w/termlab/internal/database"
	"github.com/gluk-w/termlab/internal/handlers"
	"github.com/gluk-w/termlab/internal/logging"
	"github.com/gluk-w/termlab/internal/middleware"
	"github.com/gluk-w/termlab/internal/session"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	config.Load()
	logging.Init()

	if config.Cfg.JWTSecret == "" {
		log.Fatal("TERMLAB_JWT_SECRET must be set")
	}

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	n, err := catalog.Sync(config.Cfg.ChallengesPath)
	if err != nil {
		log.Fatalf("Catalog sync: %v", err)
	}
	log.Printf("Catalog synced: %d challenge(s)", n)

	ctx := context.Background()

	driver, err := container.NewDockerDriver(ctx)
	if err != nil {
		log.Fatalf("Container engine: %v", err)
	}
	log.Println("Container engine connected")

	containerMgr := container.NewManager(driver, catalog.NewStore(database.DB), catalog.HasSetup, container.ManagerConfig{
		ImageName:   config.Cfg.ImageName,
		MemoryBytes: config.Cfg.MemoryBytes(),
		NanoCPUs:    config.Cfg.NanoCPUs(),
		PidsLimit:   config.Cfg.PidsLimit,
		NetworkMode: config.Cfg.NetworkMode,
	})

	if err := containerMgr.EnsureImage(ctx); err != nil {
		log.Fatalf("Ensure base image: %v", err)
	}

	sessionMgr := session.NewManager(session.Config{
		IdleTimeout: config.Cfg.IdleTimeout,
		MaxDuration: config.Cfg.MaxSessionDuration,
		MaxPerUser:  config.Cfg.MaxSessionsPerUser,
		MaxTotal:    config.Cfg.MaxTotalSessions,
	})

	gateway := handlers.NewTerminalGateway(sessionMgr, containerMgr)
	sessionMgr.SetEndNotifier(gateway.CloseSession)

	cleanup := session.NewCleanupLoop(sessionMgr, containerMgr, config.Cfg.CleanupInterval)
	if err := cleanup.Start(ctx); err != nil {
		log.Fatalf("Cleanup loop: %v", err)
	}

	app := &handlers.App{
		Sessions:        sessionMgr,
		Containers:      containerMgr,
		Progress:        database.NewProgressStore(database.DB),
		Terminal:        gateway,
		EngineConnected: true,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", app.HealthCheck)

	// Terminal WebSocket authenticates via its token query parameter
	r.Get("/terminal", gateway.HandleTerminal)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", app.Register)
		r.Post("/auth/login", app.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Get("/auth/me", app.GetCurrentUser)

			r.Get("/challenges", app.ListChallenges)
			r.Get("/challenges/{id}", app.GetChallenge)
			r.Post("/challenges/{id}/favorite", app.AddFavorite)
			r.Delete("/challenges/{id}/favorite", app.RemoveFavorite)
			r.Get("/favorites", app.ListFavorites)
			r.Get("/leaderboard", app.Leaderboard)

			r.Post("/sessions/start", app.StartSession)
			r.Get("/sessions", app.ListSessions)
			r.Get("/sessions/{id}", app.GetSession)
			r.Post("/sessions/{id}/validate", app.ValidateSession)
			r.Delete("/sessions/{id}", app.EndSession)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Get("/admin/logs", app.ServerLogs)
			})
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	cleanup.Stop()
	gateway.CloseAll()
	time.Sleep(config.Cfg.DrainTimeout)

	// Best-effort container reclaim; nothing survives a restart anyway.
	for _, s := range sessionMgr.ListActive() {
		if err := containerMgr.Remove(shutdownCtx, s.ContainerID); err != nil {
			log.Printf("Shutdown: remove container for session %s: %v", s.ID, err)
		}
		sessionMgr.End(s.ID)
	}

	log.Println("Server stopped")
}
