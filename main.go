package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/btli/remote-dev-sub002/internal/auth"
	"github.com/btli/remote-dev-sub002/internal/config"
	"github.com/btli/remote-dev-sub002/internal/database"
	"github.com/btli/remote-dev-sub002/internal/gateway"
	"github.com/btli/remote-dev-sub002/internal/handlers"
	"github.com/btli/remote-dev-sub002/internal/logging"
	"github.com/btli/remote-dev-sub002/internal/middleware"
	"github.com/btli/remote-dev-sub002/internal/scheduler"
	"github.com/btli/remote-dev-sub002/internal/session"
	"github.com/btli/remote-dev-sub002/internal/tmux"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	tokens, err := initTokenVerifier()
	if err != nil {
		log.Fatalf("Token verifier init: %v", err)
	}

	tmuxClient := tmux.NewClient(&tmux.RealExec{}, config.Cfg.TmuxBin)
	if !tmuxClient.Available() {
		// The process still serves; sessions just cannot be created
		// until tmux is installed.
		log.Printf("WARNING: tmux binary %q not found, terminal sessions will fail", config.Cfg.TmuxBin)
	}

	registry := session.NewRegistry()
	coalescer := session.NewCoalescer(tmuxClient)
	gw := gateway.New(registry, tmuxClient, coalescer, tokens, config.Cfg.DefaultScrollback)

	engine := scheduler.NewEngine(tmuxClient, dbRecorder{})
	orch := scheduler.NewOrchestrator(scheduler.DBStore{}, engine)
	if config.Cfg.SchedulerEnabled {
		if err := orch.Start(); err != nil {
			log.Printf("WARNING: scheduler start: %v", err)
		}
	}

	control := &handlers.Control{
		Orchestrator: orch,
		Gateway:      gw,
		Preview:      tmuxClient,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health and the agent-exit hook are open; everything else under
	// /internal requires the control-plane bearer token.
	r.Get("/health", handlers.Health(orch))
	r.Post("/internal/agent-exit", control.AgentExit)

	r.Get("/terminal", gw.HandleTerminal)

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.RequireBearer(config.Cfg.ControlToken))

		r.Post("/scheduler/add", control.AddJob)
		r.Post("/scheduler/update", control.UpdateJob)
		r.Post("/scheduler/remove", control.RemoveJob)
		r.Post("/scheduler/pause", control.PauseJob)
		r.Post("/scheduler/resume", control.ResumeJob)
		r.Post("/scheduler/remove-session", control.RemoveSessionJobs)
		r.Get("/scheduler/status", control.SchedulerStatus)
		r.Get("/sessions/{tmuxName}/preview", control.SessionPreview)
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

	orch.Stop()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// initTokenVerifier loads the configured fernet key, or generates one and
// persists it as a setting so restarts keep accepting issued tokens.
func initTokenVerifier() (*auth.TokenVerifier, error) {
	key := config.Cfg.FernetKey
	if key == "" {
		stored, err := database.GetSetting("fernet_key")
		if err == nil && stored != "" {
			key = stored
		} else {
			key, err = auth.GenerateKey()
			if err != nil {
				return nil, err
			}
			if err := database.SetSetting("fernet_key", key); err != nil {
				return nil, err
			}
			log.Printf("Generated new handshake token key")
		}
	}
	return auth.NewTokenVerifier(key)
}

// dbRecorder writes execution outcomes through the database package.
type dbRecorder struct{}

func (dbRecorder) RecordExecution(exec *database.ScheduleExecution, commands []database.CommandExecution) error {
	return database.RecordExecution(exec, commands)
}

func (dbRecorder) UpdateScheduleRun(id uint, status string, ranAt time.Time, nextRun *time.Time, markCompleted bool) error {
	return database.UpdateScheduleRun(id, status, ranAt, nextRun, markCompleted)
}
