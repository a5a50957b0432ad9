package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deskline/backend/internal/api"
	"github.com/deskline/backend/internal/auth"
	"github.com/deskline/backend/internal/chat"
	"github.com/deskline/backend/internal/config"
	"github.com/deskline/backend/internal/metrics"
	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/responder"
	"github.com/deskline/backend/internal/storage"
	"github.com/deskline/backend/internal/ticker"
	"github.com/deskline/backend/internal/websocket"
	"github.com/deskline/backend/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Msg("starting deskline backend server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create the conversation store
	storeCfg := storage.LoadConfig()
	store, err := storage.New(ctx, storeCfg, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}

	// Presence and queue state
	registry := presence.NewRegistry()
	queue := chat.NewWaitingQueue()

	// WebSocket hub
	hub := websocket.NewHub(log.With().Str("component", "hub").Logger())

	// Routing engine and message router
	engine := chat.NewEngine(registry, queue, store, hub, log.Logger)
	msgRouter := chat.NewRouter(registry, store, responder.Default(), hub, log.Logger)

	// WebSocket gateway (wires hub disconnects into the engine)
	gateway := websocket.NewGateway(hub, engine, msgRouter, registry, queue, store, cfg, log.With().Str("component", "gateway").Logger())
	go hub.Run()

	// Periodic availability broadcast
	tickerService := ticker.NewTicker(hub, registry, cfg.AvailabilityInterval, log.With().Str("component", "ticker").Logger())
	go tickerService.Start(ctx)

	// REST handlers
	conversations := api.NewConversationHandler(store, log.Logger)
	directory := api.NewDirectoryHandler(registry, queue, log.Logger)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Get("/metrics", metrics.Get().Handler())

	// Customer widget routes stay anonymous
	r.Get("/ws/customer", gateway.ServeCustomer)
	r.Post("/api/customers", directory.CreateCustomer)
	r.Get("/api/customers/{customerId}/conversations", conversations.ByCustomer)
	r.Post("/api/conversations/{conversationId}/feedback", conversations.Feedback)

	// Console routes require a valid token
	verifier := auth.NewVerifier(log.Logger)
	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		r.Get("/ws/agent", gateway.ServeAgent)
		r.Get("/api/conversations", conversations.List)
		r.Get("/api/conversations/{conversationId}", conversations.Get)
		r.Post("/api/conversations/{conversationId}/read", conversations.MarkRead)
		r.Get("/api/agents", directory.GetAgents)
		r.Get("/api/agents/{agentId}/conversations", conversations.ByAgent)
		r.Get("/api/waiting", directory.GetWaiting)
		r.Get("/api/stats", directory.GetStats)
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop background services
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	if pg, ok := store.(*storage.PostgresStore); ok {
		pg.Close()
	}

	log.Info().Msg("server stopped")
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"deskline-backend"}`)
}
