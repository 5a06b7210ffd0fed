// Package main is the entry point for the dialogue engine server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/config"
	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/internal/handler"
	"github.com/townsim-ai/dialogue-engine/internal/middleware"
	natsclient "github.com/townsim-ai/dialogue-engine/internal/nats"
	"github.com/townsim-ai/dialogue-engine/internal/orchestrator"
	"github.com/townsim-ai/dialogue-engine/internal/transport"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
	"github.com/townsim-ai/dialogue-engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting dialogue engine", zap.String("transport", cfg.TransportMode))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "dialogue-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Event bus shared by the engine, SSE feed and NATS mirror
	bus := events.NewBus(log)

	// Optional NATS mirror of the event feed
	var natsClient *natsclient.Client
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}

		bridge := natsclient.NewBridge(bus, streamManager, log)
		defer bridge.Close()
	}

	// Select the conversation transport
	var router transport.Router
	switch cfg.TransportMode {
	case "networked":
		networked, err := transport.DialNetworked(ctx, cfg.TransportURL, log)
		if err != nil {
			log.Error("failed to dial generation service", zap.Error(err))
			os.Exit(1)
		}
		defer networked.Close()
		router = networked
	default:
		router = transport.NewSimulated(log,
			transport.WithTypingInterval(cfg.TypingInterval),
			transport.WithMessagePause(cfg.MessagePause),
		)
	}

	// Initialize the engine
	engine := orchestrator.New(orchestrator.Config{
		MaxConcurrent:       cfg.MaxConcurrentConversations,
		MaxPerAgent:         cfg.MaxConversationsPerAgent,
		TickInterval:        cfg.TickInterval,
		ConversationTimeout: cfg.ConversationTimeout,
		RetentionWindow:     cfg.RetentionWindow,
		UserPriorityBoost:   cfg.UserPriorityBoost,
	}, router, bus, log)
	engine.Start()
	defer engine.Close()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	agentHandler := handler.NewAgentHandler(engine, log)
	conversationHandler := handler.NewConversationHandler(engine, log)
	eventHandler := handler.NewEventHandler(bus, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Post("/", agentHandler.Register)
			r.Get("/", agentHandler.List)
			r.Put("/", agentHandler.Sync)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", agentHandler.Get)
				r.Put("/", agentHandler.Update)
				r.Delete("/", agentHandler.Unregister)
			})
		})

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Request)
			r.Get("/", conversationHandler.List)
			r.Get("/stats", conversationHandler.Stats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Delete("/", conversationHandler.End)
				r.Post("/messages", conversationHandler.SendMessage)
			})
		})

		// Scheduling queue
		r.Get("/queue", conversationHandler.Queue)

		// Live event feed
		r.Get("/events", eventHandler.Stream)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
