package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/parley-chat/parley/internal/v1/bus"
	"github.com/parley-chat/parley/internal/v1/chat"
	"github.com/parley-chat/parley/internal/v1/cluster"
	"github.com/parley-chat/parley/internal/v1/config"
	"github.com/parley-chat/parley/internal/v1/health"
	"github.com/parley-chat/parley/internal/v1/logging"
	"github.com/parley-chat/parley/internal/v1/middleware"
	"github.com/parley-chat/parley/internal/v1/ratelimit"
	"github.com/parley-chat/parley/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "chatd", cfg.NodeID, collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("✅ Tracing initialized", "collector", collectorAddr)
		}
	}

	// --- Coordinator Connection ---
	// The cluster cannot function without the coordinator: the name registry,
	// inter-node calls, and broadcast deliveries all ride on it.
	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("Failed to connect to Redis coordinator", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}

	registry, err := cluster.NewRegistry(context.Background(), busService, cfg.NodeID)
	if err != nil {
		slog.Error("Failed to start cluster registry", "error", err)
		os.Exit(1)
	}

	// --- Chat Hub ---
	hub := chat.NewHub(cfg.NodeID, busService, registry, cfg.CallTimeout)
	if err := hub.Start(context.Background()); err != nil {
		slog.Error("Failed to start hub", "error", err)
		os.Exit(1)
	}

	// --- Chat Listener (TCP) ---
	listener, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		slog.Error("Failed to bind chat listener", "error", err, "port", cfg.Port)
		os.Exit(1)
	}
	go func() {
		if err := chat.Serve(context.Background(), hub, listener); err != nil {
			slog.Error("Chat listener failed", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Admin HTTP Surface ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	allowedOrigins := cfg.AllowedOriginList()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("chatd"))

	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}
	router.Use(limiter.GlobalMiddleware())

	// Browser clients speak the same line protocol over a websocket.
	wsGroup := router.Group("/ws")
	{
		wsHandler := chat.WebsocketHandler(hub, allowedOrigins)
		wsGroup.GET("", func(c *gin.Context) {
			if !limiter.CheckWebSocket(c) {
				return
			}
			wsHandler(c)
		})
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/rooms", limiter.RoomsMiddleware(), chat.RoomsHandler(hub))
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.AdminPort,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Admin server starting", "port", cfg.AdminPort, "node", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run admin server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting chat clients, then close the live sessions.
	if err := listener.Close(); err != nil {
		slog.Error("Error closing chat listener:", "error", err)
	}
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	registry.Close()
	if err := busService.Close(); err != nil {
		slog.Error("Failed to close Redis connection:", "error", err)
	} else {
		slog.Info("Redis connection closed")
	}

	slog.Info("Server exiting")
}
