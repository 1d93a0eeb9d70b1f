// Customer-service message relay server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/kefu-relay/internal/api"
	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/auth"
	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/config"
	"github.com/ashureev/kefu-relay/internal/middleware"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/protocol"
	"github.com/ashureev/kefu-relay/internal/registry"
	"github.com/ashureev/kefu-relay/internal/router"
	"github.com/ashureev/kefu-relay/internal/store"
	"github.com/ashureev/kefu-relay/internal/workers"
	"github.com/ashureev/kefu-relay/internal/ws"
)

// drainTimeout bounds how long a graceful shutdown waits for outbound
// buffers to flush after the shutdown broadcast, before the listener and
// its live connections are closed (spec.md §4.9, T_drain default 10s).
const drainTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting server", "port", cfg.Server.Port, "dev", cfg.Server.IsDevelopment())

	repo, err := store.NewSQLite(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", cfg.Database.Path)

	cacheSvc := newCache(cfg)

	presenceTracker := presence.NewTracker(cacheSvc)
	assignmentEngine := assignment.NewEngine(cacheSvc, presenceTracker, repo)
	authSvc := auth.NewService(repo, cacheSvc)
	reg := registry.NewRegistry(presenceTracker, assignmentEngine)
	rt := router.NewRouter(reg, presenceTracker, assignmentEngine, repo)
	wsHandler := ws.NewHandler(reg, rt, presenceTracker, authSvc, assignmentEngine, cfg.Server.AllowedOrigin, cfg.Server.IsDevelopment())

	poolCfg := workers.PoolConfig{DeadLetterWorkers: cfg.Workers.DeadLetterWorkers, HistoryWorkers: cfg.Workers.HistoryWorkers}
	sched := workers.NewScheduler(poolCfg, repo, presenceTracker, assignmentEngine, reg, rt)

	baseHandler := api.NewHandler(repo, authSvc, presenceTracker, assignmentEngine)
	healthHandler := &api.HealthHandler{Handler: baseHandler}
	authHandler := &api.AuthHandler{Handler: baseHandler}
	sessionsHandler := &api.SessionsHandler{Handler: baseHandler}
	kefuHandler := &api.KefuHandler{Handler: baseHandler}
	customerHandler := &api.CustomerHandler{Handler: baseHandler}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger())
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.Server.AllowedOrigin}))

	healthHandler.RegisterHealth(r)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", authHandler.RegisterRoutes)
		r.Route("/sessions", sessionsHandler.RegisterRoutes)
		r.Route("/kefu", kefuHandler.RegisterRoutes)
		r.Route("/customer", customerHandler.RegisterRoutes)
	})

	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // connections are long-lived WebSocket/SSE-like streams
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	slog.Info("scheduler started")

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	reg.Broadcast(protocol.NewSystem(protocol.LevelWarning, string(apperr.CodeShuttingDown), "server is shutting down"))
	slog.Info("shutdown notice broadcast, draining outbound buffers", "drain_timeout", drainTimeout)
	time.Sleep(drainTimeout)

	sched.Shutdown()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped successfully")
}

// newCache dials Redis when configured and reachable, falling back to the
// in-memory degraded mode otherwise, mirroring the teacher's
// ping-then-fall-back startup sequence for the database connection.
func newCache(cfg *config.Config) cache.Service {
	if cfg.Redis.Addr == "" {
		slog.Info("no redis address configured, using in-memory cache")
		return cache.NewMemoryCache()
	}

	redisCache := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if !redisCache.Healthy() {
		slog.Warn("redis unreachable, falling back to in-memory cache", "addr", cfg.Redis.Addr)
		_ = redisCache.Close()
		return cache.NewMemoryCache()
	}
	slog.Info("redis connected", "addr", cfg.Redis.Addr)
	return redisCache
}
