// Package main initializes and runs the Segmenta control API service.
//
// It acts as the composition root: configuration, logging, PostgreSQL,
// Redis, the rule engine registry, and the HTTP servers are wired here
// and torn down gracefully on shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crewscope/segmenta/internal/analytics"
	"github.com/crewscope/segmenta/internal/cache"
	"github.com/crewscope/segmenta/internal/config"
	"github.com/crewscope/segmenta/internal/database"
	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/membership"
	"github.com/crewscope/segmenta/internal/observability"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/segmentapi"
	"github.com/crewscope/segmenta/internal/store"
)

const (
	// ruleCacheCapacity caps the in-process decoded-rule cache.
	ruleCacheCapacity = 10_000
	// ruleCacheTTL bounds staleness if an invalidation event is missed.
	ruleCacheTTL = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the service lifecycle.
func run() error {
	ctx := context.Background()

	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	// -------------------------------------------------------------------------
	// 2. Infrastructure Setup
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()
	log.Info("connected to postgres", slog.String("host", cfg.Database.Host))

	var cacheSvc cache.Service
	var checkers []observability.Checker
	checkers = append(checkers, database.NewHealthChecker(pool))

	if cfg.Redis.IsConfigured() {
		redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		cacheSvc = cache.NewRedisCacheWithClient(redisClient)
		defer cacheSvc.Close()
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
		log.Info("connected to redis", slog.String("addr", cfg.Redis.Address()))
	} else {
		log.Warn("redis not configured, update events disabled")
	}

	// -------------------------------------------------------------------------
	// 3. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)
	registry := ruleengine.DefaultRegistry()

	ruleCache, err := cache.NewRuleCache(ruleCacheCapacity, ruleCacheTTL)
	if err != nil {
		return fmt.Errorf("failed to create rule cache: %w", err)
	}
	defer ruleCache.Close()

	// Drop cached rule trees when another replica or the syncer announces
	// a segment change. The TTL covers missed events.
	if cacheSvc != nil {
		subCtx, subCancel := context.WithCancel(ctx)
		defer subCancel()
		go func() {
			if err := cacheSvc.Subscribe(subCtx, ruleCache.Del); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("segment update subscription ended", slog.String("error", err.Error()))
			}
		}()
	}

	membershipSvc := membership.NewService(log, registry, repo, repo, repo, repo, cacheSvc, ruleCache, membership.Config{
		BatchSize:   cfg.Syncer.BatchSize,
		Concurrency: cfg.Syncer.Concurrency,
	})
	analyticsSvc := analytics.NewService(log, registry, repo, repo, repo, repo, membershipSvc)

	skipAuth := cfg.App.Environment != config.EnvironmentProduction && cfg.API.APIKeyHash == ""
	api := segmentapi.NewAPIWithConfig(segmentapi.Deps{
		Segments:   repo,
		Members:    repo,
		Syncs:      repo,
		Registry:   registry,
		Membership: membershipSvc,
		Analytics:  analyticsSvc,
		Cache:      cacheSvc,
	}, cfg.API.APIKeyHash, skipAuth)

	// -------------------------------------------------------------------------
	// 4. Servers
	// -------------------------------------------------------------------------
	var obsServer *observability.Server
	if cfg.Observability.Enabled {
		obsServer = observability.NewServer(log, &cfg.Observability, checkers...)
		obsServer.Start()
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr(),
		Handler:      api.Router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting API server", slog.String("addr", httpServer.Addr))

		var serveErr error
		if cfg.API.TLSEnabled {
			serveErr = httpServer.ListenAndServeTLS(cfg.API.TLSCertFile, cfg.API.TLSKeyFile)
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server failed: %w", serveErr)
		}
	}()

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("api server shutdown failed", slog.String("error", err.Error()))
	}
	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("observability server shutdown failed", slog.String("error", err.Error()))
		}
	}

	log.Info("service exited")
	return nil
}
