// Package main initializes and runs the Segmenta background syncer.
//
// The syncer periodically scans rule-based segments and recomputes their
// membership. Multiple replicas can run safely; the per-segment sync
// lease in PostgreSQL keeps evaluations exclusive.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crewscope/segmenta/internal/cache"
	"github.com/crewscope/segmenta/internal/config"
	"github.com/crewscope/segmenta/internal/database"
	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/membership"
	"github.com/crewscope/segmenta/internal/observability"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the worker lifecycle.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(&cfg.App).With(slog.String("component", "syncer"))
	slog.SetDefault(log)

	// -------------------------------------------------------------------------
	// 2. Infrastructure Setup
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	var cacheSvc cache.Service
	checkers := []observability.Checker{database.NewHealthChecker(pool)}

	if cfg.Redis.IsConfigured() {
		redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		cacheSvc = cache.NewRedisCacheWithClient(redisClient)
		defer cacheSvc.Close()
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
	} else {
		log.Warn("redis not configured, update events disabled")
	}

	// -------------------------------------------------------------------------
	// 3. Wiring
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)
	registry := ruleengine.DefaultRegistry()

	// The fingerprint check in the membership service keeps cached trees
	// honest across rule edits, so the syncer needs no subscription.
	ruleCache, err := cache.NewRuleCache(1_000, time.Hour)
	if err != nil {
		return fmt.Errorf("failed to create rule cache: %w", err)
	}
	defer ruleCache.Close()

	membershipSvc := membership.NewService(log, registry, repo, repo, repo, repo, cacheSvc, ruleCache, membership.Config{
		BatchSize:   cfg.Syncer.BatchSize,
		Concurrency: cfg.Syncer.Concurrency,
	})
	runner := membership.NewRunner(log, membershipSvc, cfg.Syncer.Interval, cfg.Syncer.RefreshInterval)

	var obsServer *observability.Server
	if cfg.Observability.Enabled {
		obsServer = observability.NewServer(log, &cfg.Observability, checkers...)
		obsServer.Start()
	}

	// -------------------------------------------------------------------------
	// 4. Run until signalled
	// -------------------------------------------------------------------------
	err = runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if obsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("observability server shutdown failed", slog.String("error", err.Error()))
		}
	}

	log.Info("worker exited")
	return nil
}
