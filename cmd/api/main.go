package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"movie-catalog/internal/api"
	"movie-catalog/internal/cache"
	"movie-catalog/internal/catalog"
	"movie-catalog/internal/config"
	"movie-catalog/internal/database"
	"movie-catalog/internal/queue"
	"movie-catalog/internal/rating"
	"movie-catalog/internal/search"
	"movie-catalog/internal/stream"
	"movie-catalog/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "component", "api", "error", err)
		os.Exit(1)
	}

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "api", "error", err)
		os.Exit(1)
	}
	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), time.Minute)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		slog.Error("migration failed", "component", "api", "error", err)
		os.Exit(1)
	}

	rdb, err := cache.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", "component", "api", "error", err)
		os.Exit(1)
	}
	aggCache := cache.New(rdb, cfg.RatingCacheTTL)
	ratings := stream.New(rdb, stream.Options{
		Key:       cfg.RatingStreamKey,
		Group:     cfg.RatingConsumerGroup,
		Consumer:  cfg.RatingConsumerName + "-api",
		Block:     cfg.StreamBlockTimeout,
		BatchSize: cfg.StreamBatchSize,
		ClaimIdle: cfg.StreamClaimIdle,
		MaxLen:    cfg.StreamMaxLen,
	})

	publisher, err := queue.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	searchClient, err := search.New(search.Config{
		URL:      cfg.ElasticsearchURL,
		Username: cfg.ElasticsearchUsername,
		Password: cfg.ElasticsearchPassword,
		Index:    cfg.SearchIndex,
	})
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "api", "error", err)
		os.Exit(1)
	}

	// ── Services ───────────────────────────────────────────────────────────────

	dispatcher := worker.NewDispatcher(db, publisher)
	catalogSvc := catalog.NewService(db, searchClient, aggCache, time.Now)
	ratingSvc := rating.NewService(db, ratings)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Background: rating consumer + reconcile cron ───────────────────────────

	var bg sync.WaitGroup
	if cfg.RunRatingConsumer {
		recalc := worker.NewRecalculator(ratings, db, aggCache, searchClient)
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := recalc.Run(ctx); err != nil {
				slog.Error("rating consumer stopped", "component", "stream", "error", err)
			}
		}()
	}

	reconciler := worker.NewReconciler(db, searchClient, dispatcher, cfg.SyncBatchSize)
	cronScheduler, err := worker.StartCronJobs(reconciler, cfg.ReconcileSchedule)
	if err != nil {
		slog.Error("invalid cron schedule", "component", "api", "schedule", cfg.ReconcileSchedule, "error", err)
		os.Exit(1)
	}

	// ── HTTP server ────────────────────────────────────────────────────────────

	h := &api.Handler{
		Catalog: catalogSvc,
		Ratings: ratingSvc,
		Sync:    dispatcher,
		Jobs:    db,
		Health: map[string]api.HealthChecker{
			"postgres":      db,
			"elasticsearch": searchClient,
		},
		APIKey:               cfg.APISecret,
		KeyHeader:            cfg.APIKeyHeader,
		DefaultSyncBatchSize: cfg.SyncBatchSize,
	}

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api started", "component", "api", "port", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "api", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Shutdown order:
	//  1. Stop accepting HTTP requests; in-flight requests finish.
	//  2. Stop the cron scheduler and wait for a running check.
	//  3. Wait for the rating consumer to finish its batch (ctx is cancelled).
	//  4. Close infrastructure clients in reverse init order.

	<-ctx.Done()
	slog.Info("shutdown signal received", "component", "api")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "api", "error", err)
	}

	<-cronScheduler.Stop().Done()
	slog.Info("cron stopped", "component", "api")

	bg.Wait()

	publisher.Close()
	rdb.Close()
	db.Conn.Close()

	slog.Info("shutdown complete", "component", "api")
}
