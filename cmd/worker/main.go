package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"movie-catalog/internal/cache"
	"movie-catalog/internal/config"
	"movie-catalog/internal/database"
	"movie-catalog/internal/queue"
	"movie-catalog/internal/search"
	"movie-catalog/internal/stream"
	"movie-catalog/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "component", "worker", "error", err)
		os.Exit(1)
	}

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	searchClient, err := search.New(search.Config{
		URL:      cfg.ElasticsearchURL,
		Username: cfg.ElasticsearchUsername,
		Password: cfg.ElasticsearchPassword,
		Index:    cfg.SearchIndex,
	})
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}
	publisher, err := queue.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup index check ────────────────────────────────────────────────────
	//
	// A fresh index, or one whose document count differs from the store, gets
	// a full sync queued before the consumer starts.

	reconciler := worker.NewReconciler(db, searchClient, worker.NewDispatcher(db, publisher), cfg.SyncBatchSize)
	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	created, err := searchClient.EnsureIndex(startCtx)
	if err != nil {
		slog.Error("ensure index failed", "component", "worker", "error", err)
	} else if job, err := reconciler.Check(startCtx, created); err != nil {
		slog.Error("startup reconcile failed", "component", "worker", "error", err)
	} else if job != nil {
		slog.Info("startup sync queued", "component", "worker", "job_id", job.ID)
	}
	startCancel()

	// ── Run ────────────────────────────────────────────────────────────────────
	//
	// ctx is cancelled on SIGINT/SIGTERM; both loops return after their
	// current unit of work.

	var wg sync.WaitGroup

	var rdb interface{ Close() error }
	if cfg.RunRatingConsumer {
		client, err := cache.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Error("redis connect failed", "component", "worker", "error", err)
			os.Exit(1)
		}
		rdb = client
		ratings := stream.New(client, stream.Options{
			Key:       cfg.RatingStreamKey,
			Group:     cfg.RatingConsumerGroup,
			Consumer:  cfg.RatingConsumerName + "-worker",
			Block:     cfg.StreamBlockTimeout,
			BatchSize: cfg.StreamBatchSize,
			ClaimIdle: cfg.StreamClaimIdle,
			MaxLen:    cfg.StreamMaxLen,
		})
		recalc := worker.NewRecalculator(ratings, db, cache.New(client, cfg.RatingCacheTTL), searchClient)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recalc.Run(ctx); err != nil {
				slog.Error("rating consumer stopped", "component", "stream", "error", err)
			}
		}()
	}

	w := worker.New(db, worker.NewSyncer(db, searchClient), consumer)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", "component", "worker", "error", err)
		stop()
	}
	wg.Wait()

	// ── Graceful shutdown ──────────────────────────────────────────────────────

	consumer.Close()
	publisher.Close()
	if rdb != nil {
		rdb.Close()
	}
	db.Conn.Close()

	slog.Info("worker stopped", "component", "worker")
}
