package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/frame-relay/internal/bus"
	"github.com/taskmgr818/frame-relay/internal/config"
	"github.com/taskmgr818/frame-relay/internal/logging"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"github.com/taskmgr818/frame-relay/internal/scorer"
	"github.com/taskmgr818/frame-relay/internal/store"
	"github.com/taskmgr818/frame-relay/internal/worker"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "worker.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("worker_id", cfg.Worker.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer rdb.Close()

	// Store
	st, err := store.Open(cfg.Database.DSN, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to init store", zap.Error(err))
	}
	defer st.Close()

	// Pipeline
	q := queue.New(rdb, logger.Named("queue"),
		queue.WithStallInterval(cfg.Queue.StallInterval),
		queue.WithMaxStalls(cfg.Queue.MaxStalls),
	)
	inference := worker.NewInferenceHandler(newScorer(cfg, logger), cfg.Scorer.Models, st,
		bus.New(rdb, logger.Named("bus")), cfg.Blob.BaseURL, logger.Named("inference"))
	pipeline := worker.NewPipeline(q, st, inference, cfg.Queue.SweepInterval, logger.Named("worker"),
		worker.WithConcurrency(cfg.Pool.Concurrency),
		worker.WithRateLimit(cfg.Pool.RateLimit),
	)

	var status *http.Server
	if cfg.Status.Enabled {
		status = newStatusServer(cfg.Status.Address, rdb)
		go func() {
			logger.Info("status endpoint listening", zap.String("addr", cfg.Status.Address))
			if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status endpoint", zap.Error(err))
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx) }()
	logger.Info("worker started",
		zap.Strings("models", cfg.Scorer.Models),
		zap.Int("concurrency", cfg.Pool.Concurrency),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutting down...")
	case err := <-done:
		logger.Error("pipeline exited", zap.Error(err))
	}

	cancel()
	<-done
	if status != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		status.Shutdown(shutdownCtx)
	}
	logger.Info("worker stopped")
}

func newScorer(cfg *config.WorkerConfig, logger *zap.Logger) scorer.Scorer {
	if cfg.Scorer.URL == "" {
		logger.Info("no scorer url configured, using static scorer")
		return scorer.StaticScorer{}
	}
	return scorer.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)
}

// newStatusServer exposes process metrics and a broker health check.
func newStatusServer(addr string, rdb *redis.Client) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
