package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/frame-relay/internal/blob"
	"github.com/taskmgr818/frame-relay/internal/bus"
	"github.com/taskmgr818/frame-relay/internal/config"
	"github.com/taskmgr818/frame-relay/internal/handler"
	"github.com/taskmgr818/frame-relay/internal/logging"
	"github.com/taskmgr818/frame-relay/internal/middleware"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"github.com/taskmgr818/frame-relay/internal/scorer"
	"github.com/taskmgr818/frame-relay/internal/service"
	"github.com/taskmgr818/frame-relay/internal/session"
	"github.com/taskmgr818/frame-relay/internal/store"
	"github.com/taskmgr818/frame-relay/internal/worker"
	"github.com/taskmgr818/frame-relay/internal/ws"
	"go.uber.org/zap"
)

func main() {
	// ── Configuration ──
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ──
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// ── SQL Store ──
	dbDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
	st, err := store.Open(dbDSN, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to init store", zap.Error(err))
	}
	logger.Info("database initialised",
		zap.String("host", cfg.DBHost), zap.String("port", cfg.DBPort), zap.String("db", cfg.DBName))

	// ── Blob Store ──
	blobs, err := blob.NewSQLiteStore(cfg.BlobPath)
	if err != nil {
		logger.Fatal("failed to open blob store", zap.String("path", cfg.BlobPath), zap.Error(err))
	}

	// ── Queue & Bus ──
	q := queue.New(rdb, logger.Named("queue"),
		queue.WithStallInterval(cfg.StallInterval),
		queue.WithMaxStalls(cfg.MaxStalls),
	)
	b := bus.New(rdb, logger.Named("bus"))

	// ── Sessions ──
	sessions := session.NewRegistry(
		session.OnStarted(func(s session.Stats) { st.LogSessionStarted(s.SessionID, s.CreatedAt) }),
		session.OnEnded(func(s session.Stats) {
			st.LogSessionEnded(s.SessionID, s.LastSeen, s.FrameCount, s.ResultCount)
		}),
	)

	// ── Services ──
	frames := service.NewFrameService(blobs, q, st, sessions, int64(cfg.MaxFrameBytes), cfg.PublicBaseURL, logger.Named("frames"))
	manager := ws.NewManager(sessions, frames, logger.Named("ws"), ws.WithMaxFrameBytes(int64(cfg.MaxFrameBytes)))

	// readiness depends on receiving fan-out from every process
	if err := b.Subscribe(ctx, manager.HandleBusEvent); err != nil {
		logger.Fatal("failed to subscribe to result bus", zap.Error(err))
	}
	go manager.StartHeartbeat(ctx, cfg.HeartbeatInterval)

	// ── In-process Workers ──
	workersDone := make(chan struct{})
	if cfg.RunWorkers {
		inference := worker.NewInferenceHandler(newScorer(cfg.ScorerURL, cfg.ScorerTimeout, logger),
			cfg.ScorerModels, st, b, cfg.PublicBaseURL, logger.Named("inference"))
		pipeline := worker.NewPipeline(q, st, inference, cfg.QueueSweepInterval, logger.Named("worker"),
			worker.WithConcurrency(cfg.WorkerConcurrency),
			worker.WithRateLimit(cfg.WorkerRateLimit),
		)
		go func() {
			defer close(workersDone)
			if err := pipeline.Run(ctx); err != nil {
				logger.Error("worker pipeline stopped", zap.Error(err))
			}
		}()
	} else {
		close(workersDone)
	}

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(logger.Named("http")))

	h := handler.NewHandler(manager, frames, q, b, logger)
	h.RegisterRoutes(r)

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// clients get the shutdown notice before the listener goes away
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connections did not close in time", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}

	cancel()
	<-workersDone

	if err := st.Close(); err != nil {
		logger.Warn("store close", zap.Error(err))
	}
	if err := blobs.Close(); err != nil {
		logger.Warn("blob store close", zap.Error(err))
	}
	rdb.Close()
	logger.Info("server exited cleanly")
}

func newScorer(url string, timeout time.Duration, logger *zap.Logger) scorer.Scorer {
	if url == "" {
		logger.Info("no scorer url configured, using static scorer")
		return scorer.StaticScorer{}
	}
	logger.Info("using http scorer", zap.String("url", url))
	return scorer.NewHTTPScorer(url, timeout)
}
