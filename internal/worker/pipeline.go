package worker

import (
	"context"
	"time"

	"github.com/taskmgr818/frame-relay/internal/model"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PipelineQueue is the queue surface the pipeline needs: the pool
// operations plus scheduling and stall recovery.
type PipelineQueue interface {
	JobQueue
	Enqueuer
	StartStallWatchdog(ctx context.Context, interval time.Duration, onFailed queue.StalledFunc, names ...string)
}

// PipelineStore persists frames and results.
type PipelineStore interface {
	FrameStore
	ResultStore
}

// Pipeline runs the ingest and inference pools against one queue, together
// with the stall watchdog for both queues.
type Pipeline struct {
	q             PipelineQueue
	ingest        *Pool
	inference     *Pool
	scorer        *InferenceHandler
	sweepInterval time.Duration
	logger        *zap.Logger
}

// NewPipeline builds both pools with the same pool options.
func NewPipeline(q PipelineQueue, st PipelineStore, inference *InferenceHandler, sweepInterval time.Duration, logger *zap.Logger, opts ...PoolOption) *Pipeline {
	return &Pipeline{
		q:             q,
		ingest:        NewPool(model.QueueIngest, q, NewIngestHandler(st, q, logger), logger, opts...),
		inference:     NewPool(model.QueueInference, q, inference, logger, opts...),
		scorer:        inference,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.ingest.Run(gctx) })
	g.Go(func() error { return p.inference.Run(gctx) })
	g.Go(func() error {
		p.q.StartStallWatchdog(gctx, p.sweepInterval, p.handleStalled, model.QueueIngest, model.QueueInference)
		return nil
	})
	return g.Wait()
}

// handleStalled records the sentinel result of an inference job failed by
// the stall watchdog. Ingest jobs have no result to record.
func (p *Pipeline) handleStalled(ctx context.Context, job *queue.Job) {
	if job.Queue != model.QueueInference {
		p.logger.Warn("ingest job failed after stalling", zap.String("job_id", job.ID))
		return
	}
	p.scorer.RecordStalled(ctx, job)
}

var _ PipelineQueue = (*queue.Queue)(nil)
