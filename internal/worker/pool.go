package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskmgr818/frame-relay/internal/metrics"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// JobQueue is the part of the queue a pool consumes.
type JobQueue interface {
	Claim(ctx context.Context, name string) (*queue.Job, error)
	Progress(ctx context.Context, job *queue.Job, pct int) error
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) (queue.Transition, error)
}

// ProgressFunc reports a checkpoint (0-100) for the running job. It returns
// queue.ErrJobLost once the job has been handed to another worker.
type ProgressFunc func(pct int) error

// Handler executes one claimed job. A returned error fails the attempt.
type Handler interface {
	Process(ctx context.Context, job *queue.Job, report ProgressFunc) error
}

// Pool runs a bounded number of workers against one queue. All workers share
// a single rate limiter, so both the concurrency cap and the start rate bind.
type Pool struct {
	name    string
	q       JobQueue
	handler Handler
	logger  *zap.Logger

	concurrency  int
	limiter      *rate.Limiter
	pollInterval time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of jobs in flight (default 5).
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithRateLimit caps job starts per second across the pool (default 10).
// A non-positive rate disables the cap.
func WithRateLimit(perSecond float64) PoolOption {
	return func(p *Pool) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithPollInterval sets how long an idle worker waits before claiming again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

func NewPool(name string, q JobQueue, handler Handler, logger *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		name:         name,
		q:            q,
		handler:      handler,
		logger:       logger.With(zap.String("queue", name)),
		concurrency:  5,
		limiter:      rate.NewLimiter(10, 1),
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled. Jobs in flight finish their current
// step; an interrupted job is recovered by the stall watchdog.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.concurrency),
		zap.Float64("rate_limit", float64(p.limiter.Limit())),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.loop(gctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := p.processOne(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("worker iteration failed", zap.Error(err))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// processOne claims and runs at most one job. It reports whether a job was claimed.
func (p *Pool) processOne(ctx context.Context) (bool, error) {
	job, err := p.q.Claim(ctx, p.name)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return true, fmt.Errorf("rate limiter: %w", err)
	}

	log := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	report := func(pct int) error {
		err := p.q.Progress(ctx, job, pct)
		if errors.Is(err, queue.ErrJobLost) {
			return err
		}
		if err != nil {
			log.Warn("progress checkpoint failed", zap.Int("progress", pct), zap.Error(err))
		}
		return nil
	}

	runErr := p.handler.Process(ctx, job, report)
	if runErr == nil {
		if err := p.q.Complete(ctx, job); err != nil {
			p.countOutcome(err, "completed")
			return true, fmt.Errorf("complete %s: %w", job.ID, err)
		}
		metrics.Jobs.WithLabelValues(p.name, "completed").Inc()
		log.Debug("job completed")
		return true, nil
	}

	if errors.Is(runErr, queue.ErrJobLost) {
		metrics.Jobs.WithLabelValues(p.name, "lost").Inc()
		log.Warn("job lease lost during execution", zap.Error(runErr))
		return true, nil
	}

	tr, err := p.q.Fail(ctx, job, runErr)
	if err != nil {
		p.countOutcome(err, "failed")
		return true, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	metrics.Jobs.WithLabelValues(p.name, string(tr.To)).Inc()
	if tr.To == queue.StateFailed {
		log.Error("job failed permanently", zap.Error(runErr))
	} else {
		log.Warn("job attempt failed, retrying", zap.Duration("delay", tr.Delay), zap.Error(runErr))
	}
	return true, nil
}

func (p *Pool) countOutcome(err error, outcome string) {
	if errors.Is(err, queue.ErrJobLost) {
		outcome = "lost"
	}
	metrics.Jobs.WithLabelValues(p.name, outcome+"_error").Inc()
}
