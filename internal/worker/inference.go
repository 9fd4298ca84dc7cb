package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskmgr818/frame-relay/internal/blob"
	"github.com/taskmgr818/frame-relay/internal/metrics"
	"github.com/taskmgr818/frame-relay/internal/model"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"github.com/taskmgr818/frame-relay/internal/scorer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ResultStore persists inference outcomes.
type ResultStore interface {
	CreateResult(ctx context.Context, r *model.InferenceResult) error
	MarkFrameProcessed(ctx context.Context, frameID string) error
}

// ResultPublisher announces finished inferences to the owning session.
type ResultPublisher interface {
	PublishResult(ctx context.Context, ev *model.ResultEvent) (int64, error)
}

// SentinelSuffix is appended to the job id to form the id of a failure sentinel.
const SentinelSuffix = "-failed"

// InferenceHandler scores one frame with every configured model.
type InferenceHandler struct {
	scorer    scorer.Scorer
	models    []string
	results   ResultStore
	publisher ResultPublisher
	blobURL   string
	logger    *zap.Logger
	now       func() time.Time
}

func NewInferenceHandler(s scorer.Scorer, models []string, results ResultStore, publisher ResultPublisher, blobBaseURL string, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		scorer:    s,
		models:    models,
		results:   results,
		publisher: publisher,
		blobURL:   blobBaseURL,
		logger:    logger,
		now:       time.Now,
	}
}

// Process runs the job. When the terminal attempt fails, a sentinel result
// is recorded before the original error is returned.
func (h *InferenceHandler) Process(ctx context.Context, job *queue.Job, report ProgressFunc) error {
	var payload model.InferenceJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("decode inference job: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	err := h.run(ctx, job.ID, &payload, report)
	if err == nil || errors.Is(err, queue.ErrJobLost) {
		return err
	}
	if job.Final() {
		h.recordSentinel(ctx, job.ID, &payload, err)
	}
	return err
}

// run scores the frame. Result ids derive from the job id, so a retried
// attempt that already persisted its result does not write a second row.
func (h *InferenceHandler) run(ctx context.Context, jobID string, job *model.InferenceJob, report ProgressFunc) error {
	if err := report(10); err != nil {
		return err
	}

	start := h.now()
	url := job.BlobURL
	if url == "" {
		url = blob.URL(h.blobURL, job.StorageKey)
	}
	responses := make([]*scorer.Response, len(h.models))

	g, gctx := errgroup.WithContext(ctx)
	for i, modelID := range h.models {
		i, modelID := i, modelID
		g.Go(func() error {
			resp, err := h.scorer.Score(gctx, url, modelID)
			if err != nil {
				return fmt.Errorf("model %s: %w", modelID, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := h.now().Sub(start)
	metrics.InferenceDuration.Observe(elapsed.Seconds())

	if err := report(70); err != nil {
		return err
	}

	labels := make([]model.Label, 0, len(responses))
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		for _, p := range resp.Predictions {
			labels = append(labels, model.Label{Name: p.Label, Confidence: p.Confidence})
		}
	}

	result := &model.InferenceResult{
		ID:               jobID,
		FrameID:          job.FrameID,
		Labels:           labels,
		ProcessingTimeMs: elapsed.Milliseconds(),
		CompletedAt:      h.now().UTC(),
	}
	if err := h.results.CreateResult(ctx, result); err != nil {
		return err
	}
	if err := h.results.MarkFrameProcessed(ctx, job.FrameID); err != nil {
		return fmt.Errorf("mark frame processed: %w", err)
	}

	if err := report(90); err != nil {
		return err
	}

	if job.SessionID != "" {
		if _, err := h.publisher.PublishResult(ctx, result.ToEvent(job.SessionID)); err != nil {
			return err
		}
	}

	return report(100)
}

// RecordStalled stores the sentinel for a job the stall watchdog failed.
// No attempt of such a job returned, so nothing else records its failure.
func (h *InferenceHandler) RecordStalled(ctx context.Context, job *queue.Job) {
	var payload model.InferenceJob
	if err := job.Decode(&payload); err != nil || payload.Validate() != nil {
		h.logger.Warn("stalled job has no usable payload", zap.String("job_id", job.ID))
		return
	}
	h.recordSentinel(ctx, job.ID, &payload, errors.New(job.Error))
	h.logger.Warn("inference job failed after stalling",
		zap.String("job_id", job.ID),
		zap.String("frame_id", payload.FrameID),
	)
}

// recordSentinel stores the failure marker for a frame. Its own errors are
// logged and never replace the job error.
func (h *InferenceHandler) recordSentinel(ctx context.Context, jobID string, job *model.InferenceJob, cause error) {
	sentinel := &model.InferenceResult{
		ID:          jobID + SentinelSuffix,
		FrameID:     job.FrameID,
		Labels:      model.SentinelLabels(),
		Failed:      true,
		Error:       cause.Error(),
		CompletedAt: h.now().UTC(),
	}
	if err := h.results.CreateResult(ctx, sentinel); err != nil {
		h.logger.Error("record sentinel result",
			zap.String("frame_id", job.FrameID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}
