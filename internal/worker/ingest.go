package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskmgr818/frame-relay/internal/model"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"go.uber.org/zap"
)

// FrameStore records ingested frames.
type FrameStore interface {
	CreateFrame(ctx context.Context, f *model.FrameRecord) error
}

// Enqueuer schedules follow-up jobs.
type Enqueuer interface {
	EnqueueWithID(ctx context.Context, name, id string, payload any, policy queue.Policy) (*queue.Handle, error)
}

// IngestHandler records a stored frame and schedules its inference.
type IngestHandler struct {
	frames FrameStore
	q      Enqueuer
	logger *zap.Logger
}

func NewIngestHandler(frames FrameStore, q Enqueuer, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{frames: frames, q: q, logger: logger}
}

func (h *IngestHandler) Process(ctx context.Context, job *queue.Job, report ProgressFunc) error {
	var payload model.IngestJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("decode ingest job: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if err := report(10); err != nil {
		return err
	}

	frame := &model.FrameRecord{
		ID:         payload.FrameID,
		SessionID:  payload.SessionID,
		StorageKey: payload.StorageKey,
		BlobURL:    payload.BlobURL,
		Size:       payload.Size,
		UploadedAt: payload.UploadedAt,
	}
	if err := h.frames.CreateFrame(ctx, frame); err != nil {
		return err
	}
	if err := report(70); err != nil {
		return err
	}

	// The frame id doubles as the inference job id, so a retried ingestion
	// never schedules the same frame twice.
	_, err := h.q.EnqueueWithID(ctx, model.QueueInference, payload.FrameID, &model.InferenceJob{
		FrameID:    payload.FrameID,
		StorageKey: payload.StorageKey,
		SessionID:  payload.SessionID,
		BlobURL:    payload.BlobURL,
	}, queue.InferencePolicy())
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return fmt.Errorf("enqueue inference: %w", err)
	}

	h.logger.Debug("frame ingested", zap.String("frame_id", payload.FrameID), zap.String("session_id", payload.SessionID))
	return report(100)
}
