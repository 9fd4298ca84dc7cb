package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/frame-relay/internal/blob"
	"github.com/taskmgr818/frame-relay/internal/metrics"
	"github.com/taskmgr818/frame-relay/internal/model"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"github.com/taskmgr818/frame-relay/internal/store"
	"go.uber.org/zap"
)

// Service errors
var (
	ErrEmptyFrame    = errors.New("frame is empty")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrFrameNotFound = errors.New("frame not found")
	ErrNoResult      = errors.New("no result for frame yet")
)

// Enqueuer schedules jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, policy queue.Policy) (*queue.Handle, error)
	EnqueueWithID(ctx context.Context, name, id string, payload any, policy queue.Policy) (*queue.Handle, error)
}

// FrameReader reads persisted frames and results.
type FrameReader interface {
	GetFrame(ctx context.Context, id string) (*model.FrameRecord, error)
	LatestResult(ctx context.Context, frameID string) (*model.InferenceResult, error)
}

// FrameCounter receives per-session frame counts.
type FrameCounter interface {
	IncFrames(sessionID string)
}

// FrameService orchestrates frame ingestion:
//
//	size check → blob put → enqueue ingest job → acknowledge
type FrameService struct {
	blobs    blob.Store
	q        Enqueuer
	frames   FrameReader
	counter  FrameCounter
	logger   *zap.Logger
	maxBytes int64
	baseURL  string
	now      func() time.Time
}

// NewFrameService creates the service. Blobs are stored locally, so baseURL
// must be the address other processes reach this server's blob route on.
func NewFrameService(blobs blob.Store, q Enqueuer, frames FrameReader, counter FrameCounter, maxBytes int64, baseURL string, logger *zap.Logger) *FrameService {
	return &FrameService{
		blobs:    blobs,
		q:        q,
		frames:   frames,
		counter:  counter,
		logger:   logger,
		maxBytes: maxBytes,
		baseURL:  baseURL,
		now:      time.Now,
	}
}

// Ingest stores a frame payload and queues it for ingestion. The frame
// record is written by the ingestion worker, so the returned id becomes
// visible to GetFrame shortly after.
func (s *FrameService) Ingest(ctx context.Context, sessionID string, data []byte, mime string) (*model.FrameReceipt, error) {
	if len(data) == 0 {
		metrics.FramesRejected.WithLabelValues("empty").Inc()
		return nil, ErrEmptyFrame
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		metrics.FramesRejected.WithLabelValues("too_large").Inc()
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), s.maxBytes)
	}

	meta, err := s.blobs.Put(ctx, data, mime)
	if err != nil {
		return nil, fmt.Errorf("store frame: %w", err)
	}

	frameID := uuid.New().String()
	_, err = s.q.EnqueueWithID(ctx, model.QueueIngest, frameID, &model.IngestJob{
		FrameID:    frameID,
		StorageKey: meta.Key,
		SessionID:  sessionID,
		BlobURL:    blob.URL(s.baseURL, meta.Key),
		Size:       meta.Size,
		UploadedAt: s.now().UTC(),
	}, queue.IngestPolicy())
	if err != nil {
		return nil, fmt.Errorf("enqueue ingestion: %w", err)
	}

	s.counter.IncFrames(sessionID)
	metrics.FramesIngested.Inc()
	s.logger.Debug("frame queued",
		zap.String("frame_id", frameID),
		zap.String("session_id", sessionID),
		zap.Int64("size", meta.Size),
	)

	return &model.FrameReceipt{
		FrameID:            frameID,
		StorageKey:         meta.Key,
		Size:               meta.Size,
		MIME:               mime,
		QueuedForInference: true,
	}, nil
}

// RequestInference schedules a new inference of an ingested frame whose
// result is routed to sessionID. It returns the job id.
func (s *FrameService) RequestInference(ctx context.Context, sessionID, frameID string) (string, error) {
	f, err := s.frames.GetFrame(ctx, frameID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrFrameNotFound, frameID)
	}
	if err != nil {
		return "", err
	}

	h, err := s.q.Enqueue(ctx, model.QueueInference, &model.InferenceJob{
		FrameID:    f.ID,
		StorageKey: f.StorageKey,
		SessionID:  sessionID,
		BlobURL:    f.BlobURL,
	}, queue.InferencePolicy())
	if err != nil {
		return "", fmt.Errorf("enqueue inference: %w", err)
	}
	return h.ID, nil
}

// Result returns the stored result of a frame, for clients that missed the
// live event.
func (s *FrameService) Result(ctx context.Context, frameID string) (*model.InferenceResult, error) {
	r, err := s.frames.LatestResult(ctx, frameID)
	if errors.Is(err, store.ErrNotFound) {
		if _, ferr := s.frames.GetFrame(ctx, frameID); errors.Is(ferr, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFrameNotFound, frameID)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoResult, frameID)
	}
	return r, err
}

// Blob returns a stored payload.
func (s *FrameService) Blob(ctx context.Context, key string) ([]byte, blob.Meta, error) {
	return s.blobs.Get(ctx, key)
}
