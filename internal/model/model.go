package model

import (
	"errors"
	"time"
)

// ─────────────────────────────────────────────
// Queue names
// ─────────────────────────────────────────────

const (
	QueueIngest    = "frame-ingest"
	QueueInference = "inference"
)

// ErrorLabel marks the sentinel result recorded for a terminally failed job.
const ErrorLabel = "error"

// ─────────────────────────────────────────────
// Job payloads
// ─────────────────────────────────────────────

var (
	ErrMissingFrameID    = errors.New("frameId is required")
	ErrMissingStorageKey = errors.New("storageKey is required")
)

// IngestJob hands a stored payload to the ingestion worker, which records
// the frame and schedules inference for it.
type IngestJob struct {
	FrameID    string    `json:"frameId"`
	StorageKey string    `json:"storageKey"`
	SessionID  string    `json:"sessionId,omitempty"`
	BlobURL    string    `json:"blobUrl,omitempty"` // where the ingesting server serves the payload
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Validate rejects payloads that can never be processed.
func (j *IngestJob) Validate() error {
	if j.FrameID == "" {
		return ErrMissingFrameID
	}
	if j.StorageKey == "" {
		return ErrMissingStorageKey
	}
	return nil
}

// InferenceJob asks a worker to score one stored frame.
type InferenceJob struct {
	FrameID    string `json:"frameId"`
	StorageKey string `json:"storageKey"`
	SessionID  string `json:"sessionId,omitempty"`
	BlobURL    string `json:"blobUrl,omitempty"`
}

// Validate rejects payloads that can never be processed.
func (j *InferenceJob) Validate() error {
	if j.FrameID == "" {
		return ErrMissingFrameID
	}
	if j.StorageKey == "" {
		return ErrMissingStorageKey
	}
	return nil
}

// FrameReceipt acknowledges a stored frame to the uploading client.
type FrameReceipt struct {
	FrameID            string `json:"frameId"`
	StorageKey         string `json:"storageKey"`
	Size               int64  `json:"size"`
	MIME               string `json:"mime"`
	QueuedForInference bool   `json:"queuedForInference"`
}

// ─────────────────────────────────────────────
// Inference output
// ─────────────────────────────────────────────

// Label is one scored class. Confidence is nil when the model gave none.
type Label struct {
	Name       string   `json:"name"`
	Confidence *float64 `json:"confidence"`
}

// ResultEvent is published on the result bus after a frame is scored.
// It is a routing view of an InferenceResult and is never persisted.
type ResultEvent struct {
	SessionID        string    `json:"sessionId,omitempty"`
	FrameID          string    `json:"frameId"`
	Labels           []Label   `json:"labels"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	CompletedAt      time.Time `json:"completedAt"`
}

// TelemetryEvent carries a sensor update for one session, or for every
// connection when SessionID is empty.
type TelemetryEvent struct {
	SessionID string             `json:"sessionId,omitempty"`
	Sensor    string             `json:"sensor"`
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
}

// BroadcastEvent is a free-form notice sent to every connection.
type BroadcastEvent struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ─────────────────────────────────────────────
// SQL Persistence Models
// ─────────────────────────────────────────────

// FrameRecord is one ingested payload. Processed flips to true once when
// its inference result is recorded.
type FrameRecord struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"index" json:"session_id"`
	StorageKey string    `json:"storage_key"`
	BlobURL    string    `json:"blob_url"`
	Size       int64     `json:"size"`
	Processed  bool      `gorm:"index" json:"processed"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// InferenceResult is immutable once written. Failed marks the sentinel row
// recorded when a job exhausts its attempts.
type InferenceResult struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	FrameID          string    `gorm:"index" json:"frame_id"`
	Labels           []Label   `gorm:"serializer:json" json:"labels"`
	Failed           bool      `json:"failed"`
	Error            string    `json:"error,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	CompletedAt      time.Time `gorm:"index" json:"completed_at"`
}

// SessionLog records the lifetime of a session (one row per session).
type SessionLog struct {
	SessionID   string     `gorm:"primaryKey" json:"session_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	FrameCount  int64      `json:"frame_count"`
	ResultCount int64      `json:"result_count"`
}

// ToEvent builds the bus view of a result for the given session.
func (r *InferenceResult) ToEvent(sessionID string) *ResultEvent {
	return &ResultEvent{
		SessionID:        sessionID,
		FrameID:          r.FrameID,
		Labels:           r.Labels,
		ProcessingTimeMs: r.ProcessingTimeMs,
		CompletedAt:      r.CompletedAt,
	}
}

// SentinelLabels is the label set stored for a failed job.
func SentinelLabels() []Label {
	return []Label{{Name: ErrorLabel, Confidence: nil}}
}
