package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskmgr818/frame-relay/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a frame or result does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQL persistence via GORM. Session bookkeeping is written
// asynchronously; frames and results are written synchronously.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	logCh  chan func() // buffered channel for async writes
	done   chan struct{}
	once   sync.Once
}

// Open connects to PostgreSQL and returns a migrated Store.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return New(db, log)
}

// New auto-migrates the schema on db and starts the background write worker.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(
		&model.FrameRecord{},
		&model.InferenceResult{},
		&model.SessionLog{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log,
		logCh:  make(chan func(), 1024),
		done:   make(chan struct{}),
	}
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for fn := range s.logCh {
		fn()
	}
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close drains pending async writes and closes the connection pool.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.logCh) })
	<-s.done
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─────────────────────────────────────────────
// Frames
// ─────────────────────────────────────────────

// CreateFrame inserts a frame record. Re-inserting an existing id is a no-op
// so ingestion retries stay idempotent.
func (s *Store) CreateFrame(ctx context.Context, f *model.FrameRecord) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(f).Error
	if err != nil {
		return fmt.Errorf("create frame %s: %w", f.ID, err)
	}
	return nil
}

// GetFrame loads a frame record by id.
func (s *Store) GetFrame(ctx context.Context, id string) (*model.FrameRecord, error) {
	var f model.FrameRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get frame %s: %w", id, err)
	}
	return &f, nil
}

// MarkFrameProcessed flips the processed flag of a frame.
func (s *Store) MarkFrameProcessed(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&model.FrameRecord{}).
		Where("id = ?", id).
		Update("processed", true)
	if res.Error != nil {
		return fmt.Errorf("mark frame %s processed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────

// CreateResult inserts an inference result. Results are immutable: writing
// an id that already exists leaves the stored row untouched.
func (s *Store) CreateResult(ctx context.Context, r *model.InferenceResult) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(r).Error
	if err != nil {
		return fmt.Errorf("create result %s: %w", r.ID, err)
	}
	return nil
}

// LatestResult returns the result of a frame, preferring a successful one
// over a failure sentinel.
func (s *Store) LatestResult(ctx context.Context, frameID string) (*model.InferenceResult, error) {
	var r model.InferenceResult
	err := s.db.WithContext(ctx).
		Where("frame_id = ?", frameID).
		Order("failed ASC").
		Order("completed_at DESC").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest result for %s: %w", frameID, err)
	}
	return &r, nil
}

// ─────────────────────────────────────────────
// Async session log helpers
// ─────────────────────────────────────────────

// LogSessionStarted records a new session.
func (s *Store) LogSessionStarted(sessionID string, at time.Time) {
	s.enqueue(func() {
		sl := model.SessionLog{SessionID: sessionID, StartedAt: at}
		if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&sl).Error; err != nil {
			s.logger.Warn("log session started", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

// LogSessionEnded closes the session log with its final counters.
func (s *Store) LogSessionEnded(sessionID string, at time.Time, frames, results int64) {
	s.enqueue(func() {
		err := s.db.Model(&model.SessionLog{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"ended_at":     &at,
				"frame_count":  frames,
				"result_count": results,
			}).Error
		if err != nil {
			s.logger.Warn("log session ended", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

// enqueue hands fn to the write worker, dropping it when the buffer is full.
func (s *Store) enqueue(fn func()) {
	defer func() {
		// Close raced with a late session event
		if recover() != nil {
			s.logger.Debug("session log dropped after store close")
		}
	}()
	select {
	case s.logCh <- fn:
	default:
		s.logger.Warn("session log buffer full, dropping write")
	}
}
