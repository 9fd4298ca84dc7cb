package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/taskmgr818/frame-relay/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openPostgresStore connects to the database named by TEST_DATABASE_DSN.
func openPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	s, err := Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// openSQLiteStore opens a file-backed SQLite database under path.
func openSQLiteStore(t *testing.T, path string) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	s, err := New(db, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// forEachBackend runs fn against SQLite, and against PostgreSQL when
// TEST_DATABASE_DSN is set.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s := openSQLiteStore(t, filepath.Join(t.TempDir(), "store.db"))
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, openPostgresStore(t))
	})
}

func TestFrameLifecycle(t *testing.T) {
	forEachBackend(t, testFrameLifecycle)
}

func testFrameLifecycle(t *testing.T, s *Store) {
	ctx := context.Background()

	f := &model.FrameRecord{
		ID:         uuid.New().String(),
		SessionID:  "s1",
		StorageKey: "abc",
		Size:       42,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.CreateFrame(ctx, f); err != nil {
		t.Fatalf("CreateFrame: %v", err)
	}
	// retried ingestion
	if err := s.CreateFrame(ctx, f); err != nil {
		t.Fatalf("CreateFrame twice: %v", err)
	}

	got, err := s.GetFrame(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Processed {
		t.Error("new frame already processed")
	}

	if err := s.MarkFrameProcessed(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetFrame(ctx, f.ID)
	if !got.Processed {
		t.Error("frame not marked processed")
	}

	if _, err := s.GetFrame(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFrame missing err = %v", err)
	}
	if err := s.MarkFrameProcessed(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFrameProcessed missing err = %v", err)
	}
}

func TestResultsAreImmutable(t *testing.T) {
	forEachBackend(t, testResultsAreImmutable)
}

func testResultsAreImmutable(t *testing.T, s *Store) {
	ctx := context.Background()
	frameID := uuid.New().String()
	conf := 0.9

	first := &model.InferenceResult{
		ID:          frameID,
		FrameID:     frameID,
		Labels:      []model.Label{{Name: "face", Confidence: &conf}},
		CompletedAt: time.Now().UTC(),
	}
	if err := s.CreateResult(ctx, first); err != nil {
		t.Fatal(err)
	}
	dup := *first
	dup.Labels = []model.Label{{Name: "other"}}
	if err := s.CreateResult(ctx, &dup); err != nil {
		t.Fatal(err)
	}

	sentinel := &model.InferenceResult{
		ID:          frameID + "-failed",
		FrameID:     frameID,
		Labels:      model.SentinelLabels(),
		Failed:      true,
		CompletedAt: time.Now().UTC().Add(time.Second),
	}
	if err := s.CreateResult(ctx, sentinel); err != nil {
		t.Fatal(err)
	}

	got, err := s.LatestResult(ctx, frameID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Failed || len(got.Labels) != 1 || got.Labels[0].Name != "face" {
		t.Errorf("LatestResult = %+v", got)
	}
}

func TestLatestResultWithoutSuccess(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		frameID := uuid.New().String()

		if _, err := s.LatestResult(ctx, frameID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LatestResult before any write err = %v", err)
		}

		sentinel := &model.InferenceResult{
			ID:          frameID + "-failed",
			FrameID:     frameID,
			Labels:      model.SentinelLabels(),
			Failed:      true,
			Error:       "inference timed out",
			CompletedAt: time.Now().UTC(),
		}
		if err := s.CreateResult(ctx, sentinel); err != nil {
			t.Fatal(err)
		}
		got, err := s.LatestResult(ctx, frameID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Failed || got.Error != "inference timed out" {
			t.Errorf("LatestResult = %+v", got)
		}
		if len(got.Labels) != 1 || got.Labels[0].Confidence != nil {
			t.Errorf("sentinel labels = %+v", got.Labels)
		}
	})
}

func TestSessionLogDrainedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s := openSQLiteStore(t, path)

	started := time.Now().UTC().Truncate(time.Second)
	s.LogSessionStarted("s1", started)
	s.LogSessionEnded("s1", started.Add(time.Minute), 12, 10)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// late events after close are dropped
	s.LogSessionStarted("s2", started)

	s = openSQLiteStore(t, path)
	defer s.Close()

	var logs []model.SessionLog
	if err := s.DB().Find(&logs).Error; err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("session logs = %+v", logs)
	}
	sl := logs[0]
	if sl.SessionID != "s1" || sl.FrameCount != 12 || sl.ResultCount != 10 {
		t.Errorf("session log = %+v", sl)
	}
	if sl.EndedAt == nil || !sl.EndedAt.Equal(started.Add(time.Minute)) {
		t.Errorf("EndedAt = %v", sl.EndedAt)
	}
}
