package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testPayload struct {
	FrameID string `json:"frameId"`
}

func (p testPayload) Validate() error {
	if p.FrameID == "" {
		return errors.New("frameId is required")
	}
	return nil
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithStallInterval(30 * time.Second), WithMaxStalls(1)}, opts...)
	return New(rdb, zap.NewNop(), opts...), clock
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, "inference", testPayload{FrameID: "f1"}, InferencePolicy())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Claim(ctx, "inference")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil || job.ID != h.ID {
		t.Fatalf("claimed %+v, want job %s", job, h.ID)
	}
	if job.Attempts != 1 || job.State != StateActive {
		t.Errorf("attempts=%d state=%s, want 1/active", job.Attempts, job.State)
	}
	var p testPayload
	if err := job.Decode(&p); err != nil || p.FrameID != "f1" {
		t.Errorf("Decode = %+v, %v", p, err)
	}
	if job.Policy.MaxAttempts != 2 || job.Policy.Backoff.Delay != 5*time.Second {
		t.Errorf("policy round trip = %+v", job.Policy)
	}

	if err := q.Progress(ctx, job, 70); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	counts, err := q.Counts(ctx, "inference")
	if err != nil {
		t.Fatal(err)
	}
	if counts != (Counts{Completed: 1}) {
		t.Errorf("counts = %+v, want one completed", counts)
	}

	stored, err := q.Get(ctx, "inference", h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != StateCompleted || stored.Progress != 100 {
		t.Errorf("stored = %s/%d, want completed/100", stored.State, stored.Progress)
	}
}

func TestClaimIdle(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Claim(context.Background(), "inference")
	if err != nil || job != nil {
		t.Errorf("Claim on empty queue = %v, %v", job, err)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "inference", testPayload{}, InferencePolicy()); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("invalid payload err = %v, want ErrInvalidJob", err)
	}
	if _, err := q.Enqueue(ctx, "inference", testPayload{FrameID: "f"}, Policy{}); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("invalid policy err = %v, want ErrInvalidJob", err)
	}
	counts, _ := q.Counts(ctx, "inference")
	if counts.Waiting != 0 {
		t.Errorf("waiting = %d after rejected enqueues", counts.Waiting)
	}
}

func TestEnqueueWithIDDuplicate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.EnqueueWithID(ctx, "frame-ingest", "f1", testPayload{FrameID: "f1"}, IngestPolicy()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.EnqueueWithID(ctx, "frame-ingest", "f1", testPayload{FrameID: "f1"}, IngestPolicy()); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("second enqueue err = %v, want ErrDuplicateJob", err)
	}
}

func TestFailRetriesThenFails(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "inference", testPayload{FrameID: "f1"}, InferencePolicy()); err != nil {
		t.Fatal(err)
	}

	claims := 0
	for i := 0; i < 5; i++ {
		job, err := q.Claim(ctx, "inference")
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			clock.Advance(5 * time.Second)
			continue
		}
		claims++
		tr, err := q.Fail(ctx, job, errors.New("scorer unavailable"))
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if tr.To == StateRetrying {
			// not ready before the fixed backoff elapses
			if again, _ := q.Claim(ctx, "inference"); again != nil {
				t.Fatal("retry claimed before backoff elapsed")
			}
		}
	}

	if claims != 2 {
		t.Errorf("claimed %d times, want 2", claims)
	}
	counts, _ := q.Counts(ctx, "inference")
	if counts != (Counts{Failed: 1}) {
		t.Errorf("counts = %+v, want one failed", counts)
	}
}

func TestExponentialBackoffSchedule(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "frame-ingest", testPayload{FrameID: "f1"}, IngestPolicy()); err != nil {
		t.Fatal(err)
	}

	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second} {
		job, err := q.Claim(ctx, "frame-ingest")
		if err != nil || job == nil {
			t.Fatalf("Claim = %v, %v", job, err)
		}
		tr, err := q.Fail(ctx, job, errors.New("boom"))
		if err != nil {
			t.Fatal(err)
		}
		if tr.Delay != wait {
			t.Fatalf("delay = %s, want %s", tr.Delay, wait)
		}
		clock.Advance(wait - time.Millisecond)
		if job, _ := q.Claim(ctx, "frame-ingest"); job != nil {
			t.Fatalf("claimed %s early", wait)
		}
		clock.Advance(time.Millisecond)
	}

	job, err := q.Claim(ctx, "frame-ingest")
	if err != nil || job == nil {
		t.Fatalf("final claim = %v, %v", job, err)
	}
	if job.Attempts != 3 || !job.Final() {
		t.Errorf("attempts = %d, want 3 and final", job.Attempts)
	}
	tr, err := q.Fail(ctx, job, errors.New("boom"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.To != StateFailed {
		t.Errorf("last transition = %s, want failed", tr)
	}
	stored, err := q.Get(ctx, "frame-ingest", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Error != "boom" {
		t.Errorf("error = %q, want boom", stored.Error)
	}
}

func TestStalledJobRequeuedThenFailed(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, "inference", testPayload{FrameID: "f1"}, InferencePolicy())
	if err != nil {
		t.Fatal(err)
	}

	first, _ := q.Claim(ctx, "inference")
	clock.Advance(31 * time.Second)

	requeued, failed, err := q.ReclaimStalled(ctx, "inference")
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 1 || len(failed) != 0 {
		t.Fatalf("reclaim = %d/%d, want 1/0", requeued, len(failed))
	}

	// the abandoned worker no longer holds the lease
	if err := q.Complete(ctx, first); !errors.Is(err, ErrJobLost) {
		t.Errorf("stale Complete err = %v, want ErrJobLost", err)
	}

	second, _ := q.Claim(ctx, "inference")
	if second == nil || second.ID != h.ID {
		t.Fatalf("reclaimed job not claimable: %+v", second)
	}
	if second.Attempts != 1 {
		t.Errorf("attempts after stall = %d, want 1", second.Attempts)
	}

	clock.Advance(31 * time.Second)
	requeued, failed, err = q.ReclaimStalled(ctx, "inference")
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 0 || len(failed) != 1 {
		t.Fatalf("second reclaim = %d/%d, want 0/1", requeued, len(failed))
	}
	if failed[0].ID != h.ID || failed[0].Queue != "inference" || failed[0].Error != StallError {
		t.Errorf("failed job = %+v", failed[0])
	}
	var p testPayload
	if err := failed[0].Decode(&p); err != nil || p.FrameID != "f1" {
		t.Errorf("failed job payload = %+v, %v", p, err)
	}
	counts, _ := q.Counts(ctx, "inference")
	if counts != (Counts{Failed: 1}) {
		t.Errorf("counts = %+v", counts)
	}
}

func TestProgressExtendsLease(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "inference", testPayload{FrameID: "f1"}, InferencePolicy()); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Claim(ctx, "inference")

	clock.Advance(20 * time.Second)
	if err := q.Progress(ctx, job, 10); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Second)

	requeued, failed, err := q.ReclaimStalled(ctx, "inference")
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 0 || len(failed) != 0 {
		t.Errorf("reclaimed a job with a fresh checkpoint: %d/%d", requeued, len(failed))
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Errorf("Complete: %v", err)
	}
}

func TestRetentionTrimsCompleted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	policy := Policy{MaxAttempts: 1, Backoff: Backoff{Kind: BackoffFixed}, KeepCompleted: 2, KeepFailed: 2}

	var ids []string
	for i := 0; i < 4; i++ {
		h, err := q.Enqueue(ctx, "inference", testPayload{FrameID: "f"}, policy)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, h.ID)
		job, _ := q.Claim(ctx, "inference")
		if err := q.Complete(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	counts, _ := q.Counts(ctx, "inference")
	if counts.Completed != 2 {
		t.Errorf("completed = %d, want 2", counts.Completed)
	}
	if _, err := q.Get(ctx, "inference", ids[0]); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("oldest job err = %v, want ErrJobNotFound", err)
	}
	if _, err := q.Get(ctx, "inference", ids[3]); err != nil {
		t.Errorf("newest job evicted: %v", err)
	}
}

func TestCountsSeparateQueues(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "frame-ingest", testPayload{FrameID: "f"}, IngestPolicy()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Claim(ctx, "frame-ingest"); err != nil {
		t.Fatal(err)
	}

	ingest, _ := q.Counts(ctx, "frame-ingest")
	if ingest.Waiting != 2 || ingest.Active != 1 {
		t.Errorf("ingest counts = %+v", ingest)
	}
	inference, _ := q.Counts(ctx, "inference")
	if inference != (Counts{}) {
		t.Errorf("inference counts = %+v, want empty", inference)
	}
}

func TestStallWatchdogReportsFailedJobs(t *testing.T) {
	q, clock := newTestQueue(t, WithMaxStalls(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := Policy{MaxAttempts: 2, Backoff: Backoff{Kind: BackoffFixed}, KeepFailed: 1}
	h, err := q.Enqueue(ctx, "inference", testPayload{FrameID: "f1"}, policy)
	if err != nil {
		t.Fatal(err)
	}
	if job, _ := q.Claim(ctx, "inference"); job == nil {
		t.Fatal("nothing claimed")
	}
	clock.Advance(31 * time.Second)

	got := make(chan *Job, 1)
	go q.StartStallWatchdog(ctx, 10*time.Millisecond, func(_ context.Context, job *Job) { got <- job }, "inference")

	select {
	case job := <-got:
		var p testPayload
		if job.ID != h.ID || job.Decode(&p) != nil || p.FrameID != "f1" {
			t.Errorf("reported job = %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled job never reported")
	}
}
