package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/frame-relay/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrInvalidJob wraps payload or policy validation failures at enqueue time.
	ErrInvalidJob = errors.New("invalid job")
	// ErrDuplicateJob is returned when a job with the same ID already exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobLost is returned when a worker reports on a job whose lease it no
	// longer holds (it stalled and was handed to someone else).
	ErrJobLost = errors.New("job lease lost")
	// ErrJobNotFound is returned by Get for unknown or evicted jobs.
	ErrJobNotFound = errors.New("job not found")
)

// Validator is implemented by job payloads that can reject themselves.
type Validator interface {
	Validate() error
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// Counts is a snapshot of one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a durable, Redis-backed job queue with per-job retry policies
// and stall detection.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger

	now           func() time.Time
	stallInterval time.Duration
	maxStalls     int

	enqueueScript  *redis.Script
	claimScript    *redis.Script
	progressScript *redis.Script
	completeScript *redis.Script
	failScript     *redis.Script
	reclaimScript  *redis.Script
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now. All queue timestamps come from it.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithStallInterval sets how long a claimed job may go without a progress
// checkpoint before it is considered stalled.
func WithStallInterval(d time.Duration) Option {
	return func(q *Queue) { q.stallInterval = d }
}

// WithMaxStalls sets how many times a job may stall before it fails.
func WithMaxStalls(n int) Option {
	return func(q *Queue) { q.maxStalls = n }
}

// New creates a queue client and loads the Lua scripts.
func New(rdb *redis.Client, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		rdb:            rdb,
		logger:         logger,
		now:            time.Now,
		stallInterval:  30 * time.Second,
		maxStalls:      1,
		enqueueScript:  redis.NewScript(LuaEnqueue),
		claimScript:    redis.NewScript(LuaClaim),
		progressScript: redis.NewScript(LuaProgress),
		completeScript: redis.NewScript(LuaComplete),
		failScript:     redis.NewScript(LuaFail),
		reclaimScript:  redis.NewScript(LuaReclaimStalled),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ─────────────────────────────────────────────
// Redis keys
// ─────────────────────────────────────────────

func jobPrefix(name string) string         { return "q:" + name + ":job:" }
func jobKey(name, id string) string        { return jobPrefix(name) + id }
func waitingKey(name string) string        { return "q:" + name + ":waiting" }
func delayedKey(name string) string        { return "q:" + name + ":delayed" }
func activeKey(name string) string         { return "q:" + name + ":active" }
func completedKey(name string) string      { return "q:" + name + ":completed" }
func failedKey(name string) string         { return "q:" + name + ":failed" }
func millis(t time.Time) int64             { return t.UnixMilli() }
func durationMillis(d time.Duration) int64 { return d.Milliseconds() }

// ─────────────────────────────────────────────
// Producer API
// ─────────────────────────────────────────────

// Enqueue validates and stores a job under a fresh ID.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, policy Policy) (*Handle, error) {
	return q.EnqueueWithID(ctx, name, uuid.New().String(), payload, policy)
}

// EnqueueWithID stores a job under a caller-chosen ID. Enqueueing the same
// ID twice returns ErrDuplicateJob.
func (q *Queue) EnqueueWithID(ctx context.Context, name, id string, payload any, policy Policy) (*Handle, error) {
	if name == "" || id == "" {
		return nil, fmt.Errorf("%w: queue name and job id are required", ErrInvalidJob)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidJob)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if v, ok := payload.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidJob, err)
	}

	keys := []string{jobKey(name, id), waitingKey(name)}
	args := []interface{}{
		id,
		string(data),
		policy.MaxAttempts,
		string(policy.Backoff.Kind),
		durationMillis(policy.Backoff.Delay),
		policy.KeepCompleted,
		policy.KeepFailed,
		millis(q.now()),
	}

	status, err := q.enqueueScript.Run(ctx, q.rdb, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("enqueue lua: %w", err)
	}
	if status == "EXISTS" {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateJob, name, id)
	}
	return &Handle{ID: id, Queue: name}, nil
}

// ─────────────────────────────────────────────
// Worker API
// ─────────────────────────────────────────────

// Claim leases the next ready job. It returns (nil, nil) when the queue is idle.
func (q *Queue) Claim(ctx context.Context, name string) (*Job, error) {
	token := uuid.New().String()
	keys := []string{waitingKey(name), delayedKey(name), activeKey(name)}
	now := q.now()
	args := []interface{}{millis(now), millis(now.Add(q.stallInterval)), token, jobPrefix(name)}

	vals, err := q.claimScript.Run(ctx, q.rdb, keys, args...).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim lua: %w", err)
	}

	fields := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		fields[vals[i]] = vals[i+1]
	}
	job, err := parseJob(name, fields)
	if err != nil {
		return nil, err
	}
	job.token = token
	return job, nil
}

// Progress records a checkpoint (0-100) and extends the job's lease.
func (q *Queue) Progress(ctx context.Context, job *Job, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	keys := []string{jobKey(job.Queue, job.ID), activeKey(job.Queue)}
	args := []interface{}{job.token, pct, millis(q.now().Add(q.stallInterval)), job.ID}

	status, err := q.progressScript.Run(ctx, q.rdb, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("progress lua: %w", err)
	}
	if status == "LOST" {
		return fmt.Errorf("%w: %s/%s", ErrJobLost, job.Queue, job.ID)
	}
	job.Progress = pct
	return nil
}

// Complete marks the job completed.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if _, err := Succeed(*job); err != nil {
		return err
	}
	keys := []string{jobKey(job.Queue, job.ID), activeKey(job.Queue), completedKey(job.Queue)}
	args := []interface{}{job.token, job.ID, millis(q.now()), jobPrefix(job.Queue)}

	status, err := q.completeScript.Run(ctx, q.rdb, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("complete lua: %w", err)
	}
	if status == "LOST" {
		return fmt.Errorf("%w: %s/%s", ErrJobLost, job.Queue, job.ID)
	}
	job.State = StateCompleted
	job.Progress = 100
	return nil
}

// Fail records a failed attempt. The job is retried after its backoff delay,
// or moved to the failed list once its attempts are exhausted.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (Transition, error) {
	tr, err := Fail(*job)
	if err != nil {
		return Transition{}, err
	}

	now := q.now()
	mode := "fail"
	readyAt := millis(now)
	if tr.To == StateRetrying {
		mode = "retry"
		readyAt = millis(now.Add(tr.Delay))
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	keys := []string{jobKey(job.Queue, job.ID), activeKey(job.Queue), delayedKey(job.Queue), failedKey(job.Queue)}
	args := []interface{}{job.token, job.ID, millis(now), mode, readyAt, msg, jobPrefix(job.Queue)}

	status, err := q.failScript.Run(ctx, q.rdb, keys, args...).Text()
	if err != nil {
		return Transition{}, fmt.Errorf("fail lua: %w", err)
	}
	if status == "LOST" {
		return Transition{}, fmt.Errorf("%w: %s/%s", ErrJobLost, job.Queue, job.ID)
	}
	job.State = tr.To
	job.Error = msg
	return tr, nil
}

// ─────────────────────────────────────────────
// Inspection
// ─────────────────────────────────────────────

// Get loads a job by ID. Jobs evicted by retention return ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, name, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(name, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, name, id)
	}
	return parseJob(name, fields)
}

// Counts returns the size of every list of one queue.
func (q *Queue) Counts(ctx context.Context, name string) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, waitingKey(name))
	delayed := pipe.ZCard(ctx, delayedKey(name))
	active := pipe.ZCard(ctx, activeKey(name))
	completed := pipe.LLen(ctx, completedKey(name))
	failed := pipe.LLen(ctx, failedKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// ─────────────────────────────────────────────
// Stall Watchdog (background goroutine)
// ─────────────────────────────────────────────

// StallError is the error recorded on a job failed by the stall watchdog.
const StallError = "job stalled more than allowable limit"

// StalledFunc receives a job the stall watchdog has just failed.
type StalledFunc func(ctx context.Context, job *Job)

// ReclaimStalled requeues or fails every active job of the queue whose
// lease expired. It returns the jobs failed by this run.
func (q *Queue) ReclaimStalled(ctx context.Context, name string) (requeued int, failed []*Job, err error) {
	keys := []string{activeKey(name), waitingKey(name), failedKey(name)}
	args := []interface{}{millis(q.now()), q.maxStalls, jobPrefix(name), StallError}

	reply, err := q.reclaimScript.Run(ctx, q.rdb, keys, args...).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("reclaim lua: %w", err)
	}
	if len(reply) != 2 {
		return 0, nil, fmt.Errorf("reclaim lua: unexpected reply %v", reply)
	}
	n, ok := reply[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("reclaim lua: unexpected count %T", reply[0])
	}
	pairs, _ := reply[1].([]interface{})
	for i := 0; i+1 < len(pairs); i += 2 {
		id, _ := pairs[i].(string)
		payload, _ := pairs[i+1].(string)
		failed = append(failed, &Job{
			ID:      id,
			Queue:   name,
			Payload: json.RawMessage(payload),
			State:   StateFailed,
			Error:   StallError,
		})
	}
	return int(n), failed, nil
}

// StartStallWatchdog periodically reclaims stalled jobs of the named queues
// and hands every job it fails to onFailed (may be nil). It runs until ctx
// is cancelled.
func (q *Queue) StartStallWatchdog(ctx context.Context, interval time.Duration, onFailed StalledFunc, names ...string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("stall watchdog started", zap.Strings("queues", names), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("stall watchdog stopped")
			return
		case <-ticker.C:
			for _, name := range names {
				requeued, failed, err := q.ReclaimStalled(ctx, name)
				if err != nil {
					if ctx.Err() == nil {
						q.logger.Warn("reclaim stalled jobs", zap.String("queue", name), zap.Error(err))
					}
					continue
				}
				if requeued > 0 || len(failed) > 0 {
					q.logger.Info("reclaimed stalled jobs",
						zap.String("queue", name),
						zap.Int("requeued", requeued),
						zap.Int("failed", len(failed)),
					)
				}
				for _, job := range failed {
					metrics.Jobs.WithLabelValues(name, "stalled").Inc()
					if onFailed != nil {
						onFailed(ctx, job)
					}
				}
			}
		}
	}
}

// ─────────────────────────────────────────────
// Decoding
// ─────────────────────────────────────────────

func parseJob(name string, f map[string]string) (*Job, error) {
	atoi := func(key string) (int, error) {
		v, ok := f[key]
		if !ok || v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("job field %s: %w", key, err)
		}
		return n, nil
	}

	var (
		vals [8]int
		keys = [8]string{"max_attempts", "backoff_ms", "keep_completed", "keep_failed", "attempts", "stalls", "progress", "enqueued_at"}
	)
	for i, k := range keys {
		n, err := atoi(k)
		if err != nil {
			return nil, err
		}
		vals[i] = n
	}

	return &Job{
		ID:      f["id"],
		Queue:   name,
		Payload: json.RawMessage(f["payload"]),
		Policy: Policy{
			MaxAttempts:   vals[0],
			Backoff:       Backoff{Kind: BackoffKind(f["backoff_kind"]), Delay: time.Duration(vals[1]) * time.Millisecond},
			KeepCompleted: vals[2],
			KeepFailed:    vals[3],
		},
		State:      State(f["state"]),
		Attempts:   vals[4],
		Stalls:     vals[5],
		Progress:   vals[6],
		Error:      f["error"],
		EnqueuedAt: time.UnixMilli(int64(vals[7])),
	}, nil
}
