package queue

import (
	"errors"
	"time"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// maxBackoffShift caps exponential growth so the delay cannot overflow.
const maxBackoffShift = 20

// Backoff is the retry delay rule of a policy.
type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration // base delay
}

// Policy controls attempts, backoff and retention for one queue.
type Policy struct {
	MaxAttempts   int
	Backoff       Backoff
	KeepCompleted int // completed jobs kept for inspection
	KeepFailed    int // failed jobs kept for inspection
}

// IngestPolicy is used for frame ingestion jobs.
func IngestPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		Backoff:       Backoff{Kind: BackoffExponential, Delay: 2 * time.Second},
		KeepCompleted: 100,
		KeepFailed:    500,
	}
}

// InferencePolicy is used for inference jobs.
func InferencePolicy() Policy {
	return Policy{
		MaxAttempts:   2,
		Backoff:       Backoff{Kind: BackoffFixed, Delay: 5 * time.Second},
		KeepCompleted: 100,
		KeepFailed:    500,
	}
}

// Delay returns the wait before the next attempt, given how many attempts
// have already been made (1 after the first failure).
//
//	fixed:       base
//	exponential: base * 2^(attemptsMade-1)
func (p Policy) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	switch p.Backoff.Kind {
	case BackoffExponential:
		shift := attemptsMade - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		return p.Backoff.Delay * time.Duration(1<<uint(shift))
	default:
		return p.Backoff.Delay
	}
}

// Validate checks the policy configuration.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	if p.Backoff.Kind != BackoffFixed && p.Backoff.Kind != BackoffExponential {
		return errors.New("Backoff.Kind must be fixed or exponential")
	}
	if p.Backoff.Delay < 0 {
		return errors.New("Backoff.Delay must not be negative")
	}
	if p.KeepCompleted < 0 || p.KeepFailed < 0 {
		return errors.New("retention counts must not be negative")
	}
	return nil
}
