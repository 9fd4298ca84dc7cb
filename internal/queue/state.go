package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ─────────────────────────────────────────────
// Job State Machine
//
//	Waiting ──claim──▶ Active ──succeed──▶ Completed
//	   ▲                 │ │
//	   └──stall──────────┘ └──fail──▶ Retrying(attempt, delay) ──claim──▶ Active
//	                              └──▶ Failed (attempts exhausted / too many stalls)
// ─────────────────────────────────────────────

// State is the lifecycle state of a queued job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrInvalidTransition is returned when an event does not apply to the
// job's current state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Job is a queued unit of work as seen by a worker.
type Job struct {
	ID         string
	Queue      string
	Payload    json.RawMessage
	Policy     Policy
	State      State
	Attempts   int // attempts started so far, including the current one
	Stalls     int
	Progress   int
	Error      string
	EnqueuedAt time.Time

	token string // lease token issued at claim
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Final reports whether the current attempt is the last one allowed.
func (j *Job) Final() bool {
	return j.Attempts >= j.Policy.MaxAttempts
}

// Transition describes the effect of one event on a job.
type Transition struct {
	From    State
	To      State
	Attempt int           // attempts made after the transition
	Delay   time.Duration // only set when To == StateRetrying
}

func (t Transition) String() string {
	if t.To == StateRetrying {
		return fmt.Sprintf("%s→%s(attempt=%d, delay=%s)", t.From, t.To, t.Attempt, t.Delay)
	}
	return fmt.Sprintf("%s→%s(attempt=%d)", t.From, t.To, t.Attempt)
}

// Claim moves a waiting or retrying job to active and starts a new attempt.
func Claim(j Job) (Transition, error) {
	if j.State != StateWaiting && j.State != StateRetrying {
		return Transition{}, fmt.Errorf("%w: claim from %s", ErrInvalidTransition, j.State)
	}
	if j.Attempts >= j.Policy.MaxAttempts {
		return Transition{}, fmt.Errorf("%w: attempts exhausted (%d/%d)", ErrInvalidTransition, j.Attempts, j.Policy.MaxAttempts)
	}
	return Transition{From: j.State, To: StateActive, Attempt: j.Attempts + 1}, nil
}

// Succeed completes an active job.
func Succeed(j Job) (Transition, error) {
	if j.State != StateActive {
		return Transition{}, fmt.Errorf("%w: succeed from %s", ErrInvalidTransition, j.State)
	}
	return Transition{From: StateActive, To: StateCompleted, Attempt: j.Attempts}, nil
}

// Fail schedules a retry after the policy delay, or fails the job for good
// once MaxAttempts attempts have been made.
func Fail(j Job) (Transition, error) {
	if j.State != StateActive {
		return Transition{}, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.State)
	}
	if j.Attempts >= j.Policy.MaxAttempts {
		return Transition{From: StateActive, To: StateFailed, Attempt: j.Attempts}, nil
	}
	return Transition{
		From:    StateActive,
		To:      StateRetrying,
		Attempt: j.Attempts,
		Delay:   j.Policy.Delay(j.Attempts),
	}, nil
}

// Stall returns an abandoned active job to the waiting list without
// consuming an attempt, or fails it once it has stalled more than maxStalls times.
func Stall(j Job, maxStalls int) (Transition, error) {
	if j.State != StateActive {
		return Transition{}, fmt.Errorf("%w: stall from %s", ErrInvalidTransition, j.State)
	}
	if j.Stalls+1 > maxStalls {
		return Transition{From: StateActive, To: StateFailed, Attempt: j.Attempts}, nil
	}
	return Transition{From: StateActive, To: StateWaiting, Attempt: j.Attempts - 1}, nil
}
