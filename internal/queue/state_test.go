package queue

import (
	"errors"
	"testing"
	"time"
)

func TestRetryUntilExhausted(t *testing.T) {
	j := Job{ID: "j1", State: StateWaiting, Policy: InferencePolicy()}

	var transitions []Transition
	for {
		tr, err := Claim(j)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		j.State, j.Attempts = tr.To, tr.Attempt

		tr, err = Fail(j)
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		transitions = append(transitions, tr)
		j.State = tr.To
		if tr.To == StateFailed {
			break
		}
		if tr.To != StateRetrying {
			t.Fatalf("unexpected transition %s", tr)
		}
	}

	if j.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", j.Attempts)
	}
	if len(transitions) != 2 {
		t.Fatalf("transitions = %v, want 2", transitions)
	}
	if transitions[0].Delay != 5*time.Second {
		t.Errorf("retry delay = %s, want 5s", transitions[0].Delay)
	}
	if _, err := Claim(j); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Claim after failure err = %v, want ErrInvalidTransition", err)
	}
}

func TestExponentialRetryDelays(t *testing.T) {
	j := Job{State: StateWaiting, Policy: IngestPolicy()}
	var delays []time.Duration
	for i := 0; i < 3; i++ {
		tr, err := Claim(j)
		if err != nil {
			t.Fatal(err)
		}
		j.State, j.Attempts = tr.To, tr.Attempt
		tr, err = Fail(j)
		if err != nil {
			t.Fatal(err)
		}
		j.State = tr.To
		if tr.To == StateRetrying {
			delays = append(delays, tr.Delay)
		}
	}
	if j.State != StateFailed {
		t.Fatalf("state = %s, want failed", j.State)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, delays[i], want[i])
		}
	}
}

func TestSucceed(t *testing.T) {
	if _, err := Succeed(Job{State: StateWaiting}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Succeed(waiting) err = %v", err)
	}
	tr, err := Succeed(Job{State: StateActive, Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if tr.To != StateCompleted || tr.Attempt != 1 {
		t.Errorf("got %s", tr)
	}
}

func TestStall(t *testing.T) {
	j := Job{State: StateActive, Attempts: 1, Policy: InferencePolicy()}

	tr, err := Stall(j, 1)
	if err != nil {
		t.Fatal(err)
	}
	if tr.To != StateWaiting || tr.Attempt != 0 {
		t.Errorf("first stall = %s, want waiting with attempt 0", tr)
	}

	j.Stalls = 1
	tr, err = Stall(j, 1)
	if err != nil {
		t.Fatal(err)
	}
	if tr.To != StateFailed {
		t.Errorf("second stall = %s, want failed", tr)
	}

	if _, err := Stall(Job{State: StateCompleted}, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Stall(completed) err = %v", err)
	}
}

func TestJobFinal(t *testing.T) {
	j := Job{Policy: InferencePolicy(), Attempts: 1}
	if j.Final() {
		t.Error("attempt 1 of 2 reported final")
	}
	j.Attempts = 2
	if !j.Final() {
		t.Error("attempt 2 of 2 not reported final")
	}
}
