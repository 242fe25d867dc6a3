// Package retry implements the transport's retry policy as an explicit
// state machine, so the backoff schedule can be unit-tested without
// real delays.
package retry

import (
	"context"
	"math"
	"time"
)

// Class categorizes an attempt's outcome.
type Class int

const (
	// ClassSuccess ends the sequence successfully.
	ClassSuccess Class = iota

	// ClassRetriable consumes retry budget: network errors, timeouts,
	// 429 and 5xx responses.
	ClassRetriable

	// ClassFatal ends the sequence immediately without consuming
	// budget: non-retriable client errors, auth failures, malformed
	// responses.
	ClassFatal
)

// State of the machine.
type State int

const (
	StateInit State = iota
	StateAttempting
	StateRetryWait
	StateSuccess
	StateExhausted
	StateAborted
)

// Policy is the configured retry behavior.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Factor     float64
}

// Machine drives one call's retry sequence:
// Init → Attempting → (Success | RetryWait → Attempting | Exhausted).
type Machine struct {
	policy  Policy
	state   State
	retries int // completed retry waits
}

// NewMachine creates a machine in StateInit.
func NewMachine(p Policy) *Machine {
	if p.Factor < 1 {
		p.Factor = 1
	}
	return &Machine{policy: p}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempt returns the 1-based number of the attempt currently running
// or about to run.
func (m *Machine) Attempt() int { return m.retries + 1 }

// Begin moves Init → Attempting.
func (m *Machine) Begin() {
	if m.state == StateInit {
		m.state = StateAttempting
	}
}

// Observe feeds the outcome of the attempt that just ran. Retriable
// outcomes move to RetryWait while budget remains, Exhausted once the
// configured retries are spent.
func (m *Machine) Observe(c Class) {
	if m.state != StateAttempting {
		return
	}
	switch c {
	case ClassSuccess:
		m.state = StateSuccess
	case ClassFatal:
		m.state = StateAborted
	case ClassRetriable:
		if m.retries >= m.policy.MaxRetries {
			m.state = StateExhausted
			return
		}
		m.state = StateRetryWait
	}
}

// Delay returns the backoff before the next attempt: for the k-th
// retry, delay * factor^(k-1). Only meaningful in StateRetryWait.
func (m *Machine) Delay() time.Duration {
	k := m.retries + 1
	scale := math.Pow(m.policy.Factor, float64(k-1))
	return time.Duration(float64(m.policy.Delay) * scale)
}

// Wake moves RetryWait → Attempting after the delay has been served.
func (m *Machine) Wake() {
	if m.state == StateRetryWait {
		m.retries++
		m.state = StateAttempting
	}
}

// Done reports whether the sequence has reached a terminal state.
func (m *Machine) Done() bool {
	switch m.state {
	case StateSuccess, StateExhausted, StateAborted:
		return true
	}
	return false
}

// Sleeper serves backoff delays. Injected so tests run without real
// sleeps.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps on the wall clock, honoring context cancellation.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
