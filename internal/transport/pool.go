package transport

import (
	"context"

	"github.com/icube-dev/traego/internal/domain"
)

// Pool bounds the number of concurrent non-streaming calls. Streaming
// calls bypass it: they hold their connection for the stream's
// lifetime and must not starve short REST calls.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with n slots.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (p *Pool) Release() {
	<-p.slots
}

// InFlight returns the number of occupied slots.
func (p *Pool) InFlight() int {
	return len(p.slots)
}

// AsyncResult is the outcome of an ExecuteAsync call.
type AsyncResult struct {
	Envelope *domain.Envelope
	Err      error
}

// ExecuteAsync schedules Execute on a worker goroutine and returns a
// buffered result channel; the pool still bounds actual concurrency.
func (t *Transport) ExecuteAsync(ctx context.Context, req Request) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		env, err := t.Execute(ctx, req)
		out <- AsyncResult{Envelope: env, Err: err}
	}()
	return out
}
